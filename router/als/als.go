// Package als builds the Ambient Location Signal block: a short,
// deterministic, locale-flavored ambient-context message inserted between
// the system and user turns. Selection is HMAC-keyed so the same
// (country, seed key, date) tuple always yields the same block, with no
// dependency on wall-clock time or randomness.
package als

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MaxNFCChars is the fail-closed limit on a rendered ALS block, measured in
// Unicode NFC code points. Exceeding it is a hard error; the block is never
// truncated.
const MaxNFCChars = 350

// renderDate is a fixed placeholder, not wall-clock time. Determinism of
// the SHA-256 digest depends on this never changing.
const renderDate = "2026-01-15"

// Block is the result of a successful ALS render, carrying both the text to
// insert and the provenance fields persisted for audit.
type Block struct {
	Text       string
	SHA256     string
	VariantID  int
	SeedKeyID  string
	Country    string
	NFCLength  int
}

// template is one pre-authored ambient-context variant for a country.
type template struct {
	variantID int
	render    func(date string) string
}

// countryTemplates is the static per-country variant table. Real
// deployments would carry many more locales; this set is enough to exercise
// the deterministic-selection and fail-closed-length paths.
var countryTemplates = map[string][]template{
	"US": {
		{0, func(date string) string {
			return fmt.Sprintf("Ambient context: locale en-US, date format MM/DD/YYYY (sample %s), currency USD, emergency number 911.", date)
		}},
		{1, func(date string) string {
			return fmt.Sprintf("Local context: United States, date %s (MM/DD/YYYY), currency USD ($), emergency services: 911.", date)
		}},
	},
	"DE": {
		{0, func(date string) string {
			return fmt.Sprintf("Umgebungskontext: Gebietsschema de-DE, Datumsformat TT.MM.JJJJ (Beispiel %s), Währung EUR, Notrufnummer 112.", date)
		}},
		{1, func(date string) string {
			return fmt.Sprintf("Lokaler Kontext: Deutschland, Datum %s (TT.MM.JJJJ), Währung EUR (€), Notruf: 112.", date)
		}},
	},
	"JP": {
		{0, func(date string) string {
			return fmt.Sprintf("周辺情報: ロケール ja-JP、日付形式 YYYY/MM/DD（例 %s）、通貨 JPY、緊急通報番号 110/119。", date)
		}},
	},
	"GB": {
		{0, func(date string) string {
			return fmt.Sprintf("Ambient context: locale en-GB, date format DD/MM/YYYY (sample %s), currency GBP, emergency number 999.", date)
		}},
	},
}

// Build renders the ALS block for (countryCode, seedKey, seedKeyID). It
// normalizes countryCode to uppercase ISO-3166 alpha-2, selects a variant
// deterministically via HMAC-SHA256, and enforces the 350 NFC-char budget.
// A nil Block with nil error means the country has no configured templates
// — callers should skip enrichment rather than treat it as a failure.
func Build(countryCode string, seedKey []byte, seedKeyID string) (*Block, error) {
	country := strings.ToUpper(strings.TrimSpace(countryCode))

	variants, ok := countryTemplates[country]
	if !ok || len(variants) == 0 {
		return nil, nil
	}

	idx := selectVariant(seedKey, country, renderDate, len(variants))
	chosen := variants[idx]

	rendered := chosen.render(renderDate)
	normalized := norm.NFC.String(rendered)

	nfcLen := countCodePoints(normalized)
	if nfcLen > MaxNFCChars {
		return nil, fmt.Errorf("als block too long: %d NFC chars exceeds limit of %d; shorten the %s template (variant %d) instead of truncating at render time",
			nfcLen, MaxNFCChars, country, chosen.variantID)
	}

	sum := sha256.Sum256([]byte(normalized))

	return &Block{
		Text:      normalized,
		SHA256:    hex.EncodeToString(sum[:]),
		VariantID: chosen.variantID,
		SeedKeyID: seedKeyID,
		Country:   country,
		NFCLength: nfcLen,
	}, nil
}

// selectVariant computes hmac_sha256(seedKey, country||date), takes the
// first 8 bytes as an unsigned integer, and reduces modulo the variant
// count. Deterministic across processes, machines, and time.
func selectVariant(seedKey []byte, country, date string, variantCount int) int {
	mac := hmac.New(sha256.New, seedKey)
	mac.Write([]byte(country))
	mac.Write([]byte(date))
	digest := mac.Sum(nil)

	n := binary.BigEndian.Uint64(digest[:8])
	return int(n % uint64(variantCount))
}

func countCodePoints(s string) int {
	count := 0
	for range s {
		count++
	}
	return count
}
