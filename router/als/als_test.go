package als

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_DeterministicAcrossCalls(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("same (country, seed key, seed key id) always renders the same block", prop.ForAll(
		func(seedKeyID string, seedKey []byte) bool {
			if len(seedKey) == 0 {
				seedKey = []byte("fallback")
			}
			first, err1 := Build("US", seedKey, seedKeyID)
			second, err2 := Build("US", seedKey, seedKeyID)
			if err1 != nil || err2 != nil {
				return err1 == err2
			}
			return first.SHA256 == second.SHA256 &&
				first.VariantID == second.VariantID &&
				first.Text == second.Text
		},
		gen.AlphaString(),
		gen.SliceOf(gen.UInt8Range(0, 255)).Map(func(bs []uint8) []byte {
			out := make([]byte, len(bs))
			for i, b := range bs {
				out[i] = byte(b)
			}
			return out
		}),
	))

	properties.TestingRun(t)
}

func TestBuild_DifferentSeedKeysCanSelectDifferentVariants(t *testing.T) {
	a, err := Build("US", []byte("seed-a"), "k1")
	require.NoError(t, err)
	b, err := Build("US", []byte("seed-b-totally-different"), "k1")
	require.NoError(t, err)

	// Not a hard guarantee either key lands on a different variant, but the
	// rendered text is always one of the two configured US variants, and
	// the SHA-256 is always a function of the rendered text.
	assert.Contains(t, []int{0, 1}, a.VariantID)
	assert.Contains(t, []int{0, 1}, b.VariantID)
}

func TestBuild_UnknownCountrySkipsEnrichment(t *testing.T) {
	block, err := Build("ZZ", []byte("seed"), "k1")
	require.NoError(t, err)
	assert.Nil(t, block, "unconfigured country should skip enrichment, not error")
}

func TestBuild_CountryCodeNormalized(t *testing.T) {
	a, err := Build("us", []byte("seed"), "k1")
	require.NoError(t, err)
	b, err := Build(" US ", []byte("seed"), "k1")
	require.NoError(t, err)
	assert.Equal(t, a.SHA256, b.SHA256)
	assert.Equal(t, "US", a.Country)
}

func TestBuild_ProvenanceFieldsPopulated(t *testing.T) {
	block, err := Build("DE", []byte("seed"), "my-key-id")
	require.NoError(t, err)
	require.NotNil(t, block)

	assert.NotEmpty(t, block.Text)
	assert.Len(t, block.SHA256, 64, "sha256 hex digest should be 64 characters")
	assert.Equal(t, "my-key-id", block.SeedKeyID)
	assert.Equal(t, "DE", block.Country)
	assert.Equal(t, countCodePoints(block.Text), block.NFCLength)
	assert.LessOrEqual(t, block.NFCLength, MaxNFCChars)
}

func TestBuild_TooLongTemplateFailsClosedNotTruncated(t *testing.T) {
	// Temporarily register an oversized template to exercise the fail-closed
	// path without relying on any of the shipped templates exceeding the
	// budget.
	original := countryTemplates["XL"]
	defer func() {
		if original == nil {
			delete(countryTemplates, "XL")
		} else {
			countryTemplates["XL"] = original
		}
	}()

	oversized := make([]byte, MaxNFCChars+50)
	for i := range oversized {
		oversized[i] = 'a'
	}
	countryTemplates["XL"] = []template{
		{0, func(date string) string { return string(oversized) }},
	}

	block, err := Build("XL", []byte("seed"), "k1")
	require.Error(t, err)
	assert.Nil(t, block)
	assert.Contains(t, err.Error(), "als block too long")
}

func TestSelectVariant_Deterministic(t *testing.T) {
	idx1 := selectVariant([]byte("k"), "US", "2026-01-15", 2)
	idx2 := selectVariant([]byte("k"), "US", "2026-01-15", 2)
	assert.Equal(t, idx1, idx2)
	assert.GreaterOrEqual(t, idx1, 0)
	assert.Less(t, idx1, 2)
}
