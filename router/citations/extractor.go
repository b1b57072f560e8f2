// Package citations fuses the handful of incompatible shapes providers use
// to report grounding evidence into the router's single anchored/unlinked
// citation model. OpenAI and Google each expose both a typed and a
// dict-shaped view of the same data at different SDK versions; this package
// treats them as a union of views rather than picking one and hoping.
package citations

import (
	"context"
	"strings"
	"time"

	"github.com/agentflow-routing/llmrouter/router"
)

// MaxCitations is the resolution budget; beyond it remaining evidence is
// stamped redirect_only rather than silently dropped.
const MaxCitations = 8

// ResolveBudget bounds the wall-clock time the extractor spends across all
// views for one response.
const ResolveBudget = 3 * time.Second

// OpenAIAnnotation is one url_citation annotation from the Responses API,
// present in both the typed and dict views.
type OpenAIAnnotation struct {
	Type       string // "url_citation"
	URL        string
	Title      string
	StartIndex int
	EndIndex   int
}

// OpenAIView carries both parallel representations of OpenAI's annotation
// data. Dict is consulted whenever Typed is empty but tool calls occurred,
// per the fallback rule.
type OpenAIView struct {
	Typed []OpenAIAnnotation
	Dict  []OpenAIAnnotation
}

// GroundingChunk is a Google grounding chunk: a URI with no text span, thus
// always unlinked.
type GroundingChunk struct {
	URI   string
	Title string
}

// V1Citation is one element of Google's v1 JOIN citations[] array: a text
// span bound to a sourceId that must be resolved against CitedSources.
type V1Citation struct {
	SourceID string
	Start    int
	End      int
}

// V1CitedSource is one element of citedSources[], the join target for
// V1Citation.SourceID.
type V1CitedSource struct {
	SourceID string
	URI      string
	Title    string
	Domain   string
}

// GoogleCandidateView is the per-candidate union of the typed and dict
// grounding metadata shapes. Either side may be populated independently;
// candidates are iterated up to max(len(typed-bearing), len(dict-bearing)).
type GoogleCandidateView struct {
	Index          int
	TypedChunks    []GroundingChunk
	DictChunks     []GroundingChunk
	HasTypedMeta   bool
	HasDictMeta    bool
}

// GoogleView carries the per-candidate grounding chunk views plus the
// top-level v1 JOIN arrays.
type GoogleView struct {
	Candidates     []GoogleCandidateView
	V1Citations    []V1Citation
	V1CitedSources []V1CitedSource
}

// Extract normalizes resp's vendor-specific evidence into the router's
// closed citation model. toolCallCount is the number of tool calls the
// adapter reported (the router passes len(resp.ToolCalls) and runs this
// before grounding detection); it gates the OpenAI dict fallback and the
// diagnostic-audit rule ("tools ran but zero citations").
//
// Returns the ordered citation list (capped at MaxCitations, with the
// remainder represented as redirect_only entries) and a metadata bundle
// meant to be merged into the telemetry row.
func Extract(ctx context.Context, vendor router.Vendor, resp *router.AdapterResponse, toolCallCount int) ([]router.Citation, map[string]any) {
	deadline := time.Now().Add(ResolveBudget)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	var raw []router.Citation
	shapeSet := map[string]bool{}

	switch vendor {
	case router.VendorOpenAI:
		raw, shapeSet = extractOpenAI(resp, toolCallCount)
	case router.VendorGeminiDirect, router.VendorVertex:
		raw, shapeSet = extractGoogle(resp, deadline)
	}

	deduped := dedupe(raw)

	truncated := false
	var final []router.Citation
	if len(deduped) > MaxCitations {
		truncated = true
		final = append(final, deduped[:MaxCitations]...)
		for _, c := range deduped[MaxCitations:] {
			c.SourceType = router.SourceRedirectOnly
			c.Anchored = false
			final = append(final, c)
		}
	} else {
		final = deduped
	}

	meta := map[string]any{
		"resolver_truncated": truncated,
	}
	if len(shapeSet) > 0 {
		shapes := make([]string, 0, len(shapeSet))
		for s := range shapeSet {
			shapes = append(shapes, s)
		}
		meta["citations_shape_set"] = shapes
	}

	if toolCallCount > 0 && len(final) == 0 {
		meta["citations_audit"] = buildAudit(resp)
	}

	return final, meta
}

func extractOpenAI(resp *router.AdapterResponse, toolCallCount int) ([]router.Citation, map[string]bool) {
	view, _ := resp.Raw.(OpenAIView)
	shapeSet := map[string]bool{}

	annotations := view.Typed
	if len(annotations) == 0 && toolCallCount > 0 && len(view.Dict) > 0 {
		annotations = view.Dict
		shapeSet["openai_dict"] = true
	} else if len(annotations) > 0 {
		shapeSet["openai_typed"] = true
	}

	citations := make([]router.Citation, 0, len(annotations))
	for _, a := range annotations {
		offsets := [2]int{a.StartIndex, a.EndIndex}
		citations = append(citations, router.Citation{
			URL:         a.URL,
			Title:       a.Title,
			SourceType:  router.SourceURLCitation,
			Anchored:    true,
			TextOffsets: &offsets,
		})
	}
	return citations, shapeSet
}

func extractGoogle(resp *router.AdapterResponse, deadline time.Time) ([]router.Citation, map[string]bool) {
	view, _ := resp.Raw.(GoogleView)
	shapeSet := map[string]bool{}
	var citations []router.Citation

	// Union-of-views over per-candidate grounding chunks: never skip the
	// dict view merely because the typed attribute is absent.
	n := len(view.Candidates)
	for i := 0; i < n && time.Now().Before(deadline); i++ {
		cand := view.Candidates[i]
		if cand.HasTypedMeta {
			shapeSet["google_typed"] = true
		}
		if cand.HasDictMeta {
			shapeSet["google_dict"] = true
		}
		for _, chunk := range append(append([]GroundingChunk{}, cand.TypedChunks...), cand.DictChunks...) {
			citations = append(citations, router.Citation{
				URL:        chunk.URI,
				Title:      chunk.Title,
				SourceType: router.SourceGroundingChunk,
				Anchored:   false,
			})
		}
	}

	// v1 JOIN: resolve citations[] against citedSources[]; anything in
	// citedSources never referenced is emitted unlinked.
	if len(view.V1Citations) > 0 || len(view.V1CitedSources) > 0 {
		shapeSet["google_v1_join"] = true
		bySource := make(map[string]V1CitedSource, len(view.V1CitedSources))
		for _, s := range view.V1CitedSources {
			bySource[s.SourceID] = s
		}
		referenced := make(map[string]bool, len(view.V1Citations))
		for _, c := range view.V1Citations {
			if !time.Now().Before(deadline) {
				break
			}
			src, ok := bySource[c.SourceID]
			if !ok {
				continue
			}
			referenced[c.SourceID] = true
			offsets := [2]int{c.Start, c.End}
			citations = append(citations, router.Citation{
				URL:         src.URI,
				Title:       src.Title,
				SourceType:  router.SourceV1Join,
				Anchored:    true,
				TextOffsets: &offsets,
			})
		}
		for _, s := range view.V1CitedSources {
			if referenced[s.SourceID] {
				continue
			}
			citations = append(citations, router.Citation{
				URL:        s.URI,
				Title:      s.Title,
				SourceType: router.SourceUnlinked,
				Anchored:   false,
			})
		}
	}

	return citations, shapeSet
}

// dedupe collapses citations sharing a canonical URL (lowercase
// scheme+host, tracking fragments stripped), keeping the first-seen
// title/snippet and preferring an anchored record over an unlinked one for
// the same URL.
func dedupe(in []router.Citation) []router.Citation {
	order := make([]string, 0, len(in))
	best := make(map[string]router.Citation, len(in))

	for _, c := range in {
		key := canonicalURL(c.URL)
		existing, ok := best[key]
		if !ok {
			order = append(order, key)
			best[key] = c
			continue
		}
		if !existing.Anchored && c.Anchored {
			best[key] = c
		}
	}

	out := make([]router.Citation, 0, len(order))
	for _, key := range order {
		out = append(out, best[key])
	}
	return out
}

func canonicalURL(raw string) string {
	u := raw
	if idx := strings.IndexAny(u, "?#"); idx >= 0 {
		u = u[:idx]
	}
	schemeEnd := strings.Index(u, "://")
	if schemeEnd < 0 {
		return strings.ToLower(u)
	}
	hostEnd := len(u)
	if idx := strings.Index(u[schemeEnd+3:], "/"); idx >= 0 {
		hostEnd = schemeEnd + 3 + idx
	}
	return strings.ToLower(u[:hostEnd]) + u[hostEnd:]
}

// buildAudit produces a size-capped, PII-scrubbed diagnostic sample showing
// what metadata shapes were present when tools ran but nothing was
// extracted — the signal that separates "provider returned empty evidence"
// from "extractor bug".
func buildAudit(resp *router.AdapterResponse) map[string]any {
	audit := map[string]any{}
	switch v := resp.Raw.(type) {
	case OpenAIView:
		audit["typed_count"] = len(v.Typed)
		audit["dict_count"] = len(v.Dict)
	case GoogleView:
		audit["candidate_count"] = len(v.Candidates)
		audit["v1_citation_count"] = len(v.V1Citations)
		audit["v1_cited_source_count"] = len(v.V1CitedSources)
		if len(v.Candidates) > 0 {
			sample := v.Candidates[0]
			audit["first_candidate_typed_chunks"] = min(2, len(sample.TypedChunks))
			audit["first_candidate_dict_chunks"] = min(2, len(sample.DictChunks))
		}
	}
	return audit
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
