// Package grounding inspects an adapter's normalized response and the
// originating request to compute whether grounding was attempted and
// whether it actually produced usable evidence.
package grounding

import "github.com/agentflow-routing/llmrouter/router"

// Signals is the set of grounding facts the router needs to run REQUIRED
// enforcement and to populate telemetry.
type Signals struct {
	GroundedAttempted bool
	ToolCallCount     int
	ToolResultCount   int
	GroundedEffective bool
	WhyNotGrounded    string
}

// Detect inspects resp (already produced by the adapter) in light of the
// originating request and the citation count extracted separately. The
// caller passes citationCount in because grounded_effective depends on at
// least one citation having been extracted, and citation extraction is a
// distinct pipeline stage; the router runs it before Detect and hands over
// the resulting count, so detection and extraction stay decoupled.
func Detect(vendor router.Vendor, req *router.Request, resp *router.AdapterResponse, citationCount int) Signals {
	s := Signals{GroundedAttempted: req.Grounded}

	for _, tc := range resp.ToolCalls {
		switch tc.Kind {
		case "web_search_call", "function_call", "tool_call":
			s.ToolCallCount++
			s.ToolResultCount += tc.ResultCount
		}
	}

	s.GroundedEffective = s.ToolCallCount > 0 && citationCount > 0

	if !req.Grounded {
		return s
	}

	switch vendor {
	case router.VendorOpenAI:
		if webSearchCalled(resp) && s.ToolResultCount == 0 {
			s.WhyNotGrounded = "web_search_empty_results"
		}
	case router.VendorGeminiDirect, router.VendorVertex:
		if s.ToolCallCount > 0 && citationCount == 0 {
			s.WhyNotGrounded = "provider_returned_empty_evidence"
		}
	}

	return s
}

func webSearchCalled(resp *router.AdapterResponse) bool {
	for _, tc := range resp.ToolCalls {
		if tc.Kind == "web_search_call" && tc.Status == "completed" {
			return true
		}
	}
	return false
}
