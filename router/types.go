// Package router implements the vendor-neutral LLM routing and orchestration
// engine: ALS enrichment, capability gating, circuit/pacing checks, adapter
// dispatch, citation extraction, grounding detection, and REQUIRED
// enforcement. Provider transport lives in router/providers/*; this package
// owns the request/response contract and the orchestration loop.
package router

import (
	"context"
	"time"
)

// Vendor is the closed set of hosted model backends this router dispatches to.
type Vendor string

const (
	VendorOpenAI       Vendor = "openai"
	VendorGeminiDirect Vendor = "gemini_direct"
	VendorVertex       Vendor = "vertex"
)

// Role is the message participant role. Only system/user/assistant are
// accepted on the way in; there is no tool-augmented multi-turn support.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the conversation. Content is never rewritten by the
// router or any adapter once a request has been validated.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// GroundingMode selects whether a run must produce anchored evidence to be
// considered successful.
type GroundingMode string

const (
	GroundingAuto     GroundingMode = "AUTO"
	GroundingRequired GroundingMode = "REQUIRED"
)

// ALSContext triggers Ambient Location Signal enrichment when present.
type ALSContext struct {
	CountryCode string `json:"country_code"`
	Locale      string `json:"locale,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

// Request is the caller-supplied, vendor-neutral completion request. The
// router never rewrites the model or the content of the caller's messages;
// it does fill in Vendor and RunID when absent, insert the ALS message, and
// delete Meta hints the capability gate drops.
type Request struct {
	Vendor        Vendor        `json:"vendor,omitempty"`
	Model         string        `json:"model"`
	Messages      []Message     `json:"messages"`
	Grounded      bool          `json:"grounded"`
	GroundingMode GroundingMode `json:"grounding_mode,omitempty"`
	JSONMode      bool          `json:"json_mode"`
	ALSContext    *ALSContext   `json:"als_context,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`

	TemplateID string `json:"template_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	TenantID   string `json:"tenant_id,omitempty"`

	// alsApplied tracks whether ALS enrichment has already run for this
	// request's lifetime. Double application is a bug, not a retry.
	alsApplied bool
}

// ALSApplied reports whether ALS enrichment has already been performed.
func (r *Request) ALSApplied() bool { return r.alsApplied }

// MetaString returns a string hint from Meta, or "" if absent/wrong type.
func (r *Request) MetaString(key string) string {
	if r.Meta == nil {
		return ""
	}
	v, ok := r.Meta[key].(string)
	if !ok {
		return ""
	}
	return v
}

// MetaBool returns a bool hint from Meta, or false if absent/wrong type.
func (r *Request) MetaBool(key string) bool {
	if r.Meta == nil {
		return false
	}
	v, _ := r.Meta[key].(bool)
	return v
}

// Usage normalizes token accounting across provider-specific synonyms.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// SourceType is the closed taxonomy of citation origins.
type SourceType string

const (
	SourceAnnotation  SourceType = "annotation"
	SourceURLCitation SourceType = "url_citation"
	SourceDirectURI   SourceType = "direct_uri"
	SourceV1Join      SourceType = "v1_join"
	SourceGroundingChunk SourceType = "groundingChunks"
	SourceUnlinked    SourceType = "unlinked"
	SourceRedirectOnly SourceType = "redirect_only"
)

// Citation is one piece of grounding evidence, anchored or not.
type Citation struct {
	URL         string     `json:"url"`
	Title       string     `json:"title,omitempty"`
	Snippet     string     `json:"snippet,omitempty"`
	SourceType  SourceType `json:"source_type"`
	Anchored    bool       `json:"anchored"`
	TextOffsets *[2]int    `json:"text_offsets,omitempty"`
}

// Response is the vendor-neutral result of a completed request.
type Response struct {
	Content   string         `json:"content"`
	Success   bool           `json:"success"`
	Usage     Usage          `json:"usage"`
	Citations []Citation     `json:"citations"`
	Metadata  map[string]any `json:"metadata"`
	LatencyMS int64          `json:"latency_ms"`
}

// NewResponse returns a Response with an initialized metadata map.
func NewResponse() *Response {
	return &Response{Metadata: make(map[string]any)}
}

// AdapterResponse is the shape adapters hand back to the router before
// grounding detection and citation extraction run. It exposes both the
// typed and dict-shaped provider output so downstream components can walk
// whichever view is populated, per the union-of-views rule for Google
// grounding metadata.
type AdapterResponse struct {
	Text        string
	Usage       Usage
	ResponseAPI string
	ToolCalls   []ToolCallView
	CreatedAt   time.Time
	TextSource  string // "primary" or "retry"

	// Raw carries the adapter-specific typed and/or dict response so the
	// citation extractor can walk vendor-specific shapes it doesn't know
	// about generically (e.g. OpenAI annotations, Google grounding metadata).
	Raw any

	// Dropped records capability-gate decisions the adapter made while
	// building its payload (e.g. reasoning_hint_dropped), merged into
	// telemetry by the router.
	Dropped map[string]any
}

// ToolCallView is a vendor-neutral view of one tool invocation in a response,
// used by the grounding detector and citation extractor.
type ToolCallView struct {
	Name        string
	Kind        string // "web_search_call", "function_call", "tool_call"
	Status      string
	ResultCount int
	RawResult   any
}

// Provider is implemented by each vendor adapter. It is a pure shape
// converter: neutral request in, SDK call, neutral response out. No HTTP
// retry loop and no streaming assembly belong here — that is the SDK's job.
type Provider interface {
	Vendor() Vendor
	Complete(ctx context.Context, req *Request) (*AdapterResponse, error)
}
