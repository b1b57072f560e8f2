// Package openai implements the OpenAI adapter against the Responses API
// only — a single call per request. Chat Completions is deliberately not
// used; REQUIRED grounding enforcement happens entirely post-hoc because
// OpenAI does not support tool_choice:"required" for web search.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentflow-routing/llmrouter/router"
	"github.com/agentflow-routing/llmrouter/router/citations"
)

const defaultBaseURL = "https://api.openai.com"

// Config holds the adapter's static configuration, read once at boot.
type Config struct {
	APIKey       string
	Organization string
	BaseURL      string
	Timeout      time.Duration
}

// AdapterCapabilities is the subset of capability.Capabilities this adapter
// needs. A function rather than a direct capability.Registry dependency
// keeps this package independent of the vendor-fanned-out Lookup call.
type AdapterCapabilities struct {
	SupportsGrounding       bool
	SupportsReasoningEffort bool
}

// CapabilityLookup resolves a model to the capabilities this adapter cares
// about. The router wires this from capability.Registry.Lookup.
type CapabilityLookup func(model string) AdapterCapabilities

// Adapter is a pure shape converter for the Responses API.
type Adapter struct {
	cfg          Config
	client       *http.Client
	logger       *zap.Logger
	capabilities CapabilityLookup
}

// New constructs an OpenAI adapter.
func New(cfg Config, capabilities CapabilityLookup, logger *zap.Logger) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Adapter{
		cfg:          cfg,
		client:       &http.Client{Timeout: cfg.Timeout},
		logger:       logger.With(zap.String("adapter", "openai")),
		capabilities: capabilities,
	}
}

func (a *Adapter) Vendor() router.Vendor { return router.VendorOpenAI }

type responsesRequest struct {
	Model           string            `json:"model"`
	Input           []responsesInput  `json:"input"`
	Instructions    string            `json:"instructions,omitempty"`
	MaxOutputTokens int               `json:"max_output_tokens,omitempty"`
	Temperature     float64           `json:"temperature,omitempty"`
	Tools           []responsesTool   `json:"tools,omitempty"`
	ToolChoice      string            `json:"tool_choice,omitempty"`
	Reasoning       *reasoningOpts    `json:"reasoning,omitempty"`
	ResponseFormat  *responseFormat   `json:"text,omitempty"`
	Store           bool              `json:"store,omitempty"`
}

type responsesInput struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responsesTool struct {
	Type string `json:"type"`
}

type reasoningOpts struct {
	Effort string `json:"effort,omitempty"`
}

type responseFormat struct {
	Format struct {
		Type string `json:"type"`
	} `json:"format"`
}

type responsesResponse struct {
	ID        string             `json:"id"`
	Model     string             `json:"model"`
	CreatedAt int64              `json:"created_at"`
	Output    []responsesOutput  `json:"output"`
	Usage     *responsesUsage    `json:"usage,omitempty"`
}

type responsesOutput struct {
	Type    string            `json:"type"`
	Status  string            `json:"status"`
	Role    string            `json:"role"`
	Content []responsesContent `json:"content"`
	// Name/Results are populated on type == "web_search_call" items.
	Name    string            `json:"name,omitempty"`
	Results []any             `json:"results,omitempty"`
}

type responsesContent struct {
	Type        string                    `json:"type"`
	Text        string                    `json:"text,omitempty"`
	Annotations []responsesAnnotationView `json:"annotations,omitempty"`
}

// responsesAnnotationView decodes both the typed and dict shapes of an
// annotation identically, since JSON unmarshaling already normalizes field
// access — the typed/dict distinction in the spec reflects the source
// SDK's duck-typed objects, which Go's static decoding collapses for free.
type responsesAnnotationView struct {
	Type       string `json:"type"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	StartIndex int    `json:"start_index"`
	EndIndex   int    `json:"end_index"`
}

type responsesUsage struct {
	PromptTokens     int `json:"input_tokens"`
	CompletionTokens int `json:"output_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Complete builds a Responses API payload and makes a single call.
func (a *Adapter) Complete(ctx context.Context, req *router.Request) (*router.AdapterResponse, error) {
	caps := a.capabilities(req.Model)

	var instructions []string
	var input []responsesInput
	for _, m := range req.Messages {
		switch m.Role {
		case router.RoleSystem:
			instructions = append(instructions, m.Content)
		case router.RoleUser, router.RoleAssistant:
			input = append(input, responsesInput{Role: string(m.Role), Content: m.Content})
		}
	}

	body := responsesRequest{
		Model:        req.Model,
		Input:        input,
		Instructions: strings.Join(instructions, "\n"),
		Store:        true,
	}

	dropped := map[string]any{}

	if req.Grounded && caps.SupportsGrounding {
		body.Tools = append(body.Tools, responsesTool{Type: "web_search"})
		body.ToolChoice = "auto"
	}

	if effort := req.MetaString("reasoning_effort"); effort != "" {
		if caps.SupportsReasoningEffort {
			body.Reasoning = &reasoningOpts{Effort: effort}
		} else {
			dropped["reasoning_hint_dropped"] = true
			dropped["reasoning_hint_drop_reason"] = "router_capability_gate"
		}
	}

	if req.JSONMode {
		body.ResponseFormat = &responseFormat{}
		body.ResponseFormat.Format.Type = "json_object"
		if req.Grounded {
			body.Instructions = strings.TrimSpace(body.Instructions + "\nRespond with a single valid JSON object as your final message.")
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal responses request: %w", err)
	}

	resp, err := a.call(ctx, payload)
	if err != nil {
		return nil, err
	}

	ar, textSource, err := a.toAdapterResponse(ctx, resp, payload)
	if err != nil {
		return nil, err
	}
	ar.TextSource = textSource
	ar.Dropped = dropped
	return ar, nil
}

func (a *Adapter) call(ctx context.Context, payload []byte) (*responsesResponse, error) {
	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + "/v1/responses"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build responses request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if a.cfg.Organization != "" {
		httpReq.Header.Set("OpenAI-Organization", a.cfg.Organization)
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		if cerr := router.ClassifyContextError(ctx, router.VendorOpenAI); cerr != nil {
			return nil, cerr
		}
		return nil, &router.Error{Code: router.ErrUpstream, Message: err.Error(), Retryable: true, Vendor: string(router.VendorOpenAI)}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusUnauthorized {
		return nil, &router.Error{
			Code:        router.ErrAuthMissing,
			Message:     "openai returned 401",
			Remediation: "Set a valid AGENTFLOW_OPENAI_API_KEY.",
			Vendor:      string(router.VendorOpenAI),
		}
	}
	if httpResp.StatusCode >= 400 {
		rerr := &router.Error{
			Code:      router.ErrUpstream,
			Message:   fmt.Sprintf("openai returned %d", httpResp.StatusCode),
			Retryable: isTransientStatus(httpResp.StatusCode),
			Vendor:    string(router.VendorOpenAI),
		}
		if httpResp.StatusCode == http.StatusTooManyRequests {
			rerr.RetryAfter = parseRetryAfter(httpResp.Header)
		}
		return nil, rerr
	}

	var parsed responsesResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&parsed); err != nil {
		return nil, &router.Error{Code: router.ErrUpstream, Message: err.Error(), Retryable: true, Vendor: string(router.VendorOpenAI)}
	}
	return &parsed, nil
}

func (a *Adapter) toAdapterResponse(ctx context.Context, resp *responsesResponse, originalPayload []byte) (*router.AdapterResponse, string, error) {
	var text strings.Builder
	var toolCalls []router.ToolCallView
	var annotations []citations.OpenAIAnnotation

	for _, out := range resp.Output {
		switch out.Type {
		case "message":
			for _, c := range out.Content {
				if c.Type == "output_text" {
					if text.Len() > 0 {
						text.WriteString("\n")
					}
					text.WriteString(c.Text)
					for _, ann := range c.Annotations {
						annotations = append(annotations, citations.OpenAIAnnotation{
							Type: ann.Type, URL: ann.URL, Title: ann.Title,
							StartIndex: ann.StartIndex, EndIndex: ann.EndIndex,
						})
					}
				}
			}
		case "web_search_call":
			toolCalls = append(toolCalls, router.ToolCallView{
				Name: out.Name, Kind: "web_search_call", Status: out.Status,
				ResultCount: len(out.Results),
			})
		}
	}

	textSource := "primary"
	if text.Len() == 0 && len(toolCalls) > 0 {
		retryResp, err := a.retryPlainText(ctx, originalPayload)
		if err == nil && retryResp != nil {
			for _, out := range retryResp.Output {
				if out.Type == "message" {
					for _, c := range out.Content {
						if c.Type == "output_text" {
							text.WriteString(c.Text)
						}
					}
				}
			}
			textSource = "retry"
		}
	}

	ar := &router.AdapterResponse{
		Text:        text.String(),
		ResponseAPI: "responses_sdk",
		ToolCalls:   toolCalls,
		Raw:         citations.OpenAIView{Typed: annotations},
	}
	if resp.Usage != nil {
		ar.Usage = router.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	if resp.CreatedAt != 0 {
		ar.CreatedAt = time.Unix(resp.CreatedAt, 0)
	}
	return ar, textSource, nil
}

// retryPlainText performs the single allowed plain-text retry when tools
// were invoked but produced no text: it asks the model to respond directly
// without using tools. This is the only adapter-local recovery the spec
// permits.
func (a *Adapter) retryPlainText(ctx context.Context, originalPayload []byte) (*responsesResponse, error) {
	var body map[string]any
	if err := json.Unmarshal(originalPayload, &body); err != nil {
		return nil, err
	}
	delete(body, "tools")
	delete(body, "tool_choice")
	if input, ok := body["input"].([]any); ok {
		body["input"] = append(input, map[string]any{
			"role":    "user",
			"content": "Please respond directly in plain text without using tools.",
		})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return a.call(ctx, payload)
}

func isTransientStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// parseRetryAfter reads the Retry-After header as either delta-seconds or
// an HTTP-date, returning 0 if absent or unparseable.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
