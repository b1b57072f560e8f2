// Package gemini implements the Google Gemini direct-API adapter: a single
// generateContent call per request, authenticated with an API key, using
// the shared Forced Function Calling payload from googlegenai.
package gemini

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
	"github.com/agentflow-routing/llmrouter/router/providers/googlegenai"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Config holds the adapter's static configuration, read once at boot.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Adapter is a pure shape converter for the Gemini direct API: no retry
// loop, no streaming assembly. The client's own timeout/retry settings
// govern transport.
type Adapter struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New constructs a Gemini direct adapter.
func New(cfg Config, logger *zap.Logger) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("adapter", "gemini_direct")),
	}
}

func (a *Adapter) Vendor() router.Vendor { return router.VendorGeminiDirect }

// Complete rejects any model containing "flash" at the boundary — production
// policy restricts the direct adapter to gemini-2.5-pro class models — then
// issues a single FFC-shaped generateContent call.
func (a *Adapter) Complete(ctx context.Context, req *router.Request) (*router.AdapterResponse, error) {
	if strings.Contains(req.Model, "flash") {
		return nil, &router.Error{
			Code:        router.ErrModelNotAllowed,
			Message:     fmt.Sprintf("model %q rejected at the gemini_direct adapter boundary", req.Model),
			Remediation: "Production policy only permits gemini-2.5-pro class models on gemini_direct. Use vertex for flash-tier models, or switch to an allowed pro model.",
			Vendor:      string(router.VendorGeminiDirect),
		}
	}

	var schema json.RawMessage
	if req.JSONMode {
		schema = schemaFromMeta(req)
	}

	gcr, err := googlegenai.BuildRequest(req, schema)
	if err != nil {
		return nil, router.NewError(router.ErrInvalidRequest, err.Error()).WithVendor(string(router.VendorGeminiDirect))
	}

	payload, err := json.Marshal(gcr)
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		strings.TrimRight(a.cfg.BaseURL, "/"), req.Model, a.cfg.APIKey)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if cerr := router.ClassifyContextError(ctx, router.VendorGeminiDirect); cerr != nil {
			return nil, cerr
		}
		return nil, &router.Error{
			Code: router.ErrUpstream, Message: err.Error(), Retryable: true,
			Vendor: string(router.VendorGeminiDirect),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &router.Error{
			Code:        router.ErrAuthMissing,
			Message:     fmt.Sprintf("gemini direct returned %d", resp.StatusCode),
			Remediation: "Set a valid AGENTFLOW_GEMINI_API_KEY for the direct API.",
			Vendor:      string(router.VendorGeminiDirect),
		}
	}
	if resp.StatusCode >= 400 {
		rerr := &router.Error{
			Code:      router.ErrUpstream,
			Message:   fmt.Sprintf("gemini direct returned %d", resp.StatusCode),
			Retryable: breakerEligible(resp.StatusCode),
			Vendor:    string(router.VendorGeminiDirect),
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			rerr.RetryAfter = parseRetryAfter(resp.Header)
		}
		return nil, rerr
	}

	var gcrResp googlegenai.GenerateContentResponse
	if err := json.NewDecoder(resp.Body).Decode(&gcrResp); err != nil {
		return nil, &router.Error{
			Code: router.ErrUpstream, Message: err.Error(), Retryable: true,
			Vendor: string(router.VendorGeminiDirect),
		}
	}

	return googlegenai.ToAdapterResponse(&gcrResp, "gemini_genai"), nil
}

func breakerEligible(status int) bool {
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

func schemaFromMeta(req *router.Request) json.RawMessage {
	if req.Meta == nil {
		return nil
	}
	if raw, ok := req.Meta["response_schema"].(json.RawMessage); ok {
		return raw
	}
	if s, ok := req.Meta["response_schema"].(string); ok {
		return json.RawMessage(s)
	}
	return nil
}
