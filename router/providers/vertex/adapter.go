// Package vertex implements the Vertex AI adapter. It is shape-identical to
// the Gemini direct adapter (same FFC payload, same googlegenai base) and
// differs only in authentication (ADC / Workload Identity Federation) and
// its own model allowlist/region.
package vertex

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

// CredentialSource describes how the adapter's request was authenticated,
// mirroring the distinction the spec draws between ADC (development) and
// Workload Identity Federation (production).
type CredentialSource string

const (
	CredentialADC            CredentialSource = "adc"
	CredentialExternalAccount CredentialSource = "external_account"
)

// CredentialProvider supplies a bearer token and reports how it was
// obtained. Production deployments are expected to back this with a WIF
// token source; development may use gcloud's ADC token.
type CredentialProvider interface {
	Token(ctx context.Context) (token string, source CredentialSource, err error)
}

// Config holds the adapter's static configuration, read once at boot.
type Config struct {
	ProjectID  string
	Location   string
	EnforceWIF bool
	Timeout    time.Duration
}

// Adapter is a pure shape converter for Vertex AI's generateContent
// endpoint.
type Adapter struct {
	cfg        Config
	client     *http.Client
	logger     *zap.Logger
	credential CredentialProvider
}

// New constructs a Vertex adapter.
func New(cfg Config, credential CredentialProvider, logger *zap.Logger) *Adapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Adapter{
		cfg:        cfg,
		client:     &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With(zap.String("adapter", "vertex")),
		credential: credential,
	}
}

func (a *Adapter) Vendor() router.Vendor { return router.VendorVertex }

// Complete authenticates (failing fast if WIF is required but unavailable),
// then issues a single-call FFC request — always single-call, no two-step
// reshape.
func (a *Adapter) Complete(ctx context.Context, req *router.Request) (*router.AdapterResponse, error) {
	token, source, err := a.credential.Token(ctx)
	if err != nil {
		return nil, &router.Error{
			Code:        router.ErrAuthMissing,
			Message:     err.Error(),
			Remediation: "Run `gcloud auth application-default login` for development, or configure Workload Identity Federation for production.",
			Vendor:      string(router.VendorVertex),
		}
	}
	if a.cfg.EnforceWIF && source != CredentialExternalAccount {
		return nil, &router.Error{
			Code:        router.ErrAuthMissing,
			Message:     fmt.Sprintf("credential source %q is not external_account but AGENTFLOW_VERTEX_ENFORCE_WIF is set", source),
			Remediation: "Set the WIF_CREDENTIALS_JSON secret so Vertex authenticates via Workload Identity Federation.",
			Vendor:      string(router.VendorVertex),
		}
	}

	var schema json.RawMessage
	if req.JSONMode {
		schema = schemaFromMeta(req)
	}

	gcr, err := googlegenai.BuildRequest(req, schema)
	if err != nil {
		return nil, router.NewError(router.ErrInvalidRequest, err.Error()).WithVendor(string(router.VendorVertex))
	}

	payload, err := json.Marshal(gcr)
	if err != nil {
		return nil, fmt.Errorf("marshal vertex request: %w", err)
	}

	endpoint := fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:generateContent",
		a.cfg.Location, a.cfg.ProjectID, a.cfg.Location, req.Model,
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build vertex request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if cerr := router.ClassifyContextError(ctx, router.VendorVertex); cerr != nil {
			return nil, cerr
		}
		return nil, &router.Error{
			Code: router.ErrUpstream, Message: err.Error(), Retryable: true,
			Vendor: string(router.VendorVertex),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &router.Error{
			Code:        router.ErrAuthMissing,
			Message:     fmt.Sprintf("vertex returned %d", resp.StatusCode),
			Remediation: "Verify the service account has roles/aiplatform.user on the target project.",
			Vendor:      string(router.VendorVertex),
		}
	}
	if resp.StatusCode >= 400 {
		rerr := &router.Error{
			Code:      router.ErrUpstream,
			Message:   fmt.Sprintf("vertex returned %d", resp.StatusCode),
			Retryable: isTransientStatus(resp.StatusCode),
			Vendor:    string(router.VendorVertex),
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
			Vendor: string(router.VendorVertex),
		}
	}

	ar := googlegenai.ToAdapterResponse(&gcrResp, "vertex_genai")
	return ar, nil
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

// ADCCredentialProvider is a development-only CredentialProvider backed by
// a pre-fetched Application Default Credentials token. Production should
// supply a WIF-backed CredentialProvider instead.
type ADCCredentialProvider struct {
	StaticToken string
}

func (p ADCCredentialProvider) Token(ctx context.Context) (string, CredentialSource, error) {
	if strings.TrimSpace(p.StaticToken) == "" {
		return "", "", fmt.Errorf("no ADC token available; run `gcloud auth application-default login`")
	}
	return p.StaticToken, CredentialADC, nil
}
