package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentflow-routing/llmrouter/router/breaker"
	"github.com/agentflow-routing/llmrouter/router/capability"
	"github.com/agentflow-routing/llmrouter/router/citations"
	"github.com/agentflow-routing/llmrouter/router/grounding"
	"github.com/agentflow-routing/llmrouter/router/telemetry"

	"github.com/agentflow-routing/llmrouter/router/als"
)

// ALSConfig holds the keyed material the router needs to render Ambient
// Location Signal blocks. The key never appears in telemetry, only its ID
// and the resulting block's SHA-256.
type ALSConfig struct {
	SeedKey   []byte
	SeedKeyID string
}

// Config is the Unified Router's static configuration, read once at boot.
type Config struct {
	ALS                   ALSConfig
	TimeoutUngrounded      time.Duration
	TimeoutGrounded        time.Duration
	RequiredRelaxForGoogle bool
}

// Router ties the capability registry, ALS builder, circuit breaker/pacer,
// provider adapters, grounding detector, citation extractor, and telemetry
// sink into the single Complete orchestration loop. It holds no per-request
// mutable state; everything it touches is either immutable after
// construction or guarded internally (the breaker registry).
type Router struct {
	cfg          Config
	capabilities *capability.Registry
	breakers     *breaker.Registry
	providers    map[Vendor]Provider
	sink         telemetry.Sink
	logger       *zap.Logger
}

// New constructs a Router. providers must contain one entry per Vendor this
// deployment serves; a vendor absent from the map is treated as
// unconfigured and rejected at normalize time.
func New(cfg Config, capabilities *capability.Registry, breakers *breaker.Registry, providers map[Vendor]Provider, sink telemetry.Sink, logger *zap.Logger) *Router {
	return &Router{
		cfg:          cfg,
		capabilities: capabilities,
		breakers:     breakers,
		providers:    providers,
		sink:         sink,
		logger:       logger,
	}
}

// Complete runs the full request lifecycle: normalize, ALS enrichment,
// capability gate, circuit/pacing check, adapter dispatch, citation
// extraction, grounding detection, REQUIRED enforcement, and telemetry emit.
// Strict provider isolation applies throughout — a failure on one vendor
// never triggers a call to another.
func (r *Router) Complete(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	row := telemetry.Row{
		RunID:      req.RunID,
		TemplateID: req.TemplateID,
		TenantID:   req.TenantID,
		Meta:       map[string]any{},
	}

	resp, err := r.complete(ctx, req, &row)

	row.LatencyMS = time.Since(start).Milliseconds()
	row.Success = err == nil
	if err != nil {
		row.ErrorType = string(CodeOf(err))
	}
	if r.sink != nil {
		if emitErr := r.sink.Emit(ctx, row); emitErr != nil {
			r.logger.Warn("telemetry emit failed", zap.Error(emitErr))
		}
	}

	if resp != nil {
		resp.LatencyMS = row.LatencyMS
	}
	return resp, err
}

func (r *Router) complete(ctx context.Context, req *Request, row *telemetry.Row) (*Response, error) {
	// 1. Normalize and validate.
	vendor, err := r.inferVendor(req)
	if err != nil {
		return nil, err
	}
	req.Vendor = vendor
	row.Vendor = string(vendor)
	row.Model = req.Model

	caps := r.capabilities.Lookup(string(vendor), req.Model)
	if !caps.Allowed {
		allowed := r.capabilities.AllowedModels(string(vendor))
		return nil, NewError(ErrModelNotAllowed, fmt.Sprintf("model %q is not in the %s allowlist", req.Model, vendor)).
			WithVendor(string(vendor)).
			WithRemediation(fmt.Sprintf("Allowed models for %s: %s", vendor, strings.Join(allowed, ", ")))
	}

	provider, ok := r.providers[vendor]
	if !ok {
		return nil, NewError(ErrModelNotAllowed, fmt.Sprintf("vendor %q has no configured adapter", vendor)).
			WithRemediation("Wire a provider adapter for this vendor at boot.")
	}

	row.GroundingModeRequested = string(req.GroundingMode)

	// 2. ALS enrichment.
	if err := r.applyALS(req, row); err != nil {
		return nil, err
	}

	// 3. Capability gate: drop unsupported meta hints before they reach the
	// adapter, recording why for telemetry.
	r.gateCapabilities(req, caps, row)

	// 4. Circuit breaker / pacer check — fails fast with no adapter call.
	admitted, reason, status := r.breakers.Admit(string(vendor), req.Model)
	row.CircuitBreakerStatus = status.State.String()
	row.RouterPacingDelayMS = status.PacingDelay.Milliseconds()
	if !admitted {
		switch reason {
		case "circuit_open":
			return nil, NewError(ErrCircuitOpen, fmt.Sprintf("circuit open for %s:%s", vendor, req.Model)).
				WithVendor(string(vendor)).
				WithRemediation("Wait for the cooldown to elapse, or check upstream provider status.")
		default:
			return nil, NewError(ErrRateLimitedWait, fmt.Sprintf("rate limited, retry after %s", status.PacingDelay)).
				WithVendor(string(vendor)).
				WithRemediation(fmt.Sprintf("Wait %s before retrying %s:%s.", status.PacingDelay, vendor, req.Model))
		}
	}

	timeout := r.cfg.TimeoutUngrounded
	if req.Grounded {
		timeout = r.cfg.TimeoutGrounded
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// 5. Adapter dispatch.
	ar, err := provider.Complete(callCtx, req)
	if err != nil {
		r.classifyFailure(vendor, req.Model, err)
		return nil, err
	}
	r.breakers.RecordSuccess(string(vendor), req.Model)

	for k, v := range ar.Dropped {
		switch k {
		case "reasoning_hint_dropped":
			if b, ok := v.(bool); ok {
				row.ReasoningHintDropped = b
			}
		case "reasoning_hint_drop_reason":
			if s, ok := v.(string); ok {
				row.ReasoningHintDropReason = s
			}
		default:
			row.Meta[k] = v
		}
	}
	row.ResponseAPI = ar.ResponseAPI

	// 6. Citation extraction runs before grounding detection so the latter
	// can use the resulting count for grounded_effective.
	cites, citeMeta := citations.Extract(callCtx, vendor, ar, len(ar.ToolCalls))

	// 7. Grounding detection.
	signals := grounding.Detect(vendor, req, ar, len(cites))
	row.GroundedAttempted = signals.GroundedAttempted
	row.GroundedEffective = signals.GroundedEffective
	row.ToolCallCount = signals.ToolCallCount
	row.ToolResultCount = signals.ToolResultCount
	row.WhyNotGrounded = signals.WhyNotGrounded
	row.Grounded = signals.GroundedEffective

	anchored := 0
	unlinked := 0
	for _, c := range cites {
		if c.Anchored {
			anchored++
		}
		if c.SourceType == SourceUnlinked {
			unlinked++
		}
	}
	row.CitationsCount = len(cites)
	row.AnchoredCitationsCount = anchored
	row.UnlinkedSourcesCount = unlinked
	if len(cites) > 0 {
		row.AnchoredCoveragePct = 100 * float64(anchored) / float64(len(cites))
	}
	if shapes, ok := citeMeta["citations_shape_set"].([]string); ok {
		row.CitationsShapeSet = shapes
	}
	if audit, ok := citeMeta["citations_audit"].(map[string]any); ok {
		row.CitationsAudit = audit
	}

	// 8. REQUIRED enforcement: post-hoc and vendor-aware, since neither
	// OpenAI's tool_choice nor Gemini's tool_config can force evidence to
	// exist, only that the tool was invoked.
	if req.GroundingMode == GroundingRequired {
		if err := r.enforceRequired(vendor, caps, signals, cites, row); err != nil {
			return nil, err
		}
	}

	response := NewResponse()
	response.Content = ar.Text
	response.Success = true
	response.Usage = ar.Usage
	response.Citations = cites
	for k, v := range row.Meta {
		response.Metadata[k] = v
	}
	response.Metadata["grounded"] = signals.GroundedEffective
	response.Metadata["grounded_attempted"] = signals.GroundedAttempted
	if req.ALSApplied() {
		response.Metadata["als_applied"] = true
	}

	return response, nil
}

// inferVendor uses req.Vendor when the caller supplied it, otherwise infers
// it from the model name prefix.
func (r *Router) inferVendor(req *Request) (Vendor, error) {
	if req.Vendor != "" {
		return req.Vendor, nil
	}
	model := req.Model
	switch {
	case strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "o4"):
		return VendorOpenAI, nil
	case strings.HasPrefix(model, "gemini-"):
		return VendorGeminiDirect, nil
	default:
		return "", NewError(ErrInvalidRequest, fmt.Sprintf("cannot infer vendor from model %q", model)).
			WithRemediation("Set Request.Vendor explicitly, or use a recognized model name prefix.")
	}
}

// applyALS performs ALS enrichment exactly once per request. For OpenAI it
// inserts the rendered block as a user-role message immediately after the
// last system message and before the first user message, preserving the
// system → ALS → user ordering invariant. The Google adapters' shared FFC
// payload tolerates exactly one user message (googlegenai.BuildRequest
// rejects a second), so for gemini_direct/vertex the block is instead
// folded in as an additional system-role message — BuildRequest joins all
// system-role messages into systemInstruction regardless of position.
func (r *Router) applyALS(req *Request, row *telemetry.Row) error {
	if req.ALSContext == nil || req.ALSApplied() {
		return nil
	}

	block, err := als.Build(req.ALSContext.CountryCode, r.cfg.ALS.SeedKey, r.cfg.ALS.SeedKeyID)
	if err != nil {
		return NewError(ErrALSBlockTooLong, err.Error()).
			WithVendor(string(req.Vendor)).
			WithRemediation("Shorten the ALS template for this country; blocks are never truncated at render time.")
	}
	if block == nil {
		// No templates configured for this country: skip enrichment, not
		// an error.
		return nil
	}

	alsRole := RoleUser
	if req.Vendor == VendorGeminiDirect || req.Vendor == VendorVertex {
		alsRole = RoleSystem
	}

	insertAt := len(req.Messages)
	for i, m := range req.Messages {
		if m.Role == RoleUser {
			insertAt = i
			break
		}
	}
	enriched := make([]Message, 0, len(req.Messages)+1)
	enriched = append(enriched, req.Messages[:insertAt]...)
	enriched = append(enriched, Message{Role: alsRole, Content: block.Text})
	enriched = append(enriched, req.Messages[insertAt:]...)
	req.Messages = enriched
	req.alsApplied = true

	row.ALSPresent = true
	row.ALSBlockSHA256 = block.SHA256
	row.ALSVariantID = block.VariantID
	row.SeedKeyID = block.SeedKeyID
	row.ALSCountry = block.Country
	row.ALSNFCLength = block.NFCLength

	return nil
}

// gateCapabilities strips request meta hints the target (vendor, model)
// pair does not support, before the adapter ever sees them, and records the
// drop for telemetry. OpenAI's own capability gate runs again inside its
// adapter (it owns reasoning.effort placement); this pass covers the
// Google thinking-budget hint, which googlegenai.BuildRequest reads
// directly from Meta.
func (r *Router) gateCapabilities(req *Request, caps capability.Capabilities, row *telemetry.Row) {
	if _, hasBudget := req.Meta["thinking_budget"]; hasBudget && !caps.SupportsThinkingBudget {
		delete(req.Meta, "thinking_budget")
		delete(req.Meta, "include_thoughts")
		row.ThinkingHintDropped = true
		row.ThinkingHintDropReason = "router_capability_gate"
	}
	if req.MetaString("reasoning_effort") != "" && !caps.SupportsReasoningEffort && req.Vendor != VendorOpenAI {
		delete(req.Meta, "reasoning_effort")
		row.ReasoningHintDropped = true
		row.ReasoningHintDropReason = "router_capability_gate"
	}
}

// classifyFailure records a transient failure against the breaker registry
// when the error is breaker-worthy, and leaves the breaker state untouched
// otherwise (validation/auth/policy errors should not count against a
// healthy provider).
func (r *Router) classifyFailure(vendor Vendor, model string, err error) {
	rerr, ok := err.(*Error)
	if !ok {
		return
	}
	if rerr.RetryAfter > 0 {
		r.breakers.RecordRateLimit(string(vendor), model, rerr.RetryAfter)
	}
	if rerr.Retryable || breaker.IsTransient(0, rerr.Message) {
		r.breakers.RecordTransientFailure(string(vendor), model)
	}
}

// enforceRequired applies REQUIRED grounding as a post-hoc check: the
// request must actually have been attempted as grounded, the provider must
// have invoked a grounding tool at all, and normally at least one anchored
// citation of a vendor-appropriate type must be present, or the request
// fails even though the adapter call itself succeeded.
func (r *Router) enforceRequired(vendor Vendor, caps capability.Capabilities, signals grounding.Signals, cites []Citation, row *telemetry.Row) error {
	if !signals.GroundedAttempted {
		row.RequiredPassReason = "none"
		return NewError(ErrGroundingRequired, "GroundingMode is REQUIRED but the request was never attempted as grounded").
			WithVendor(string(vendor)).
			WithRemediation("Set Request.Grounded=true whenever GroundingMode is REQUIRED.")
	}
	if signals.ToolCallCount == 0 {
		row.RequiredPassReason = "none"
		return NewError(ErrGroundingRequired, "GroundingMode is REQUIRED but the provider never invoked a grounding tool").
			WithVendor(string(vendor)).
			WithRemediation("The provider did not call its search/grounding tool; retry, or relax GroundingMode to AUTO.")
	}

	anchoredCount := 0
	for _, c := range cites {
		if c.Anchored && caps.AnchoredCitationTypes[string(c.SourceType)] {
			anchoredCount++
		}
	}

	if anchoredCount > 0 {
		row.RequiredPassReason = "anchored"
		return nil
	}

	isGoogle := vendor == VendorGeminiDirect || vendor == VendorVertex
	if isGoogle && r.cfg.RequiredRelaxForGoogle && len(cites) > 0 {
		// Google's grounding chunks are frequently unlinked-only; relaxed
		// mode accepts any evidence, unlinked included, as satisfying
		// REQUIRED when anchored evidence genuinely isn't available.
		row.RequiredPassReason = "unlinked_google"
		return nil
	}

	row.RequiredPassReason = "none"
	if signals.WhyNotGrounded == "web_search_empty_results" || signals.WhyNotGrounded == "provider_returned_empty_evidence" {
		return NewError(ErrGroundingEmptyResults, "grounding was attempted but the provider returned no evidence").
			WithVendor(string(vendor)).
			WithRemediation("Retry with a more specific prompt, or relax GroundingMode to AUTO.")
	}

	return NewError(ErrGroundingRequiredFail, "REQUIRED grounding was requested but no anchored citation was produced").
		WithVendor(string(vendor)).
		WithRemediation("Relax GroundingMode to AUTO, or retry — REQUIRED enforcement is post-hoc and cannot force evidence to exist.")
}
