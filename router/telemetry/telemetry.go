// Package telemetry flattens one completed request into the flat-row +
// free-form-meta shape downstream audit sinks expect, and defines the Sink
// interface the router emits through.
package telemetry

import (
	"context"

	"go.uber.org/zap"
)

// Row is one completion's audit record: the flat, commonly-queried fields
// plus a free-form meta map for everything else. LatencyMS is always
// set, even on error, per the finally-style timing contract.
type Row struct {
	RunID      string
	TemplateID string
	TenantID   string
	Vendor     string
	Model      string

	LatencyMS int64
	Success   bool
	ErrorType string

	PromptTokens     int
	CompletionTokens int
	TotalTokens      int

	ALSPresent     bool
	ALSBlockSHA256 string
	ALSVariantID   int
	SeedKeyID      string
	ALSCountry     string
	ALSNFCLength   int

	GroundingModeRequested string
	Grounded               bool
	GroundedAttempted      bool
	GroundedEffective      bool
	ToolCallCount          int
	ToolResultCount        int
	WhyNotGrounded         string
	RequiredPassReason     string

	CitationsCount         int
	AnchoredCitationsCount int
	UnlinkedSourcesCount   int
	AnchoredCoveragePct    float64
	CitationsShapeSet      []string
	CitationsAudit         map[string]any

	ResponseAPI        string
	ProviderAPIVersion string
	Region             string

	ReasoningHintDropped    bool
	ReasoningHintDropReason string
	ThinkingHintDropped     bool
	ThinkingHintDropReason  string
	CircuitBreakerStatus    string
	RouterPacingDelayMS     int64

	Meta map[string]any
}

// Sink is an append-only row store. Implementations must not block the
// caller indefinitely — the router emits telemetry synchronously in the
// request path today, so a slow sink directly adds to request latency.
type Sink interface {
	Emit(ctx context.Context, row Row) error
}

// MemorySink is an in-process Sink used for local development, tests, and
// as a safety net when no external sink is configured. It is not meant for
// production retention.
type MemorySink struct {
	rows []Row
}

// NewMemorySink constructs an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Emit(ctx context.Context, row Row) error {
	m.rows = append(m.rows, row)
	return nil
}

// Rows returns all rows emitted so far, in emission order.
func (m *MemorySink) Rows() []Row {
	out := make([]Row, len(m.rows))
	copy(out, m.rows)
	return out
}

// ZapSink logs each row as a structured info-level event. This is the
// production default when no external audit store is configured — rows
// flow into whatever log aggregation already ingests the process's
// stdout, rather than requiring a new dependency to see them at all.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink wraps logger for telemetry row emission.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger.With(zap.String("component", "telemetry"))}
}

func (z *ZapSink) Emit(ctx context.Context, row Row) error {
	z.logger.Info("completion",
		zap.String("run_id", row.RunID),
		zap.String("tenant_id", row.TenantID),
		zap.String("vendor", row.Vendor),
		zap.String("model", row.Model),
		zap.Int64("latency_ms", row.LatencyMS),
		zap.Bool("success", row.Success),
		zap.String("error_type", row.ErrorType),
		zap.Int("prompt_tokens", row.PromptTokens),
		zap.Int("completion_tokens", row.CompletionTokens),
		zap.Bool("als_present", row.ALSPresent),
		zap.String("als_block_sha256", row.ALSBlockSHA256),
		zap.Int("als_variant_id", row.ALSVariantID),
		zap.String("grounding_mode_requested", row.GroundingModeRequested),
		zap.Bool("grounded", row.Grounded),
		zap.Bool("grounded_attempted", row.GroundedAttempted),
		zap.Bool("grounded_effective", row.GroundedEffective),
		zap.String("why_not_grounded", row.WhyNotGrounded),
		zap.Int("citations_count", row.CitationsCount),
		zap.Int("anchored_citations_count", row.AnchoredCitationsCount),
		zap.Int("unlinked_sources_count", row.UnlinkedSourcesCount),
		zap.Float64("anchored_coverage_pct", row.AnchoredCoveragePct),
		zap.String("response_api", row.ResponseAPI),
		zap.Bool("reasoning_hint_dropped", row.ReasoningHintDropped),
		zap.Bool("thinking_hint_dropped", row.ThinkingHintDropped),
		zap.String("circuit_breaker_status", row.CircuitBreakerStatus),
		zap.Int64("router_pacing_delay_ms", row.RouterPacingDelayMS),
	)
	return nil
}
