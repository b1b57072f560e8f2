package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentflow-routing/llmrouter/router/breaker"
	"github.com/agentflow-routing/llmrouter/router/capability"
	"github.com/agentflow-routing/llmrouter/router/citations"
	"github.com/agentflow-routing/llmrouter/router/telemetry"
)

// fakeProvider is a scriptable Provider double: each call pops the next
// scripted response/error off its queue, recording every request it saw.
type fakeProvider struct {
	vendor    Vendor
	responses []*AdapterResponse
	errs      []error
	calls     int
	seen      []*Request
}

func (f *fakeProvider) Vendor() Vendor { return f.vendor }

func (f *fakeProvider) Complete(ctx context.Context, req *Request) (*AdapterResponse, error) {
	f.seen = append(f.seen, req)
	i := f.calls
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if err != nil {
		return nil, err
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return &AdapterResponse{Text: "ok"}, nil
}

func testRouter(t *testing.T, provider *fakeProvider, openaiModels, vertexModels, geminiModels []string) (*Router, *telemetry.MemorySink) {
	t.Helper()
	caps := capability.NewRegistry(openaiModels, vertexModels, geminiModels)
	breakers := breaker.NewRegistry(breaker.Config{Threshold: 3, CooldownMin: 30 * time.Millisecond, CooldownMax: 40 * time.Millisecond}, zap.NewNop())
	sink := telemetry.NewMemorySink()

	providers := map[Vendor]Provider{provider.vendor: provider}

	rt := New(Config{
		ALS:                    ALSConfig{SeedKey: []byte("test-seed"), SeedKeyID: "k1"},
		TimeoutUngrounded:      time.Second,
		TimeoutGrounded:        time.Second,
		RequiredRelaxForGoogle: true,
	}, caps, breakers, providers, sink, zap.NewNop())

	return rt, sink
}

func TestComplete_ALSDeterministicAcrossCalls(t *testing.T) {
	provider := &fakeProvider{vendor: VendorOpenAI}
	rt, sink := testRouter(t, provider, []string{"gpt-5"}, nil, nil)

	req1 := &Request{Model: "gpt-5", Messages: []Message{{Role: RoleUser, Content: "hi"}}, ALSContext: &ALSContext{CountryCode: "US"}}
	req2 := &Request{Model: "gpt-5", Messages: []Message{{Role: RoleUser, Content: "hi"}}, ALSContext: &ALSContext{CountryCode: "US"}}

	_, err1 := rt.Complete(context.Background(), req1)
	_, err2 := rt.Complete(context.Background(), req2)
	require.NoError(t, err1)
	require.NoError(t, err2)

	rows := sink.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, rows[0].ALSBlockSHA256, rows[1].ALSBlockSHA256)
	assert.True(t, rows[0].ALSPresent)
}

func TestComplete_ALSInsertedBetweenSystemAndUser(t *testing.T) {
	provider := &fakeProvider{vendor: VendorOpenAI}
	rt, _ := testRouter(t, provider, []string{"gpt-5"}, nil, nil)

	req := &Request{
		Model: "gpt-5",
		Messages: []Message{
			{Role: RoleSystem, Content: "sys"},
			{Role: RoleUser, Content: "hello"},
		},
		ALSContext: &ALSContext{CountryCode: "US"},
	}
	_, err := rt.Complete(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, provider.seen, 1)
	msgs := provider.seen[0].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, RoleUser, msgs[1].Role, "ALS block is inserted as a user message before the original user turn")
	assert.Equal(t, RoleUser, msgs[2].Role)
	assert.Equal(t, "hello", msgs[2].Content)
}

func TestComplete_ALSFoldedIntoSystemInstructionForGoogleVendor(t *testing.T) {
	// BuildRequest (googlegenai) tolerates exactly one RoleUser message, so
	// ALS enrichment for a Google vendor must land as an additional
	// system-role message rather than a second user turn.
	provider := &fakeProvider{vendor: VendorVertex}
	rt, _ := testRouter(t, provider, nil, []string{"gemini-2.5-pro"}, nil)

	req := &Request{
		Model: "gemini-2.5-pro",
		Messages: []Message{
			{Role: RoleSystem, Content: "sys"},
			{Role: RoleUser, Content: "hello"},
		},
		ALSContext: &ALSContext{CountryCode: "US"},
	}
	_, err := rt.Complete(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, provider.seen, 1)
	msgs := provider.seen[0].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, RoleSystem, msgs[1].Role, "ALS block must fold into system content for Google vendors, never a second user message")
	assert.Equal(t, RoleUser, msgs[2].Role)
	assert.Equal(t, "hello", msgs[2].Content)

	userCount := 0
	for _, m := range msgs {
		if m.Role == RoleUser {
			userCount++
		}
	}
	assert.Equal(t, 1, userCount, "exactly one user message must reach the Google FFC adapter")
}

func TestComplete_ALSUnconfiguredCountrySkipsEnrichment(t *testing.T) {
	// The fail-closed too-long path itself is covered at the als package
	// level (als.TestBuild_TooLongTemplateFailsClosedNotTruncated); here we
	// confirm the router surfaces an unconfigured country as a clean skip
	// rather than an error, since Build returns (nil, nil) for it.
	provider := &fakeProvider{vendor: VendorOpenAI}
	caps := capability.NewRegistry([]string{"gpt-5"}, nil, nil)
	breakers := breaker.NewRegistry(breaker.Config{Threshold: 3, CooldownMin: time.Second, CooldownMax: time.Second}, zap.NewNop())
	sink := telemetry.NewMemorySink()

	rt := New(Config{
		ALS:               ALSConfig{SeedKey: []byte("seed"), SeedKeyID: "k1"},
		TimeoutUngrounded: time.Second,
		TimeoutGrounded:   time.Second,
	}, caps, breakers, map[Vendor]Provider{VendorOpenAI: provider}, sink, zap.NewNop())

	req := &Request{Model: "gpt-5", Messages: []Message{{Role: RoleUser, Content: "hi"}}, ALSContext: &ALSContext{CountryCode: "ZZ"}}
	_, err := rt.Complete(context.Background(), req)
	assert.NoError(t, err, "an unconfigured country skips enrichment rather than failing")
}

func TestComplete_ModelNotAllowedRejectedWithRemediation(t *testing.T) {
	provider := &fakeProvider{vendor: VendorOpenAI}
	rt, sink := testRouter(t, provider, []string{"gpt-5"}, nil, nil)

	req := &Request{Model: "gpt-4o", Messages: []Message{{Role: RoleUser, Content: "hi"}}}
	_, err := rt.Complete(context.Background(), req)
	require.Error(t, err)

	rerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrModelNotAllowed, rerr.Code)
	assert.NotEmpty(t, rerr.Remediation)
	assert.Contains(t, rerr.Remediation, "gpt-5")

	rows := sink.Rows()
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Success)
}

func TestComplete_RequiredFailsWhenToolCallsYieldNoCitations(t *testing.T) {
	provider := &fakeProvider{
		vendor: VendorOpenAI,
		responses: []*AdapterResponse{
			{Text: "answer", ToolCalls: []ToolCallView{{Kind: "web_search_call", Status: "completed", ResultCount: 1}}},
		},
	}
	rt, sink := testRouter(t, provider, []string{"gpt-5"}, nil, nil)

	req := &Request{
		Model:         "gpt-5",
		Messages:      []Message{{Role: RoleUser, Content: "hi"}},
		Grounded:      true,
		GroundingMode: GroundingRequired,
	}
	_, err := rt.Complete(context.Background(), req)
	require.Error(t, err)
	rerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrGroundingRequiredFail, rerr.Code)

	rows := sink.Rows()
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Success)
	assert.Equal(t, "none", rows[0].RequiredPassReason)
}

func TestComplete_RequiredFailsWhenNotAttemptedAsGrounded(t *testing.T) {
	provider := &fakeProvider{
		vendor:    VendorOpenAI,
		responses: []*AdapterResponse{{Text: "answer"}},
	}
	rt, sink := testRouter(t, provider, []string{"gpt-5"}, nil, nil)

	req := &Request{
		Model:         "gpt-5",
		Messages:      []Message{{Role: RoleUser, Content: "hi"}},
		Grounded:      false,
		GroundingMode: GroundingRequired,
	}
	_, err := rt.Complete(context.Background(), req)
	require.Error(t, err)
	rerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrGroundingRequired, rerr.Code, "grounded=false with mode REQUIRED must fail GROUNDING_REQUIRED_ERROR, not the post-hoc FAILED code")

	rows := sink.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "none", rows[0].RequiredPassReason)
}

func TestComplete_RequiredFailsWhenNoToolCallOccurred(t *testing.T) {
	provider := &fakeProvider{
		vendor:    VendorOpenAI,
		responses: []*AdapterResponse{{Text: "answer"}},
	}
	rt, sink := testRouter(t, provider, []string{"gpt-5"}, nil, nil)

	req := &Request{
		Model:         "gpt-5",
		Messages:      []Message{{Role: RoleUser, Content: "hi"}},
		Grounded:      true,
		GroundingMode: GroundingRequired,
	}
	_, err := rt.Complete(context.Background(), req)
	require.Error(t, err)
	rerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrGroundingRequired, rerr.Code, "tool_call_count==0 must fail GROUNDING_REQUIRED_ERROR ahead of the anchored-citation check")

	rows := sink.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "none", rows[0].RequiredPassReason)
}

func TestComplete_RequiredPassesWithAnchoredCitation(t *testing.T) {
	provider := &fakeProvider{
		vendor: VendorOpenAI,
		responses: []*AdapterResponse{
			{
				Text:      "answer [1]",
				ToolCalls: []ToolCallView{{Kind: "web_search_call", Status: "completed", ResultCount: 1}},
				Raw: citations.OpenAIView{
					Typed: []citations.OpenAIAnnotation{
						{Type: "url_citation", URL: "https://example.com/a", Title: "A", StartIndex: 8, EndIndex: 11},
					},
				},
			},
		},
	}
	rt, sink := testRouter(t, provider, []string{"gpt-5"}, nil, nil)

	req := &Request{
		Model:         "gpt-5",
		Messages:      []Message{{Role: RoleUser, Content: "hi"}},
		Grounded:      true,
		GroundingMode: GroundingRequired,
	}
	_, err := rt.Complete(context.Background(), req)
	require.NoError(t, err)

	rows := sink.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "anchored", rows[0].RequiredPassReason)
}

func TestComplete_RecordsRateLimitPacingFrom429RetryAfter(t *testing.T) {
	rateLimited := NewError(ErrUpstream, "rate limited").WithRetryable(true).WithRetryAfter(50 * time.Millisecond)
	provider := &fakeProvider{vendor: VendorOpenAI, errs: []error{rateLimited}}
	rt, _ := testRouter(t, provider, []string{"gpt-5"}, nil, nil)

	req := &Request{Model: "gpt-5", Messages: []Message{{Role: RoleUser, Content: "hi"}}}
	_, err := rt.Complete(context.Background(), req)
	require.Error(t, err)

	status := rt.breakers.StatusOf(string(VendorOpenAI), "gpt-5")
	assert.Greater(t, status.PacingDelay, time.Duration(0), "a 429 carrying Retry-After must set the pacer's next_allowed_at")
}

func TestComplete_CircuitOpensAfterThresholdFailures(t *testing.T) {
	upstream := NewError(ErrUpstream, "boom").WithRetryable(true)
	provider := &fakeProvider{
		vendor: VendorOpenAI,
		errs:   []error{upstream, upstream, upstream},
	}
	rt, _ := testRouter(t, provider, []string{"gpt-5"}, nil, nil)

	req := func() *Request {
		return &Request{Model: "gpt-5", Messages: []Message{{Role: RoleUser, Content: "hi"}}}
	}

	for i := 0; i < 3; i++ {
		_, err := rt.Complete(context.Background(), req())
		require.Error(t, err)
	}

	_, err := rt.Complete(context.Background(), req())
	require.Error(t, err)
	rerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrCircuitOpen, rerr.Code, "the 4th call should fail fast from the open circuit without reaching the adapter")
	assert.Equal(t, 3, provider.calls, "the adapter must not be invoked while the circuit is open")
}

func TestComplete_CircuitHalfOpenRecoversOnSuccess(t *testing.T) {
	upstream := NewError(ErrUpstream, "boom").WithRetryable(true)
	provider := &fakeProvider{
		vendor: VendorOpenAI,
		errs:   []error{upstream, upstream, upstream},
	}
	caps := capability.NewRegistry([]string{"gpt-5"}, nil, nil)
	breakers := breaker.NewRegistry(breaker.Config{Threshold: 3, CooldownMin: 20 * time.Millisecond, CooldownMax: 25 * time.Millisecond}, zap.NewNop())
	sink := telemetry.NewMemorySink()
	rt := New(Config{ALS: ALSConfig{SeedKey: []byte("s"), SeedKeyID: "k"}, TimeoutUngrounded: time.Second, TimeoutGrounded: time.Second}, caps, breakers, map[Vendor]Provider{VendorOpenAI: provider}, sink, zap.NewNop())

	req := func() *Request {
		return &Request{Model: "gpt-5", Messages: []Message{{Role: RoleUser, Content: "hi"}}}
	}

	for i := 0; i < 3; i++ {
		_, err := rt.Complete(context.Background(), req())
		require.Error(t, err)
	}

	time.Sleep(30 * time.Millisecond)
	_, err := rt.Complete(context.Background(), req())
	require.NoError(t, err, "the probe call should succeed once the cooldown elapses and the provider recovers")

	_, err2 := rt.Complete(context.Background(), req())
	require.NoError(t, err2, "the breaker should be fully closed again after a successful probe")
}

func TestComplete_CapabilityGateDropsThinkingBudgetForUnsupportedModel(t *testing.T) {
	provider := &fakeProvider{vendor: VendorVertex}
	rt, sink := testRouter(t, provider, nil, []string{"gemini-1.5-pro"}, nil)

	req := &Request{
		Model:    "gemini-1.5-pro",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Meta:     map[string]any{"thinking_budget": 1024, "include_thoughts": true},
	}
	_, err := rt.Complete(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, provider.seen, 1)
	_, hasBudget := provider.seen[0].Meta["thinking_budget"]
	assert.False(t, hasBudget, "an unsupported model must never see the thinking-budget hint")

	rows := sink.Rows()
	require.Len(t, rows, 1)
	assert.True(t, rows[0].ThinkingHintDropped)
	assert.Equal(t, "router_capability_gate", rows[0].ThinkingHintDropReason)
}

func TestComplete_CapabilityGatePassesThinkingBudgetForSupportedModel(t *testing.T) {
	provider := &fakeProvider{vendor: VendorVertex}
	rt, sink := testRouter(t, provider, nil, []string{"gemini-2.5-pro"}, nil)

	req := &Request{
		Model:    "gemini-2.5-pro",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Meta:     map[string]any{"thinking_budget": 1024},
	}
	_, err := rt.Complete(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, provider.seen, 1)
	assert.Equal(t, 1024, provider.seen[0].Meta["thinking_budget"])

	rows := sink.Rows()
	require.Len(t, rows, 1)
	assert.False(t, rows[0].ThinkingHintDropped)
}

func TestComplete_NoCrossVendorFailover(t *testing.T) {
	upstream := NewError(ErrUpstream, "boom").WithRetryable(true)
	openaiProvider := &fakeProvider{vendor: VendorOpenAI, errs: []error{upstream}}
	rt, _ := testRouter(t, openaiProvider, []string{"gpt-5"}, nil, nil)

	req := &Request{Model: "gpt-5", Messages: []Message{{Role: RoleUser, Content: "hi"}}}
	_, err := rt.Complete(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, 1, openaiProvider.calls, "a failure must never trigger a call to a different vendor's adapter")
}
