package googlegenai

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow-routing/llmrouter/router"
)

func TestBuildRequest_SplitsSystemAndSingleUserMessage(t *testing.T) {
	req := &router.Request{
		Messages: []router.Message{
			{Role: router.RoleSystem, Content: "be terse"},
			{Role: router.RoleUser, Content: "what's the weather"},
		},
	}
	gcr, err := BuildRequest(req, nil)
	require.NoError(t, err)
	require.NotNil(t, gcr.SystemInstruction)
	assert.Equal(t, "be terse", gcr.SystemInstruction.Parts[0].Text)
	require.Len(t, gcr.Contents, 1)
	assert.Equal(t, "what's the weather", gcr.Contents[0].Parts[0].Text)
}

func TestBuildRequest_RejectsSecondUserMessage(t *testing.T) {
	req := &router.Request{
		Messages: []router.Message{
			{Role: router.RoleUser, Content: "first"},
			{Role: router.RoleUser, Content: "second"},
		},
	}
	_, err := BuildRequest(req, nil)
	assert.Error(t, err)
}

func TestBuildRequest_GroundedAddsGoogleSearchTool(t *testing.T) {
	req := &router.Request{Grounded: true, Messages: []router.Message{{Role: router.RoleUser, Content: "hi"}}}
	gcr, err := BuildRequest(req, nil)
	require.NoError(t, err)
	require.Len(t, gcr.Tools, 1)
	assert.NotNil(t, gcr.Tools[0].GoogleSearch)
}

func TestBuildRequest_JSONModeUsesANYModeWhenRequired(t *testing.T) {
	req := &router.Request{
		JSONMode:      true,
		GroundingMode: router.GroundingRequired,
		Messages:      []router.Message{{Role: router.RoleUser, Content: "hi"}},
	}
	gcr, err := BuildRequest(req, nil)
	require.NoError(t, err)
	require.NotNil(t, gcr.ToolConfig)
	assert.Equal(t, "ANY", gcr.ToolConfig.FunctionCallingConfig.Mode, "Gemini rejects the literal REQUIRED mode string")
}

func TestBuildRequest_JSONModeUsesAUTOModeWhenNotRequired(t *testing.T) {
	req := &router.Request{
		JSONMode: true,
		Messages: []router.Message{{Role: router.RoleUser, Content: "hi"}},
	}
	gcr, err := BuildRequest(req, nil)
	require.NoError(t, err)
	require.NotNil(t, gcr.ToolConfig)
	assert.Equal(t, "AUTO", gcr.ToolConfig.FunctionCallingConfig.Mode)
}

func TestBuildRequest_ThinkingBudgetWiredFromMeta(t *testing.T) {
	req := &router.Request{
		Messages: []router.Message{{Role: router.RoleUser, Content: "hi"}},
		Meta:     map[string]any{"thinking_budget": 2048, "include_thoughts": true},
	}
	gcr, err := BuildRequest(req, nil)
	require.NoError(t, err)
	require.NotNil(t, gcr.GenerationConfig)
	require.NotNil(t, gcr.GenerationConfig.ThinkingConfig)
	assert.Equal(t, 2048, gcr.GenerationConfig.ThinkingConfig.ThinkingBudget)
	assert.True(t, gcr.GenerationConfig.ThinkingConfig.IncludeThoughts)
}

func TestBuildRequest_NoThinkingConfigWhenBudgetAbsent(t *testing.T) {
	req := &router.Request{Messages: []router.Message{{Role: router.RoleUser, Content: "hi"}}}
	gcr, err := BuildRequest(req, nil)
	require.NoError(t, err)
	assert.Nil(t, gcr.GenerationConfig)
}

func TestToAdapterResponse_JoinsTextAndCollectsGroundingChunks(t *testing.T) {
	var gm GroundingMetadata
	require.NoError(t, json.Unmarshal([]byte(`{"groundingChunks":[{"web":{"uri":"https://example.com/a","title":"A"}}]}`), &gm))

	resp := &GenerateContentResponse{
		Candidates: []Candidate{
			{
				Content:           Content{Parts: []Part{{Text: "part one"}, {Text: "part two"}}},
				GroundingMetadata: &gm,
			},
		},
		UsageMetadata: &UsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 5, TotalTokenCount: 15},
	}
	ar := ToAdapterResponse(resp, "generate_content")
	assert.Equal(t, "part one\npart two", ar.Text)
	assert.Equal(t, 10, ar.Usage.PromptTokens)
	assert.Equal(t, "generate_content", ar.ResponseAPI)

	require.Len(t, ar.ToolCalls, 1, "the built-in GoogleSearch tool's real invocation must surface as a tool call even with no functionCall part")
	assert.Equal(t, "tool_call", ar.ToolCalls[0].Kind)
	assert.Equal(t, 1, ar.ToolCalls[0].ResultCount)
}

func TestToAdapterResponse_NoToolCallWhenNoGroundingMetadataPresent(t *testing.T) {
	resp := &GenerateContentResponse{
		Candidates: []Candidate{
			{Content: Content{Parts: []Part{{Text: "plain answer"}}}},
		},
	}
	ar := ToAdapterResponse(resp, "generate_content")
	assert.Empty(t, ar.ToolCalls)
}

func TestToAdapterResponse_FunctionCallBecomesToolCall(t *testing.T) {
	resp := &GenerateContentResponse{
		Candidates: []Candidate{
			{Content: Content{Parts: []Part{{FunctionCall: &FunctionCall{Name: SchemaFunctionName}}}}},
		},
	}
	ar := ToAdapterResponse(resp, "generate_content")
	require.Len(t, ar.ToolCalls, 1)
	assert.Equal(t, "function_call", ar.ToolCalls[0].Kind)
	assert.Equal(t, SchemaFunctionName, ar.ToolCalls[0].Name)
}
