// Package googlegenai factors the shape conversion shared by the Gemini
// Direct and Vertex adapters: message conversion, the Forced Function
// Calling payload, and generateContent response parsing. The two adapters
// differ only in client construction (API key vs ADC/WIF) and model
// allowlist, so everything else lives here.
package googlegenai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentflow-routing/llmrouter/router"
	"github.com/agentflow-routing/llmrouter/router/citations"
)

// SchemaFunctionName is the name of the forced function used to emit
// structured JSON output under the FFC strategy.
const SchemaFunctionName = "emit_response"

// Content mirrors the generateContent request content shape.
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text         string        `json:"text,omitempty"`
	FunctionCall *FunctionCall `json:"functionCall,omitempty"`
}

type FunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type Tool struct {
	GoogleSearch        *struct{}            `json:"googleSearch,omitempty"`
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type FunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ToolConfig struct {
	FunctionCallingConfig FunctionCallingConfig `json:"functionCallingConfig"`
}

type FunctionCallingConfig struct {
	Mode                string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

// GenerateContentRequest is the wire request to either Gemini Direct or
// Vertex — the two differ only in endpoint and auth, not payload shape.
type GenerateContentRequest struct {
	Contents         []Content   `json:"contents"`
	SystemInstruction *Content    `json:"systemInstruction,omitempty"`
	Tools            []Tool      `json:"tools,omitempty"`
	ToolConfig       *ToolConfig `json:"toolConfig,omitempty"`
	GenerationConfig *GenerationConfig `json:"generationConfig,omitempty"`
}

type GenerationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

type ThinkingConfig struct {
	ThinkingBudget int  `json:"thinkingBudget"`
	IncludeThoughts bool `json:"includeThoughts"`
}

// GenerateContentResponse is the typed response shape.
type GenerateContentResponse struct {
	Candidates []Candidate `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

type Candidate struct {
	Index            int               `json:"index"`
	Content          Content           `json:"content"`
	FinishReason     string            `json:"finishReason,omitempty"`
	GroundingMetadata *GroundingMetadata `json:"groundingMetadata,omitempty"`
	CitationMetadata  *CitationMetadata  `json:"citationMetadata,omitempty"`
}

type GroundingMetadata struct {
	GroundingChunks []struct {
		Web struct {
			URI   string `json:"uri"`
			Title string `json:"title"`
		} `json:"web"`
	} `json:"groundingChunks"`
}

type CitationMetadata struct {
	Citations []struct {
		SourceID string `json:"sourceId"`
		StartIndex int  `json:"startIndex"`
		EndIndex   int  `json:"endIndex"`
	} `json:"citations"`
	CitedSources []struct {
		SourceID string `json:"sourceId"`
		URI      string `json:"uri"`
		Title    string `json:"title"`
		Domain   string `json:"domain"`
	} `json:"citedSources"`
}

type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// BuildRequest assembles the FFC payload: exactly two messages (system
// instruction, user content), GoogleSearch plus the schema function when
// grounded+JSON, and the AUTO/ANY tool_config mode required by Gemini
// (which rejects the literal string "REQUIRED").
func BuildRequest(req *router.Request, schema json.RawMessage) (*GenerateContentRequest, error) {
	var systemParts []string
	var userContent string
	for _, m := range req.Messages {
		switch m.Role {
		case router.RoleSystem:
			systemParts = append(systemParts, m.Content)
		case router.RoleUser:
			if userContent != "" {
				return nil, fmt.Errorf("exactly one user message is supported by the single-call FFC adapter, found a second")
			}
			userContent = m.Content
		}
	}

	gcr := &GenerateContentRequest{
		Contents: []Content{{Role: "user", Parts: []Part{{Text: userContent}}}},
	}
	if len(systemParts) > 0 {
		gcr.SystemInstruction = &Content{Role: "system", Parts: []Part{{Text: strings.Join(systemParts, "\n")}}}
	}

	var tools []Tool
	if req.Grounded {
		tools = append(tools, Tool{GoogleSearch: &struct{}{}})
	}
	if req.JSONMode {
		tools = append(tools, Tool{FunctionDeclarations: []FunctionDeclaration{{
			Name:        SchemaFunctionName,
			Description: "Emit the final answer as a single valid JSON object matching the caller's schema.",
			Parameters:  schema,
		}}})
		mode := "AUTO"
		if req.GroundingMode == router.GroundingRequired {
			mode = "ANY"
		}
		gcr.ToolConfig = &ToolConfig{FunctionCallingConfig: FunctionCallingConfig{
			Mode:                 mode,
			AllowedFunctionNames: []string{SchemaFunctionName},
		}}
	}
	if len(tools) > 0 {
		gcr.Tools = tools
	}

	if budget, ok := req.Meta["thinking_budget"].(int); ok {
		gcr.GenerationConfig = &GenerationConfig{
			ThinkingConfig: &ThinkingConfig{
				ThinkingBudget:  budget,
				IncludeThoughts: req.MetaBool("include_thoughts"),
			},
		}
	}

	return gcr, nil
}

// ToAdapterResponse converts a parsed generateContent response into the
// router's neutral shape plus a citations.GoogleView for the extractor.
func ToAdapterResponse(resp *GenerateContentResponse, responseAPI string) *router.AdapterResponse {
	var text strings.Builder
	var toolCalls []router.ToolCallView
	var candidateViews []citations.GoogleCandidateView

	for _, cand := range resp.Candidates {
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				if text.Len() > 0 {
					text.WriteString("\n")
				}
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				toolCalls = append(toolCalls, router.ToolCallView{
					Name:   part.FunctionCall.Name,
					Kind:   "function_call",
					Status: "completed",
				})
			}
		}

		view := citations.GoogleCandidateView{Index: cand.Index}
		if cand.GroundingMetadata != nil {
			view.HasTypedMeta = true
			for _, chunk := range cand.GroundingMetadata.GroundingChunks {
				view.TypedChunks = append(view.TypedChunks, citations.GroundingChunk{
					URI: chunk.Web.URI, Title: chunk.Web.Title,
				})
			}
			// The built-in GoogleSearch tool's invocation never shows up as
			// a functionCall part — only as groundingMetadata on the
			// candidate — so without this the grounding detector sees zero
			// tool calls for every real (non-FFC) grounded response.
			toolCalls = append(toolCalls, router.ToolCallView{
				Kind:        "tool_call",
				Status:      "completed",
				ResultCount: len(cand.GroundingMetadata.GroundingChunks),
			})
		}
		candidateViews = append(candidateViews, view)
	}

	gv := citations.GoogleView{Candidates: candidateViews}
	if len(resp.Candidates) > 0 && resp.Candidates[0].CitationMetadata != nil {
		cm := resp.Candidates[0].CitationMetadata
		for _, c := range cm.Citations {
			gv.V1Citations = append(gv.V1Citations, citations.V1Citation{
				SourceID: c.SourceID, Start: c.StartIndex, End: c.EndIndex,
			})
		}
		for _, s := range cm.CitedSources {
			gv.V1CitedSources = append(gv.V1CitedSources, citations.V1CitedSource{
				SourceID: s.SourceID, URI: s.URI, Title: s.Title, Domain: s.Domain,
			})
		}
	}

	ar := &router.AdapterResponse{
		Text:        text.String(),
		ResponseAPI: responseAPI,
		ToolCalls:   toolCalls,
		Raw:         gv,
	}
	if resp.UsageMetadata != nil {
		ar.Usage = router.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return ar
}
