// Package capability holds the static (vendor, model) capability table the
// router consults before building a provider payload. Nothing here is
// runtime-loaded; the table is compiled in, matching the closed vendor
// allowlist enforced by configuration.
package capability

// Capabilities describes what a given (vendor, model) pair supports. The
// router uses it to drop unsupported parameter blocks before they ever
// reach an adapter, rather than letting the provider reject them.
type Capabilities struct {
	Allowed                  bool
	SupportsReasoningEffort  bool
	SupportsReasoningSummary bool
	SupportsThinkingBudget   bool
	IncludeThoughtsAllowed   bool
	SupportsGrounding        bool

	// AnchoredCitationTypes is the set of source_type values that count as
	// anchored evidence for REQUIRED enforcement on this vendor.
	AnchoredCitationTypes map[string]bool
}

var openAIAnchored = map[string]bool{
	"annotation":    true,
	"url_citation":  true,
}

var googleAnchored = map[string]bool{
	"direct_uri": true,
	"v1_join":    true,
}

// reasoningModels are OpenAI models that accept a reasoning.effort hint.
var reasoningModels = map[string]bool{
	"o3":          true,
	"o3-mini":     true,
	"o4-mini":     true,
	"gpt-5":       true,
	"gpt-5-mini":  true,
	"gpt-5-chat-latest": true,
	"gpt-5.2":     true,
}

// thinkingModels are Gemini 2.5+ models with a configurable thinking budget.
var thinkingModels = map[string]bool{
	"gemini-2.5-pro":   true,
	"gemini-2.5-flash": true,
}

// Registry is a pure lookup over the static capability table. It is safe
// for concurrent use without synchronization: all state is immutable after
// construction.
type Registry struct {
	openAIAllowed map[string]bool
	vertexAllowed map[string]bool
	geminiAllowed map[string]bool
}

// NewRegistry builds a Registry from the per-vendor model allowlists read
// from configuration at boot.
func NewRegistry(openAIModels, vertexModels, geminiModels []string) *Registry {
	return &Registry{
		openAIAllowed: toSet(openAIModels),
		vertexAllowed: toSet(vertexModels),
		geminiAllowed: toSet(geminiModels),
	}
}

func toSet(models []string) map[string]bool {
	s := make(map[string]bool, len(models))
	for _, m := range models {
		s[m] = true
	}
	return s
}

// Lookup returns the Capabilities for (vendor, model). Allowed is false if
// the model is not present in the vendor's configured allowlist.
func (r *Registry) Lookup(vendor, model string) Capabilities {
	switch vendor {
	case "openai":
		return Capabilities{
			Allowed:                 r.openAIAllowed[model],
			SupportsReasoningEffort: reasoningModels[model],
			SupportsReasoningSummary: reasoningModels[model],
			SupportsGrounding:       true,
			AnchoredCitationTypes:   openAIAnchored,
		}
	case "vertex":
		return Capabilities{
			Allowed:                r.vertexAllowed[model],
			SupportsThinkingBudget: thinkingModels[model],
			IncludeThoughtsAllowed: thinkingModels[model],
			SupportsGrounding:      true,
			AnchoredCitationTypes:  googleAnchored,
		}
	case "gemini_direct":
		return Capabilities{
			Allowed:                r.geminiAllowed[model],
			SupportsThinkingBudget: thinkingModels[model],
			IncludeThoughtsAllowed: thinkingModels[model],
			SupportsGrounding:      true,
			AnchoredCitationTypes:  googleAnchored,
		}
	default:
		return Capabilities{}
	}
}

// AllowedModels returns the configured allowlist for vendor, for building
// remediation strings.
func (r *Registry) AllowedModels(vendor string) []string {
	var set map[string]bool
	switch vendor {
	case "openai":
		set = r.openAIAllowed
	case "vertex":
		set = r.vertexAllowed
	case "gemini_direct":
		set = r.geminiAllowed
	}
	models := make([]string, 0, len(set))
	for m := range set {
		models = append(models, m)
	}
	return models
}
