package unifiedllm

// ModelInfo describes a known model in the catalog.
type ModelInfo struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"`
	DisplayName   string   `json:"display_name"`
	ContextWindow int      `json:"context_window"`
	MaxOutput     int      `json:"max_output"`
	SupportsTools bool     `json:"supports_tools"`
	Aliases       []string `json:"aliases,omitempty"`
}

// Models is the built-in model catalog. The first entry for each provider is
// that provider's default.
var Models = []ModelInfo{
	// Anthropic
	{
		ID: "claude-sonnet-4-5", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5",
		ContextWindow: 200000, MaxOutput: 16384, SupportsTools: true,
		Aliases: []string{"sonnet", "claude-sonnet"},
	},
	{
		ID: "claude-3-5-sonnet-20240620", Provider: "anthropic", DisplayName: "Claude 3.5 Sonnet",
		ContextWindow: 200000, MaxOutput: 8192, SupportsTools: true,
		Aliases: []string{"claude-3-5-sonnet"},
	},
	{
		ID: "claude-haiku-4-5", Provider: "anthropic", DisplayName: "Claude Haiku 4.5",
		ContextWindow: 200000, MaxOutput: 8192, SupportsTools: true,
		Aliases: []string{"haiku"},
	},

	// OpenAI
	{
		ID: "gpt-4o", Provider: "openai", DisplayName: "GPT-4o",
		ContextWindow: 128000, MaxOutput: 16384, SupportsTools: true,
	},
	{
		ID: "gpt-4o-mini", Provider: "openai", DisplayName: "GPT-4o Mini",
		ContextWindow: 128000, MaxOutput: 16384, SupportsTools: true,
	},

	// Gemini
	{
		ID: "gemini-2.5-pro", Provider: "gemini", DisplayName: "Gemini 2.5 Pro",
		ContextWindow: 1048576, MaxOutput: 65536, SupportsTools: true,
		Aliases: []string{"gemini-pro"},
	},
	{
		ID: "gemini-2.5-flash", Provider: "gemini", DisplayName: "Gemini 2.5 Flash",
		ContextWindow: 1048576, MaxOutput: 65536, SupportsTools: true,
		Aliases: []string{"gemini-flash"},
	},
}

// GetModelInfo returns the catalog entry for a model, or nil if unknown.
func GetModelInfo(modelID string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == modelID {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == modelID {
				return &Models[i]
			}
		}
	}
	return nil
}

// ResolveModelID expands an alias to its canonical ID. Unknown IDs are
// returned unchanged so new models work without a catalog update.
func ResolveModelID(modelID string) string {
	if info := GetModelInfo(modelID); info != nil {
		return info.ID
	}
	return modelID
}

// DefaultModel returns the default model ID for a provider, or "" if the
// provider has no catalog entries.
func DefaultModel(provider string) string {
	for _, m := range Models {
		if m.Provider == provider {
			return m.ID
		}
	}
	return ""
}

// ListModels returns all known models, optionally filtered by provider.
func ListModels(provider string) []ModelInfo {
	if provider == "" {
		result := make([]ModelInfo, len(Models))
		copy(result, Models)
		return result
	}
	var result []ModelInfo
	for _, m := range Models {
		if m.Provider == provider {
			result = append(result, m)
		}
	}
	return result
}
