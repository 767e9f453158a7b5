package ai

// DefaultModels maps each provider to the model used when the caller does not pin one
var DefaultModels = map[Provider]string{
	ProviderOpenAI: "gpt-4o",
	ProviderGemini: "gemini-2.0-flash",
	ProviderClaude: "claude-sonnet-4-20250514",
	ProviderGrok:   "grok-2-latest",
}

// ModelFor returns override when set, else the provider's default model.
func ModelFor(p Provider, override string) string {
	if override != "" {
		return override
	}
	if m, ok := DefaultModels[p]; ok {
		return m
	}
	return string(p)
}
