package llm

import "strings"

// DefaultCapabilities applies to models missing from the capability table.
var DefaultCapabilities = ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}

// modelLimits is matched top to bottom; the first entry whose prefix starts
// the lower-cased model name wins, so longer prefixes come first.
var modelLimits = []struct {
	prefix string
	caps   ModelCapabilities
}{
	// OpenAI
	{"gpt-4.1", ModelCapabilities{1_047_576, 32_768}},
	{"gpt-4o", ModelCapabilities{128_000, 16_384}},
	{"gpt-4-turbo", ModelCapabilities{128_000, 4_096}},
	{"gpt-4", ModelCapabilities{8_192, 4_096}},
	{"gpt-3.5-turbo", ModelCapabilities{16_385, 4_096}},
	{"o1", ModelCapabilities{200_000, 100_000}},
	{"o3", ModelCapabilities{200_000, 100_000}},
	{"o4", ModelCapabilities{200_000, 100_000}},

	// Anthropic
	{"claude-3-opus", ModelCapabilities{200_000, 4_096}},
	{"claude", ModelCapabilities{200_000, 8_192}},

	// Google
	{"gemini-1.5-pro", ModelCapabilities{2_097_152, 8_192}},
	{"gemini-1.5-flash", ModelCapabilities{1_048_576, 8_192}},
	{"gemini-2", ModelCapabilities{1_048_576, 8_192}},
	{"gemini", ModelCapabilities{128_000, 8_192}},

	// Open-weight models served by Groq, Ollama or llama.cpp
	{"llama-3.1", ModelCapabilities{131_072, 8_192}},
	{"llama3.1", ModelCapabilities{131_072, 8_192}},
	{"mistral-large", ModelCapabilities{131_072, 8_192}},
	{"deepseek", ModelCapabilities{64_000, 8_192}},
}

// CapabilitiesFor looks model up in the built-in capability table. Unknown
// models get [DefaultCapabilities].
func CapabilitiesFor(model string) ModelCapabilities {
	lower := strings.ToLower(model)
	for _, m := range modelLimits {
		if strings.HasPrefix(lower, m.prefix) {
			return m.caps
		}
	}
	return DefaultCapabilities
}
