package usage

import "github.com/relay-llm/relay/llm"

// Rate holds per-1k-token prices in USD.
type Rate struct {
	In  float64
	Out float64
}

// Pricing maps provider and model to rates. Unpriced models cost zero.
type Pricing map[llm.Provider]map[string]Rate

// DefaultPricing returns the built-in pricing table. Local models are free.
func DefaultPricing() Pricing {
	return Pricing{
		llm.ProviderClaude: {
			"claude-sonnet-4-20250514": {In: 0.003, Out: 0.015},
			"claude-haiku-4-5":         {In: 0.0008, Out: 0.004},
			"claude-3-opus":            {In: 0.015, Out: 0.075},
		},
		llm.ProviderOpenAI: {
			"gpt-4o":      {In: 0.0025, Out: 0.01},
			"gpt-4o-mini": {In: 0.00015, Out: 0.0006},
			"o3-mini":     {In: 0.0011, Out: 0.0044},
		},
		llm.ProviderGemini: {
			"gemini-2.0-flash": {In: 0.0001, Out: 0.0004},
			"gemini-1.5-pro":   {In: 0.00125, Out: 0.005},
		},
		llm.ProviderOllama: {},
	}
}

// EstimateCost computes the cost of a request given prompt and completion
// token counts: (prompt*in + completion*out) / 1000. Returns zero when no
// rate is configured for the provider/model pair.
func (p Pricing) EstimateCost(provider llm.Provider, model string, promptTokens, completionTokens int) float64 {
	models, ok := p[provider]
	if !ok {
		return 0
	}
	rate, ok := models[model]
	if !ok {
		return 0
	}
	return (float64(promptTokens)*rate.In + float64(completionTokens)*rate.Out) / 1000.0
}
