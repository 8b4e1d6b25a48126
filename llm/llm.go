// Package llm provides LLM provider adapters behind a uniform completion interface.
package llm

import "context"

// Config carries the per-call generation settings resolved from a node's
// configuration. Zero values select provider defaults (see each adapter).
type Config struct {
	// Model is the provider-specific model identifier (e.g. "gpt-4o").
	Model string

	// Temperature controls sampling randomness. Nil means provider default (0.7).
	Temperature *float64

	// MaxTokens bounds the completion length. Zero means the default of 1000.
	MaxTokens int
}

// ResolvedTemperature returns the temperature to send, defaulting to 0.7.
func (c Config) ResolvedTemperature() float64 {
	if c.Temperature != nil {
		return *c.Temperature
	}
	return 0.7
}

// ResolvedMaxTokens returns the completion bound to send, defaulting to 1000.
func (c Config) ResolvedMaxTokens() int {
	if c.MaxTokens > 0 {
		return c.MaxTokens
	}
	return 1000
}

// Usage holds token counts reported by a provider for one completion.
type Usage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
}

// Response is the uniform result of one LLM completion across providers.
type Response struct {
	// Text is the generated completion text.
	Text string

	// Tokens is the provider-reported token usage.
	Tokens Usage

	// Model is the model that actually served the request.
	Model string

	// LatencyMS is the wall-clock duration of the provider call.
	LatencyMS int

	// Cost is the USD cost computed from the pricing table.
	Cost float64
}

// Adapter is the uniform completion interface implemented per provider.
//
// Implementations must:
//   - Respect context cancellation and deadlines.
//   - Compute Response.Cost from the pricing table they were constructed with.
//   - Return an error for any failed attempt; retry policy is the caller's job.
//
// Adapters are safe for concurrent use.
type Adapter interface {
	Complete(ctx context.Context, prompt, systemPrompt string, cfg Config) (Response, error)
}
