package llm

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// Pricing defines input and output token costs for one model.
// Prices are in USD per 1,000 tokens.
type Pricing struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// PricingTable maps (provider, model) pairs to their token pricing.
//
// The table is loaded once at process start and is read-only afterwards,
// so it is safe for concurrent use without locking. Unknown pairs cost zero.
type PricingTable struct {
	providers map[string]map[string]Pricing
}

// DefaultPricingTable returns the built-in pricing for the supported
// providers (as of 2025-01-01). Prices are in USD per 1k tokens.
func DefaultPricingTable() *PricingTable {
	return &PricingTable{providers: map[string]map[string]Pricing{
		"openai": {
			"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.01},
			"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
			"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
		},
		"anthropic": {
			"claude-3.5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
			"claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
		},
		"google": {
			"gemini-1.5-pro":   {InputPer1K: 0.00125, OutputPer1K: 0.005},
			"gemini-1.5-flash": {InputPer1K: 0.000075, OutputPer1K: 0.0003},
		},
	}}
}

// ParsePricingTable decodes a pricing table from its JSON form:
//
//	{ "<provider>": { "<model>": { "input_per_1k": 0.0025, "output_per_1k": 0.01 } } }
func ParsePricingTable(data []byte) (*PricingTable, error) {
	providers := make(map[string]map[string]Pricing)
	if err := json.Unmarshal(data, &providers); err != nil {
		return nil, fmt.Errorf("failed to parse pricing table: %w", err)
	}
	return &PricingTable{providers: providers}, nil
}

// LoadPricingTable reads and parses a pricing table from a JSON file.
func LoadPricingTable(path string) (*PricingTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}
	return ParsePricingTable(data)
}

// Lookup returns the pricing for a (provider, model) pair.
// Unknown pairs return the zero Pricing, which makes their cost zero.
func (t *PricingTable) Lookup(provider, model string) Pricing {
	if t == nil {
		return Pricing{}
	}
	return t.providers[provider][model]
}

// Cost computes the USD cost of one call from token counts, rounded to
// six decimal places.
func (t *PricingTable) Cost(provider, model string, promptTokens, completionTokens int) float64 {
	p := t.Lookup(provider, model)
	inputCost := float64(promptTokens) / 1000 * p.InputPer1K
	outputCost := float64(completionTokens) / 1000 * p.OutputPer1K
	return RoundCost(inputCost + outputCost)
}

// RoundCost rounds a USD amount to six decimal places, the precision used
// for all persisted and reported costs.
func RoundCost(cost float64) float64 {
	return math.Round(cost*1e6) / 1e6
}
