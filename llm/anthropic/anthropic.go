// Package anthropic provides the llm.Adapter implementation for Anthropic's API.
package anthropic

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentflow-dev/agentflow/llm"
)

const defaultModel = "claude-3.5-sonnet"

// Adapter implements llm.Adapter using the official anthropic-sdk-go client.
//
// The adapter is safe for concurrent use after creation.
type Adapter struct {
	client  anthropic.Client
	pricing *llm.PricingTable
}

// New creates an Anthropic adapter. The API key must be non-empty.
func New(apiKey string, pricing *llm.PricingTable) (*Adapter, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic API key is required")
	}
	return &Adapter{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		pricing: pricing,
	}, nil
}

// Factory is the llm.Factory for the "anthropic" provider tag.
func Factory(creds llm.Credentials, pricing *llm.PricingTable) (llm.Adapter, error) {
	return New(creds.AnthropicKey, pricing)
}

// Complete implements llm.Adapter.
func (a *Adapter) Complete(ctx context.Context, prompt, systemPrompt string, cfg llm.Config) (llm.Response, error) {
	if ctx.Err() != nil {
		return llm.Response{}, ctx.Err()
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(cfg.ResolvedMaxTokens()),
		Temperature: anthropic.Float(cfg.ResolvedTemperature()),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	start := time.Now()
	message, err := a.client.Messages.New(ctx, params)
	elapsed := time.Since(start)
	if err != nil {
		return llm.Response{}, err
	}

	var sb strings.Builder
	for _, block := range message.Content {
		sb.WriteString(block.Text)
	}

	promptTokens := int(message.Usage.InputTokens)
	completionTokens := int(message.Usage.OutputTokens)

	return llm.Response{
		Text: sb.String(),
		Tokens: llm.Usage{
			Prompt:     promptTokens,
			Completion: completionTokens,
		},
		Model:     model,
		LatencyMS: int(elapsed.Milliseconds()),
		Cost:      a.pricing.Cost("anthropic", model, promptTokens, completionTokens),
	}, nil
}
