// Package openai provides the llm.Adapter implementation for OpenAI's API.
package openai

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/agentflow-dev/agentflow/llm"
)

const defaultModel = "gpt-4o"

// Adapter implements llm.Adapter using the official openai-go SDK.
//
// The adapter is safe for concurrent use; the underlying SDK client
// handles thread-safety internally.
type Adapter struct {
	client  openai.Client
	pricing *llm.PricingTable
}

// New creates an OpenAI adapter. The API key must be non-empty.
func New(apiKey string, pricing *llm.PricingTable) (*Adapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai API key is required")
	}
	return &Adapter{
		client:  openai.NewClient(option.WithAPIKey(apiKey)),
		pricing: pricing,
	}, nil
}

// Factory is the llm.Factory for the "openai" provider tag.
func Factory(creds llm.Credentials, pricing *llm.PricingTable) (llm.Adapter, error) {
	return New(creds.OpenAIKey, pricing)
}

// Complete implements llm.Adapter.
//
// Sends a chat completion with an optional system message and returns the
// response text, provider-reported usage, measured latency, and cost from
// the pricing table. Any API failure is returned as-is; retries are the
// caller's responsibility.
func (a *Adapter) Complete(ctx context.Context, prompt, systemPrompt string, cfg llm.Config) (llm.Response, error) {
	if ctx.Err() != nil {
		return llm.Response{}, ctx.Err()
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	messages = append(messages, openai.UserMessage(prompt))

	start := time.Now()
	completion, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(model),
		Messages:    messages,
		Temperature: openai.Float(cfg.ResolvedTemperature()),
		MaxTokens:   openai.Int(int64(cfg.ResolvedMaxTokens())),
	})
	elapsed := time.Since(start)
	if err != nil {
		return llm.Response{}, err
	}

	if len(completion.Choices) == 0 {
		return llm.Response{}, errors.New("no response from OpenAI API")
	}

	promptTokens := int(completion.Usage.PromptTokens)
	completionTokens := int(completion.Usage.CompletionTokens)

	return llm.Response{
		Text: completion.Choices[0].Message.Content,
		Tokens: llm.Usage{
			Prompt:     promptTokens,
			Completion: completionTokens,
		},
		Model:     model,
		LatencyMS: int(elapsed.Milliseconds()),
		Cost:      a.pricing.Cost("openai", model, promptTokens, completionTokens),
	}, nil
}
