// Package google provides the llm.Adapter implementation for Google's Gemini API.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/agentflow-dev/agentflow/llm"
)

const defaultModel = "gemini-1.5-flash"

// Adapter implements llm.Adapter using the official generative-ai-go SDK.
//
// A fresh genai client is created per call and closed when the call
// returns; the SDK's clients are cheap to construct and this keeps the
// adapter free of connection lifecycle state.
type Adapter struct {
	apiKey  string
	pricing *llm.PricingTable
}

// New creates a Gemini adapter. The API key must be non-empty.
func New(apiKey string, pricing *llm.PricingTable) (*Adapter, error) {
	if apiKey == "" {
		return nil, errors.New("google API key is required")
	}
	return &Adapter{apiKey: apiKey, pricing: pricing}, nil
}

// Factory is the llm.Factory for the "google" provider tag.
func Factory(creds llm.Credentials, pricing *llm.PricingTable) (llm.Adapter, error) {
	return New(creds.GoogleKey, pricing)
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

	client, err := genai.NewClient(ctx, option.WithAPIKey(a.apiKey))
	if err != nil {
		return llm.Response{}, fmt.Errorf("failed to create Google client: %w", err)
	}
	defer func() { _ = client.Close() }()

	gm := client.GenerativeModel(model)
	gm.SetTemperature(float32(cfg.ResolvedTemperature()))
	gm.SetMaxOutputTokens(int32(cfg.ResolvedMaxTokens()))
	if systemPrompt != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemPrompt)}}
	}

	start := time.Now()
	resp, err := gm.GenerateContent(ctx, genai.Text(prompt))
	elapsed := time.Since(start)
	if err != nil {
		return llm.Response{}, fmt.Errorf("google API error: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return llm.Response{}, errors.New("no response from Google API")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}

	var promptTokens, completionTokens int
	if resp.UsageMetadata != nil {
		promptTokens = int(resp.UsageMetadata.PromptTokenCount)
		completionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return llm.Response{
		Text: sb.String(),
		Tokens: llm.Usage{
			Prompt:     promptTokens,
			Completion: completionTokens,
		},
		Model:     model,
		LatencyMS: int(elapsed.Milliseconds()),
		Cost:      a.pricing.Cost("google", model, promptTokens, completionTokens),
	}, nil
}
