// Package openai implements triage.Reasoner with an OpenAI-compatible chat
// completions API.
package openai

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/linnemanlabs/frontdesk/internal/triage"
)

const DefaultModel = "gpt-4o-mini"

// Reasoner asks a chat model for a JSON assessment.
type Reasoner struct {
	client *openai.Client
	model  string
}

// New returns a Reasoner. baseURL overrides the API endpoint when set.
func New(apiKey, baseURL, model string) *Reasoner {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Reasoner{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (r *Reasoner) Reason(ctx context.Context, req *triage.ReasonRequest) (*triage.Assessment, error) {
	prompt, err := triage.BuildPrompt(req)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: triage.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("create openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai chat completion returned no choices")
	}

	return triage.ParseAssessment([]byte(resp.Choices[0].Message.Content))
}
