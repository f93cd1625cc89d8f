package claude

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/frontdesk/internal/triage"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "claude-sonnet-4-5"

	// recordTool is the forced tool whose input carries the assessment.
	recordTool = "record_triage"

	defaultMaxTokens = 1024
)

// Client implements triage.Reasoner using the Anthropic Messages API.
type Client struct {
	sdk       anthropic.Client
	model     string
	maxTokens int64
}

// New creates a Claude reasoner. Extra request options (base URL, retries)
// are passed through to the SDK.
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	if model == "" {
		model = DefaultModel
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Client{
		sdk:       anthropic.NewClient(opts...),
		model:     model,
		maxTokens: defaultMaxTokens,
	}
}

// Reason sends one triage request and parses the model's assessment.
func (c *Client) Reason(ctx context.Context, req *triage.ReasonRequest) (*triage.Assessment, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("claude api: %w", err)
	}
	return assessmentFrom(msg)
}

func (c *Client) buildParams(req *triage.ReasonRequest) (anthropic.MessageNewParams, error) {
	prompt, err := triage.BuildPrompt(req)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	return anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: triage.SystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Tools: []anthropic.ToolUnionParam{recordToolParam()},
		ToolChoice: anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: recordTool},
		},
	}, nil
}

func recordToolParam() anthropic.ToolUnionParam {
	required, _ := triage.AssessmentSchema["required"].([]string)
	return anthropic.ToolUnionParam{
		OfTool: &anthropic.ToolParam{
			Name:        recordTool,
			Description: anthropic.String("Record the triage assessment for the patient inquiry."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: triage.AssessmentSchema["properties"],
				Required:   required,
			},
		},
	}
}

// assessmentFrom prefers the forced tool call and falls back to any text
// block that carries a JSON object.
func assessmentFrom(msg *anthropic.Message) (*triage.Assessment, error) {
	if msg == nil {
		return nil, errors.New("claude returned no message")
	}

	var lastErr error
	for _, block := range msg.Content {
		if block.Type == "tool_use" && block.Name == recordTool {
			return triage.ParseAssessment(block.Input)
		}
	}
	for _, block := range msg.Content {
		if block.Type != "text" {
			continue
		}
		a, err := triage.ParseAssessment([]byte(block.Text))
		if err == nil {
			return a, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("claude response has no assessment (stop reason %q)", msg.StopReason)
}
