package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// messagesClient captures the subset of the Anthropic SDK used here, so
// tests can substitute a fake instead of a real *sdk.MessageService.
type messagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicClient implements StructuredClient on top of the Claude Messages
// API. Structured output is obtained by forcing a single tool call shaped
// by the request's JSON schema, rather than free-text JSON the model might
// wrap in prose — the Messages API has no dedicated structured-output mode.
type AnthropicClient struct {
	msg   messagesClient
	model string
}

// NewAnthropicClient builds an AnthropicClient from an API key and default
// model identifier (e.g. string(sdk.ModelClaudeSonnet4_5_20250929)).
func NewAnthropicClient(apiKey, model string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("llmclient: anthropic api key is required")
	}
	if model == "" {
		return nil, errors.New("llmclient: anthropic model is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicClient{msg: &client.Messages, model: model}, nil
}

var _ StructuredClient = (*AnthropicClient)(nil)

const structuredToolName = "emit_structured_output"

func (c *AnthropicClient) CompleteStructured(ctx context.Context, req StructuredRequest) (map[string]any, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	var schemaDoc map[string]any
	if len(req.Schema) > 0 {
		if err := json.Unmarshal(req.Schema, &schemaDoc); err != nil {
			return nil, fmt.Errorf("llmclient: anthropic: decoding schema %q: %w", req.SchemaName, err)
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
		Tools: []sdk.ToolUnionParam{
			sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schemaDoc}, structuredToolName),
		},
		ToolChoice: sdk.ToolChoiceParamOfTool(structuredToolName),
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("llmclient: anthropic messages.new: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type != "tool_use" {
			continue
		}
		raw, err := json.Marshal(block.Input)
		if err != nil {
			return nil, fmt.Errorf("llmclient: anthropic: re-encoding tool input: %w", err)
		}
		return validateStructuredOutput(req, raw)
	}
	return nil, errors.New("llmclient: anthropic: response contained no tool_use block")
}
