package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// chatClient captures the subset of the OpenAI SDK used here, so tests can
// substitute a fake instead of a real openai.Client.
type chatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIClient implements StructuredClient on top of the Chat Completions
// API's json_schema response format, OpenAI's native structured-output
// mode (unlike Anthropic, which has no dedicated mode and needs the
// forced-tool-call workaround in anthropic.go).
type OpenAIClient struct {
	chat  chatClient
	model string
}

// NewOpenAIClient builds an OpenAIClient from an API key and default model.
func NewOpenAIClient(apiKey, model string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("llmclient: openai api key is required")
	}
	if model == "" {
		return nil, errors.New("llmclient: openai model is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIClient{chat: &client.Chat.Completions, model: model}, nil
}

var _ StructuredClient = (*OpenAIClient)(nil)

func (c *OpenAIClient) CompleteStructured(ctx context.Context, req StructuredRequest) (map[string]any, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if len(req.Schema) > 0 {
		var schemaDoc any
		if err := json.Unmarshal(req.Schema, &schemaDoc); err != nil {
			return nil, fmt.Errorf("llmclient: openai: decoding schema %q: %w", req.SchemaName, err)
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   req.SchemaName,
					Schema: schemaDoc,
					Strict: openai.Bool(true),
				},
			},
		}
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("llmclient: openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("llmclient: openai: response contained no choices")
	}

	return validateStructuredOutput(req, []byte(resp.Choices[0].Message.Content))
}
