package llmclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// runtimeClient captures the subset of the Bedrock runtime client used
// here, mirroring *bedrockruntime.Client so tests can substitute a fake.
type runtimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockClient implements StructuredClient on top of the Bedrock Converse
// API. Like Anthropic, Converse has no dedicated JSON-schema response mode,
// so the schema is folded into the system prompt with an explicit
// bare-JSON instruction and the reply is parsed and validated afterward.
type BedrockClient struct {
	runtime runtimeClient
	model   string
}

// NewBedrockClient builds a BedrockClient from an already-configured AWS
// Bedrock runtime client and a model identifier (inference profile or
// foundation model ARN/ID).
func NewBedrockClient(runtime *bedrockruntime.Client, model string) (*BedrockClient, error) {
	if runtime == nil {
		return nil, errors.New("llmclient: bedrock runtime client is required")
	}
	if model == "" {
		return nil, errors.New("llmclient: bedrock model is required")
	}
	return &BedrockClient{runtime: runtime, model: model}, nil
}

var _ StructuredClient = (*BedrockClient)(nil)

func (c *BedrockClient) CompleteStructured(ctx context.Context, req StructuredRequest) (map[string]any, error) {
	system := req.SystemPrompt
	if len(req.Schema) > 0 {
		system += "\n\nRespond with a single bare JSON object matching this schema, with no prose and no markdown fence:\n" + string(req.Schema)
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(c.model),
		Messages: []brtypes.Message{
			{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: req.Prompt}},
			},
		},
	}
	if system != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: system}}
	}
	inferenceConfig := &brtypes.InferenceConfiguration{}
	if req.MaxTokens > 0 {
		maxTokens := int32(req.MaxTokens)
		inferenceConfig.MaxTokens = &maxTokens
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		inferenceConfig.Temperature = &temp
	}
	input.InferenceConfig = inferenceConfig

	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("llmclient: bedrock converse: %w", err)
	}

	msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, errors.New("llmclient: bedrock: response contained no message output")
	}
	for _, block := range msg.Value.Content {
		if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
			return validateStructuredOutput(req, []byte(text.Value))
		}
	}
	return nil, errors.New("llmclient: bedrock: response contained no text block")
}
