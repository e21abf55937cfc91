package llmclient

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/openai/openai-go"
	oaiopt "github.com/openai/openai-go/option"
)

const testSchema = `{
	"type": "object",
	"properties": {
		"resulting_emotions": {"type": "array"},
		"reasoning": {"type": "string"}
	},
	"required": ["resulting_emotions", "reasoning"]
}`

func TestExtractJSONObjectStripsMarkdownFence(t *testing.T) {
	raw := []byte("```json\n{\"a\": 1}\n```")
	obj, err := extractJSONObject(raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1}`, string(obj))
}

func TestExtractJSONObjectBareObject(t *testing.T) {
	obj, err := extractJSONObject([]byte(`  {"a": 1}  `))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1}`, string(obj))
}

func TestExtractJSONObjectNoObjectIsError(t *testing.T) {
	_, err := extractJSONObject([]byte("not json"))
	require.Error(t, err)
}

func TestValidateStructuredOutputRejectsSchemaMismatch(t *testing.T) {
	req := StructuredRequest{SchemaName: "test_schema_mismatch", Schema: json.RawMessage(testSchema)}
	_, err := validateStructuredOutput(req, []byte(`{"reasoning": "missing the other field"}`))
	require.Error(t, err)
}

func TestValidateStructuredOutputAcceptsMatchingResponse(t *testing.T) {
	req := StructuredRequest{SchemaName: "test_schema_ok", Schema: json.RawMessage(testSchema)}
	out, err := validateStructuredOutput(req, []byte(`{"resulting_emotions": [], "reasoning": "calm"}`))
	require.NoError(t, err)
	assert.Equal(t, "calm", out["reasoning"])
}

// fakeMessagesClient implements messagesClient for AnthropicClient tests.
type fakeMessagesClient struct {
	response *sdk.Message
	err      error
}

func (f *fakeMessagesClient) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	return f.response, f.err
}

func TestAnthropicCompleteStructuredParsesToolUseBlock(t *testing.T) {
	toolInput := json.RawMessage(`{"resulting_emotions": [{"type": "joy", "intensity": 50}], "reasoning": "good news"}`)
	msg := &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "tool_use", Input: toolInput},
		},
	}
	client := &AnthropicClient{msg: &fakeMessagesClient{response: msg}, model: "claude-test"}

	out, err := client.CompleteStructured(context.Background(), StructuredRequest{
		Prompt:     "appraise this",
		SchemaName: "appraisal_result",
		Schema:     json.RawMessage(testSchema),
	})
	require.NoError(t, err)
	assert.Equal(t, "good news", out["reasoning"])
}

func TestAnthropicCompleteStructuredNoToolUseIsError(t *testing.T) {
	msg := &sdk.Message{Content: []sdk.ContentBlockUnion{{Type: "text", Text: "no tool call"}}}
	client := &AnthropicClient{msg: &fakeMessagesClient{response: msg}, model: "claude-test"}

	_, err := client.CompleteStructured(context.Background(), StructuredRequest{Prompt: "x", SchemaName: "s"})
	require.Error(t, err)
}

// fakeChatClient implements chatClient for OpenAIClient tests.
type fakeChatClient struct {
	response *openai.ChatCompletion
	err      error
}

func (f *fakeChatClient) New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...oaiopt.RequestOption) (*openai.ChatCompletion, error) {
	return f.response, f.err
}

func TestOpenAICompleteStructuredParsesChoiceContent(t *testing.T) {
	resp := &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: `{"resulting_emotions": [], "reasoning": "steady"}`}},
		},
	}
	client := &OpenAIClient{chat: &fakeChatClient{response: resp}, model: "gpt-test"}

	out, err := client.CompleteStructured(context.Background(), StructuredRequest{
		Prompt:     "appraise this",
		SchemaName: "appraisal_result_openai",
		Schema:     json.RawMessage(testSchema),
	})
	require.NoError(t, err)
	assert.Equal(t, "steady", out["reasoning"])
}

func TestOpenAICompleteStructuredNoChoicesIsError(t *testing.T) {
	client := &OpenAIClient{chat: &fakeChatClient{response: &openai.ChatCompletion{}}, model: "gpt-test"}
	_, err := client.CompleteStructured(context.Background(), StructuredRequest{Prompt: "x", SchemaName: "s"})
	require.Error(t, err)
}

// fakeRuntimeClient implements runtimeClient for BedrockClient tests.
type fakeRuntimeClient struct {
	output *bedrockruntime.ConverseOutput
	err    error
}

func (f *fakeRuntimeClient) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return f.output, f.err
}

func TestBedrockCompleteStructuredParsesTextBlock(t *testing.T) {
	output := &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{
			Value: brtypes.Message{
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: `{"resulting_emotions": [], "reasoning": "level"}`},
				},
			},
		},
	}
	client := &BedrockClient{runtime: &fakeRuntimeClient{output: output}, model: "bedrock-test"}

	out, err := client.CompleteStructured(context.Background(), StructuredRequest{
		Prompt:     "appraise this",
		SchemaName: "appraisal_result_bedrock",
		Schema:     json.RawMessage(testSchema),
	})
	require.NoError(t, err)
	assert.Equal(t, "level", out["reasoning"])
}

func TestBedrockCompleteStructuredNoTextBlockIsError(t *testing.T) {
	output := &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{}},
	}
	client := &BedrockClient{runtime: &fakeRuntimeClient{output: output}, model: "bedrock-test"}

	_, err := client.CompleteStructured(context.Background(), StructuredRequest{Prompt: "x", SchemaName: "s"})
	require.Error(t, err)
}
