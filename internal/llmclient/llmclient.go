// Package llmclient is the LLM Client Adapter (A3): a narrow structured-
// output interface with Anthropic/OpenAI/Bedrock backends, used only by the
// Appraisal Engine (C7, emotion appraisal), the Swarm Orchestrator's
// include=summary compression of predecessor output (C9) and the
// Consolidation Scheduler's session summaries — never by the main query path,
// which always talks to the opaque agent backend over internal/transport.
//
// Grounded on the provider-adapter shape of
// features/model/{anthropic,openai,bedrock}/client.go: a small interface
// capturing only the SDK surface actually used (so a fake can stand in for
// tests), an Options struct for model/token/temperature defaults, and a
// translateResponse step mapping the provider's reply onto one internal
// shape.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// StructuredRequest is one structured-output call: a system/user prompt
// pair plus the JSON schema the reply must satisfy.
type StructuredRequest struct {
	SystemPrompt string
	Prompt       string
	SchemaName   string
	Schema       json.RawMessage
	MaxTokens    int
	Temperature  float64
}

// StructuredClient is the interface C7 and C9 depend on; each provider
// adapter in this package satisfies it.
type StructuredClient interface {
	CompleteStructured(ctx context.Context, req StructuredRequest) (map[string]any, error)
}

// schemaCache compiles each distinct schema exactly once; SchemaName is the
// cache key, so callers should use a stable name per distinct schema shape
// (e.g. "appraisal_result", "synthesis_summary").
type schemaCache struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

var schemas = &schemaCache{schemas: make(map[string]*jsonschema.Schema)}

func (c *schemaCache) compile(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.schemas[name]; ok {
		return s, nil
	}
	compiler := jsonschema.NewCompiler()
	resourceURL := "mem://llmclient/" + name
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("llmclient: decoding schema %q: %w", name, err)
	}
	if err := compiler.AddResource(resourceURL, doc); err != nil {
		return nil, fmt.Errorf("llmclient: adding schema %q: %w", name, err)
	}
	schema, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("llmclient: compiling schema %q: %w", name, err)
	}
	c.schemas[name] = schema
	return schema, nil
}

// validateStructuredOutput parses raw as JSON and validates it against
// req's schema, returning the decoded object on success. Every adapter
// funnels its provider-specific response text through this before
// returning, so callers get the same validation guarantee regardless of
// provider.
func validateStructuredOutput(req StructuredRequest, raw []byte) (map[string]any, error) {
	obj, err := extractJSONObject(raw)
	if err != nil {
		return nil, fmt.Errorf("llmclient: %s: %w", req.SchemaName, err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(obj, &decoded); err != nil {
		return nil, fmt.Errorf("llmclient: %s: decoding response: %w", req.SchemaName, err)
	}

	if len(req.Schema) > 0 {
		schema, err := schemas.compile(req.SchemaName, req.Schema)
		if err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal(obj, &v); err != nil {
			return nil, fmt.Errorf("llmclient: %s: %w", req.SchemaName, err)
		}
		if err := schema.Validate(v); err != nil {
			return nil, fmt.Errorf("llmclient: %s: response does not match schema: %w", req.SchemaName, err)
		}
	}

	return decoded, nil
}

// extractJSONObject finds the first top-level JSON object in raw,
// tolerating a markdown code fence around it — structured-output prompts
// still occasionally get wrapped in ```json ... ``` by a model that
// ignores the instruction to emit bare JSON.
func extractJSONObject(raw []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if fenced := bytes.TrimPrefix(trimmed, []byte("```json")); len(fenced) != len(trimmed) {
		trimmed = bytes.TrimSuffix(bytes.TrimSpace(fenced), []byte("```"))
		trimmed = bytes.TrimSpace(trimmed)
	} else if fenced := bytes.TrimPrefix(trimmed, []byte("```")); len(fenced) != len(trimmed) {
		trimmed = bytes.TrimSuffix(bytes.TrimSpace(fenced), []byte("```"))
		trimmed = bytes.TrimSpace(trimmed)
	}

	start := bytes.IndexByte(trimmed, '{')
	end := bytes.LastIndexByte(trimmed, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object found in response: %s", strings.TrimSpace(string(trimmed)))
	}
	return trimmed[start : end+1], nil
}
