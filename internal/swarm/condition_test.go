package swarm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePredecessorOutputParsesJSON(t *testing.T) {
	parsed := parsePredecessorOutput(`{"status":"pass","count":3}`)
	m, ok := parsed.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "pass", m["status"])
}

func TestParsePredecessorOutputStripsFence(t *testing.T) {
	parsed := parsePredecessorOutput("```json\n{\"ok\":true}\n```")
	m, ok := parsed.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, m["ok"])
}

func TestParsePredecessorOutputFallsBackToTextWrapper(t *testing.T) {
	parsed := parsePredecessorOutput("not json at all")
	m, ok := parsed.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "not json at all", m["text"])
	assert.Equal(t, "not json at all", m["raw"])
}

func TestEvaluateConditionOnParsedField(t *testing.T) {
	ok, err := evaluateCondition(`output.status == "pass"`, `{"status":"pass"}`)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = evaluateCondition(`output.status == "pass"`, `{"status":"fail"}`)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateConditionOnRawText(t *testing.T) {
	ok, err := evaluateCondition(`raw.contains("LGTM")`, "review: LGTM, ship it")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateConditionCompileErrorIsAnError(t *testing.T) {
	_, err := evaluateCondition(`this is not valid cel ===`, "anything")
	require.Error(t, err)
}

func TestEvaluateConditionNonBooleanIsAnError(t *testing.T) {
	_, err := evaluateCondition(`1 + 1`, "anything")
	require.Error(t, err)
}
