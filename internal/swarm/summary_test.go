package swarm

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/internal/llmclient"
)

type fakeSummarizer struct {
	response map[string]any
	err      error
	lastReq  llmclient.StructuredRequest
}

func (f *fakeSummarizer) CompleteStructured(ctx context.Context, req llmclient.StructuredRequest) (map[string]any, error) {
	f.lastReq = req
	return f.response, f.err
}

var _ llmclient.StructuredClient = (*fakeSummarizer)(nil)

func TestSynthesizeSummaryUsesStructuredClient(t *testing.T) {
	fake := &fakeSummarizer{response: map[string]any{"summary": "Wrote the parser and added tests."}}
	o := &Orchestrator{summarizer: fake}

	got := o.synthesizeSummary(context.Background(), "a very long predecessor output")

	assert.Equal(t, "Wrote the parser and added tests.", got)
	assert.Equal(t, "synthesis_summary", fake.lastReq.SchemaName)
	require.NotEmpty(t, fake.lastReq.Prompt)
}

func TestSynthesizeSummaryFallsBackToTruncationOnError(t *testing.T) {
	fake := &fakeSummarizer{err: assertErrSummary}
	o := &Orchestrator{summarizer: fake}

	output := strings.Repeat("x", 400)
	got := o.synthesizeSummary(context.Background(), output)

	assert.True(t, strings.HasSuffix(got, "..."))
	assert.Len(t, got, 283)
}

func TestSynthesizeSummaryWithoutClientKeepsShortOutput(t *testing.T) {
	o := &Orchestrator{}

	output := strings.Repeat("y", 10)
	got := o.synthesizeSummary(context.Background(), output)

	assert.Equal(t, output, got)
}

var assertErrSummary = &invokeErrorSummary{"summarizer unavailable"}

type invokeErrorSummary struct{ msg string }

func (e *invokeErrorSummary) Error() string { return e.msg }
