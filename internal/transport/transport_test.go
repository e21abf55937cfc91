package transport

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func launchScript(t *testing.T, script string) *Session {
	t.Helper()
	s, err := Launch(context.Background(), Config{Command: "/bin/sh", Args: []string{"-c", script}}, "hello")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLaunchParsesEventStream(t *testing.T) {
	script := `printf '{"type":"session_id","session_id":"abc-123"}\n'
printf '{"type":"thinking","text":"pondering"}\n'
printf '{"type":"text","text":"hello there"}\n'
printf '{"type":"tool_use","tool_use_id":"tu1","tool_name":"search","tool_input":{"q":"x"}}\n'
printf '{"type":"tool_result","tool_use_id":"tu1","content":"result text"}\n'
printf '{"type":"done","text":"hello there"}\n'
cat >/dev/null
`
	s := launchScript(t, script)
	_ = s.writerCloser.Close()

	var got []Event
	for ev := range s.Events() {
		got = append(got, ev)
	}
	require.NoError(t, s.Wait())

	require.Len(t, got, 6)
	require.Equal(t, EventSessionID, got[0].Type)
	require.Equal(t, "abc-123", got[0].SessionID)
	require.Equal(t, EventThinking, got[1].Type)
	require.Equal(t, EventText, got[2].Type)
	require.Equal(t, "hello there", got[2].Text)
	require.Equal(t, EventToolUse, got[3].Type)
	require.Equal(t, "search", got[3].ToolName)
	require.Equal(t, EventToolResult, got[4].Type)
	require.Equal(t, "result text", got[4].ToolResultContent)
	require.Equal(t, EventDone, got[5].Type)

	require.Equal(t, "abc-123", s.SessionID())
}

func TestInterruptAndRespondReachTheSubprocess(t *testing.T) {
	script := `read _prompt
while IFS= read -r line; do
  esc=$(printf '%s' "$line" | sed 's/"/\\"/g')
  printf '{"type":"text","text":"got:%s"}\n' "$esc"
done
`
	s := launchScript(t, script)
	require.NoError(t, s.Interrupt())
	require.NoError(t, s.Respond("tu1", false, "not allowed"))
	_ = s.writerCloser.Close()

	var texts []string
	for ev := range s.Events() {
		if ev.Type == EventText {
			texts = append(texts, ev.Text)
		}
	}
	require.NoError(t, s.Wait())

	require.Len(t, texts, 2)
	require.Contains(t, texts[0], `"interrupt"`)
	require.True(t, strings.Contains(texts[1], `"permission_decision"`) && strings.Contains(texts[1], "tu1"))
}

func TestMalformedLineYieldsErrorEventAndContinues(t *testing.T) {
	script := `printf 'not json\n'
printf '{"type":"text","text":"ok"}\n'
`
	s := launchScript(t, script)

	var got []Event
	for ev := range s.Events() {
		got = append(got, ev)
	}
	require.NoError(t, s.Wait())

	require.Len(t, got, 2)
	require.Equal(t, EventError, got[0].Type)
	require.Equal(t, EventText, got[1].Type)
}

func TestCloseKillsStillRunningSubprocess(t *testing.T) {
	s := launchScript(t, "sleep 30")
	require.NoError(t, s.Close())

	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("subprocess was not reaped after Close")
	}
}
