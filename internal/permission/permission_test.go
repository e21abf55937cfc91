package permission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveAllowDeliversEchoedInput(t *testing.T) {
	tbl := NewTable()
	input := map[string]any{"path": "/tmp/x"}
	ch := tbl.Request("req-1", input, time.Minute)

	require.NoError(t, tbl.Resolve("req-1", true, ""))

	res := <-ch
	assert.True(t, res.Allowed)
	assert.Equal(t, input, res.ToolInput)
	assert.False(t, res.Interrupt)
	assert.Equal(t, 0, tbl.Len())
}

func TestResolveDenyCarriesMessageAndInterrupt(t *testing.T) {
	tbl := NewTable()
	ch := tbl.Request("req-1", nil, time.Minute)

	require.NoError(t, tbl.Resolve("req-1", false, "not allowed"))

	res := <-ch
	assert.False(t, res.Allowed)
	assert.Equal(t, "not allowed", res.DenyMessage)
	assert.True(t, res.Interrupt)
}

func TestResolveUnknownRequestIDReturnsNotFound(t *testing.T) {
	tbl := NewTable()
	err := tbl.Resolve("missing", true, "")
	assert.Error(t, err)
}

func TestDeadlineAutoResolvesDenyWithInterrupt(t *testing.T) {
	tbl := NewTable()
	ch := tbl.Request("req-1", nil, 10*time.Millisecond)

	select {
	case res := <-ch:
		assert.False(t, res.Allowed)
		assert.True(t, res.Interrupt)
	case <-time.After(time.Second):
		t.Fatal("deadline did not fire")
	}
	assert.Equal(t, 0, tbl.Len())
}

func TestResolveAfterDeadlineFiredIsNotFound(t *testing.T) {
	tbl := NewTable()
	ch := tbl.Request("req-1", nil, 5*time.Millisecond)
	<-ch

	err := tbl.Resolve("req-1", true, "")
	assert.Error(t, err)
}

func TestCloseAllResolvesEveryOutstandingEntry(t *testing.T) {
	tbl := NewTable()
	ch1 := tbl.Request("req-1", nil, time.Minute)
	ch2 := tbl.Request("req-2", nil, time.Minute)

	tbl.CloseAll()

	for _, ch := range []<-chan Resolution{ch1, ch2} {
		res := <-ch
		assert.False(t, res.Allowed)
		assert.True(t, res.Interrupt)
		assert.Equal(t, "connection closed", res.DenyMessage)
	}
	assert.Equal(t, 0, tbl.Len())
}
