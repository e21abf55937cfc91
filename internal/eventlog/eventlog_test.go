package eventlog

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsStrictlyIncreasingSeq(t *testing.T) {
	l := NewLog(500)
	a := l.Append("text_delta", "hi")
	b := l.Append("text_delta", " there")
	require.Equal(t, int64(1), a.Seq)
	require.Equal(t, int64(2), b.Seq)
}

func TestReplayExcludesSessionReadyAndRespectsLastSeq(t *testing.T) {
	l := NewLog(500)
	l.Append(sessionReadyType, nil)
	l.Append("text_delta", "a")
	l.Append("text_delta", "b")
	l.Append("done", nil)

	replayed := l.Replay(0)
	require.Len(t, replayed, 3, "session_ready must be omitted")
	for _, ev := range replayed {
		assert.NotEqual(t, sessionReadyType, ev.Type)
	}

	replayed = l.Replay(2)
	require.Len(t, replayed, 2)
	assert.Equal(t, int64(3), replayed[0].Seq)
}

func TestBoundDropsOldestEntries(t *testing.T) {
	l := NewLog(3)
	for i := 0; i < 5; i++ {
		l.Append("tick", i)
	}
	require.Equal(t, 3, l.Len())

	replayed := l.Replay(0)
	require.Len(t, replayed, 3)
	assert.Equal(t, int64(3), replayed[0].Seq, "oldest two entries (seq 1,2) must have been dropped")
}

func TestAppendIsConcurrencySafe(t *testing.T) {
	l := NewLog(1000)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Append("tick", nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, l.Len())
}

func TestRegistryGetOrCreateReusesLog(t *testing.T) {
	r := NewRegistry(500)
	a := r.GetOrCreate("session-1")
	b := r.GetOrCreate("session-1")
	assert.Same(t, a, b)

	c := r.GetOrCreate("session-2")
	assert.NotSame(t, a, c)

	r.Delete("session-1")
	d := r.GetOrCreate("session-1")
	assert.NotSame(t, a, d)
}
