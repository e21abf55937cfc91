package sandbox

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStream struct {
	sessionID string
	events    chan transport.Event
	closed    int32
}

func newFakeStream(sessionID string) *fakeStream {
	return &fakeStream{sessionID: sessionID, events: make(chan transport.Event)}
}

func (f *fakeStream) Events() <-chan transport.Event     { return f.events }
func (f *fakeStream) SessionID() string                  { return f.sessionID }
func (f *fakeStream) Interrupt() error                   { return nil }
func (f *fakeStream) Respond(string, bool, string) error { return nil }
func (f *fakeStream) Wait() error                        { return nil }
func (f *fakeStream) Close() error                       { atomic.StoreInt32(&f.closed, 1); return nil }
func (f *fakeStream) isClosed() bool                     { return atomic.LoadInt32(&f.closed) == 1 }

func newTestSupervisor(idleTimeout time.Duration) (*Supervisor, *int32) {
	var calls int32
	s := &Supervisor{
		idleTimeout: idleTimeout,
		entries:     make(map[string]*entry),
		logger:      discardLogger(),
	}
	s.newRunner = func(ctx context.Context, cfg Config, prompt string) (transport.Stream, string, error) {
		atomic.AddInt32(&calls, 1)
		return newFakeStream("backend-session"), "container-1", nil
	}
	return s, &calls
}

func TestEnsureConstructsNewRunnerOnFirstCall(t *testing.T) {
	s, calls := newTestSupervisor(time.Hour)
	runner, locked, err := s.Ensure(context.Background(), "sess-1", Config{}, "prompt")
	require.NoError(t, err)
	assert.False(t, locked)
	require.NotNil(t, runner)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestEnsureReusesUnlockedEntry(t *testing.T) {
	s, calls := newTestSupervisor(time.Hour)
	_, _, err := s.Ensure(context.Background(), "sess-1", Config{}, "prompt")
	require.NoError(t, err)
	_, locked, err := s.Ensure(context.Background(), "sess-1", Config{}, "prompt")
	require.NoError(t, err)
	assert.False(t, locked)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls), "second Ensure must reuse the cached entry")
}

func TestEnsureEvictsAndSurfacesLockedEntry(t *testing.T) {
	s, _ := newTestSupervisor(time.Hour)
	s.entries["sess-1"] = &entry{runner: newFakeStream("x"), locked: true, lastActivity: time.Now()}

	var lockedSessionID string
	s.onLock = func(ctx context.Context, sessionID string) error {
		lockedSessionID = sessionID
		return nil
	}

	runner, locked, err := s.Ensure(context.Background(), "sess-1", Config{}, "prompt")
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Nil(t, runner)
	assert.Equal(t, "sess-1", lockedSessionID)

	s.mu.Lock()
	_, stillCached := s.entries["sess-1"]
	s.mu.Unlock()
	assert.False(t, stillCached, "a locked entry must be evicted from the cache immediately")
}

func TestReapTickSkipsEntriesWithActiveQueries(t *testing.T) {
	s, _ := newTestSupervisor(10 * time.Millisecond)
	fs := newFakeStream("x")
	s.entries["sess-1"] = &entry{runner: fs, lastActivity: time.Now().Add(-time.Hour), activeQueries: 1}

	s.ReapTick(context.Background())

	s.mu.Lock()
	_, stillCached := s.entries["sess-1"]
	s.mu.Unlock()
	assert.True(t, stillCached, "an entry with active_queries > 0 must never be reaped")
	assert.False(t, fs.isClosed())
}

func TestReapTickLocksAndEvictsIdleEntries(t *testing.T) {
	s, _ := newTestSupervisor(10 * time.Millisecond)
	fs := newFakeStream("x")
	s.entries["sess-1"] = &entry{runner: fs, lastActivity: time.Now().Add(-time.Hour)}

	var lockedSessionID string
	s.onLock = func(ctx context.Context, sessionID string) error {
		lockedSessionID = sessionID
		return nil
	}

	s.ReapTick(context.Background())

	assert.True(t, fs.isClosed())
	assert.Equal(t, "sess-1", lockedSessionID)

	s.mu.Lock()
	_, stillCached := s.entries["sess-1"]
	s.mu.Unlock()
	assert.False(t, stillCached)
}

func TestIncrDecrActiveQueriesTrackCount(t *testing.T) {
	s, _ := newTestSupervisor(time.Hour)
	_, _, err := s.Ensure(context.Background(), "sess-1", Config{}, "prompt")
	require.NoError(t, err)

	s.IncrActiveQueries("sess-1")
	s.IncrActiveQueries("sess-1")
	s.DecrActiveQueries("sess-1")

	s.mu.Lock()
	e := s.entries["sess-1"]
	s.mu.Unlock()
	assert.Equal(t, int32(1), atomic.LoadInt32(&e.activeQueries))
}

func TestCloseEvictsAndDestroysEntry(t *testing.T) {
	s, _ := newTestSupervisor(time.Hour)
	_, _, err := s.Ensure(context.Background(), "sess-1", Config{}, "prompt")
	require.NoError(t, err)

	require.NoError(t, s.Close(context.Background(), "sess-1"))

	s.mu.Lock()
	_, stillCached := s.entries["sess-1"]
	s.mu.Unlock()
	assert.False(t, stillCached)
}

func TestStartReaperStopsOnContextCancel(t *testing.T) {
	s, _ := newTestSupervisor(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	s.StartReaper(ctx, 5*time.Millisecond, &wg)
	cancel()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper goroutine did not stop after context cancel")
	}
}
