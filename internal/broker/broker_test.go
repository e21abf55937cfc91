//go:build integration

package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meridianhq/meridian/internal/config"
	"github.com/meridianhq/meridian/internal/eventlog"
	"github.com/meridianhq/meridian/internal/model"
	"github.com/meridianhq/meridian/internal/sandbox"
	"github.com/meridianhq/meridian/internal/store"
	"github.com/meridianhq/meridian/internal/transport"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("meridian_test"),
		postgres.WithUsername("meridian"),
		postgres.WithPassword("meridian"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(context.Background()) })

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	st, err := store.Open(ctx, store.Config{
		Host:     host,
		Port:     port.Int(),
		User:     "meridian",
		Password: "meridian",
		Database: "meridian_test",
		SSLMode:  "disable",
	})
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

// fakeStream is a scripted transport.Stream standing in for a real agent
// backend, letting tests drive exact event sequences (including
// interleaved text/thinking deltas and a terminal done message) without an
// actual subprocess.
type fakeStream struct {
	events      chan transport.Event
	sessionID   string
	respondCh   chan respondCall
	interrupted bool
}

type respondCall struct {
	toolUseID string
	allow     bool
	denyMsg   string
}

func newFakeStream(events []transport.Event) *fakeStream {
	fs := &fakeStream{
		events:    make(chan transport.Event, len(events)+1),
		respondCh: make(chan respondCall, 8),
	}
	for _, ev := range events {
		fs.events <- ev
	}
	close(fs.events)
	return fs
}

func (f *fakeStream) Events() <-chan transport.Event { return f.events }
func (f *fakeStream) SessionID() string              { return f.sessionID }
func (f *fakeStream) Interrupt() error               { f.interrupted = true; return nil }
func (f *fakeStream) Respond(toolUseID string, allow bool, denyMessage string) error {
	f.respondCh <- respondCall{toolUseID, allow, denyMessage}
	return nil
}
func (f *fakeStream) Wait() error  { return nil }
func (f *fakeStream) Close() error { return nil }

var _ transport.Stream = (*fakeStream)(nil)

// fakeLauncher returns a preconfigured stream for every LaunchDirect call,
// regardless of session/prompt, so tests can script the agent's behavior.
type fakeLauncher struct {
	stream transport.Stream
}

func (l *fakeLauncher) LaunchDirect(ctx context.Context, cfg transport.Config, prompt string) (transport.Stream, error) {
	return l.stream, nil
}

func (l *fakeLauncher) LaunchSandboxed(ctx context.Context, sessionID string, cfg sandbox.Config, prompt string) (transport.Stream, bool, error) {
	return l.stream, false, nil
}

func newTestConfig() *config.Config {
	cfg := &config.Config{
		Defaults:        config.DefaultDefaults(),
		Queue:           config.DefaultQueueConfig(),
		Agent:           config.DefaultAgentConfig(),
		Swarm:           config.DefaultSwarmDefaults(),
		Personalities:   config.NewPersonalityRegistry(nil),
		SandboxProfiles: config.NewSandboxProfileRegistry(nil),
		DecayProfiles:   config.NewDecayProfileRegistry(nil),
	}
	cfg.Defaults.PermissionDeadline = 2 * time.Second
	cfg.Defaults.MaxEventLog = 100
	return cfg
}

func newTestServer(t *testing.T, b *Broker) (string, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		b.HandleConnection(r.Context(), ws)
	}))
	url := "ws" + srv.URL[len("http"):]
	return url, srv.Close
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func sendJSON(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, data))
}

func recvEnvelope(t *testing.T, ws *websocket.Conn) outboundEnvelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, raw, err := ws.Read(ctx)
	require.NoError(t, err)
	var env outboundEnvelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

// TestHappyPathDirectMode covers Scenario A: new_session, a query that
// streams text deltas plus a terminal done, session_ready/text/done seq
// sequence, and dedup (no duplicated response text from EventDone.Message
// once deltas have streamed).
func TestHappyPathDirectMode(t *testing.T) {
	st := newTestStore(t)
	stream := newFakeStream([]transport.Event{
		{Type: transport.EventText, Text: "Hello, "},
		{Type: transport.EventText, Text: "world."},
		{Type: transport.EventDone, Message: "Hello, world."},
	})

	b := NewBroker(st, newTestConfig(), nil, eventlog.NewRegistry(100), nil, nil, nil, WithLauncher(&fakeLauncher{stream: stream}))
	url, closeSrv := newTestServer(t, b)
	defer closeSrv()

	ws := dial(t, url)
	sendJSON(t, ws, map[string]any{"type": "new_session", "config": model.SessionConfig{WorkingDir: "/tmp/work"}})
	ready := recvEnvelope(t, ws)
	require.Equal(t, "session_ready", ready.Type)

	sendJSON(t, ws, map[string]any{"type": "query", "prompt": "hi there"})

	var textEvents []outboundEnvelope
	var done outboundEnvelope
	for {
		env := recvEnvelope(t, ws)
		if env.Type == "text" {
			textEvents = append(textEvents, env)
			continue
		}
		if env.Type == "done" {
			done = env
			break
		}
	}

	require.Len(t, textEvents, 2)
	assert.Equal(t, int64(1), ready.Seq)
	assert.Equal(t, int64(2), textEvents[0].Seq)
	assert.Equal(t, int64(3), textEvents[1].Seq)
	assert.Equal(t, int64(4), done.Seq)

	raw, err := json.Marshal(done.Data)
	require.NoError(t, err)
	var dd doneData
	require.NoError(t, json.Unmarshal(raw, &dd))
	assert.Equal(t, "Hello, world.", dd.ResponseText)
}

// TestCancelMidStreamSuppressesFurtherEventsAndPersistence covers Scenario
// D: after cancel, only done may still arrive, and no assistant
// Conversation is ever persisted for that query (invariant 10).
func TestCancelMidStreamSuppressesFurtherEventsAndPersistence(t *testing.T) {
	st := newTestStore(t)
	events := make(chan transport.Event, 4)
	stream := &fakeStream{events: events, respondCh: make(chan respondCall, 1)}
	events <- transport.Event{Type: transport.EventText, Text: "partial"}

	b := NewBroker(st, newTestConfig(), nil, eventlog.NewRegistry(100), nil, nil, nil, WithLauncher(&fakeLauncher{stream: stream}))
	url, closeSrv := newTestServer(t, b)
	defer closeSrv()

	ws := dial(t, url)
	sendJSON(t, ws, map[string]any{"type": "new_session", "config": model.SessionConfig{WorkingDir: "/tmp/work"}})
	ready := recvEnvelope(t, ws)

	sendJSON(t, ws, map[string]any{"type": "query", "prompt": "go slow"})
	textEv := recvEnvelope(t, ws)
	require.Equal(t, "text", textEv.Type)

	sendJSON(t, ws, map[string]any{"type": "cancel"})
	cancelled := recvEnvelope(t, ws)
	require.Equal(t, "cancelled", cancelled.Type)

	events <- transport.Event{Type: transport.EventText, Text: "should be suppressed"}
	events <- transport.Event{Type: transport.EventDone, Message: "should be suppressed"}
	close(events)

	done := recvEnvelope(t, ws)
	require.Equal(t, "done", done.Type)

	time.Sleep(200 * time.Millisecond)

	var sessID string
	raw, _ := json.Marshal(ready.Data)
	var sr sessionReadyData
	_ = json.Unmarshal(raw, &sr)
	sessID = sr.SessionID

	var assistantTurns int
	err := st.Pool().QueryRow(context.Background(),
		"SELECT count(*) FROM conversations WHERE session_id = $1 AND role = 'assistant'", sessID).Scan(&assistantTurns)
	require.NoError(t, err)
	assert.Zero(t, assistantTurns)
}
