//go:build integration

package appraisal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meridianhq/meridian/internal/llmclient"
	"github.com/meridianhq/meridian/internal/model"
	"github.com/meridianhq/meridian/internal/store"
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

// fakeStructuredClient implements llmclient.StructuredClient with a
// canned response, so Flush can be tested without a real LLM call.
type fakeStructuredClient struct {
	response map[string]any
	err      error
}

func (f *fakeStructuredClient) CompleteStructured(ctx context.Context, req llmclient.StructuredRequest) (map[string]any, error) {
	return f.response, f.err
}

var _ llmclient.StructuredClient = (*fakeStructuredClient)(nil)

func TestFlushInstallsAppraisedEmotionAboveThreshold(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	client := &fakeStructuredClient{response: map[string]any{
		"resulting_emotions": []any{
			map[string]any{"type": "joy", "intensity": 42.0},
		},
		"reasoning": "good news arrived",
	}}

	mgr := NewManager("", st, client, map[string]model.EmotionProfile{
		"joy": {Valence: 1, BaseDecayRate: 0.05, Resilience: 0.3, PersonalityStability: 0.5},
	}, model.OCCProfile{Goals: []string{"stay on task"}})

	require.NoError(t, mgr.Initialize(ctx))
	mgr.BufferStimulus(model.StimulusEntry{
		Payload:   "the user praised the last result",
		Context:   model.AppraisalContext{IsUserPresent: true, TimeOfDay: "afternoon"},
		Timestamp: time.Now(),
	})

	require.NoError(t, mgr.Flush(ctx))

	mgr.mu.Lock()
	inst, ok := mgr.active["joy"]
	mgr.mu.Unlock()
	require.True(t, ok)
	assert.Greater(t, inst.Intensity, 1.0)

	state, err := st.LoadLatestEmotionState(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "joy", state.PrimaryEmotion)
}

func TestFlushRemovesActiveEmotionWhenPhysicsResultAtOrBelowThreshold(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	client := &fakeStructuredClient{response: map[string]any{
		"resulting_emotions": []any{
			map[string]any{"type": "anger", "intensity": 0.5},
		},
		"reasoning": "the irritant resolved itself",
	}}

	mgr := NewManager("", st, client, map[string]model.EmotionProfile{
		"anger": {Valence: -1, BaseDecayRate: 0.05, Resilience: 0.3, PersonalityStability: 0.5},
	}, model.OCCProfile{})
	require.NoError(t, mgr.Initialize(ctx))
	mgr.active["anger"] = model.EmotionInstance{Type: "anger", Intensity: 20, LastUpdated: time.Now()}

	mgr.BufferStimulus(model.StimulusEntry{
		Payload:   "the blocking issue was fixed",
		Context:   model.AppraisalContext{IsUserPresent: true, TimeOfDay: "morning"},
		Timestamp: time.Now(),
	})
	require.NoError(t, mgr.Flush(ctx))

	mgr.mu.Lock()
	_, ok := mgr.active["anger"]
	mgr.mu.Unlock()
	assert.False(t, ok)
}

func TestFlushIsNoOpWithNothingPending(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	mgr := NewManager("", st, &fakeStructuredClient{}, nil, model.OCCProfile{})
	require.NoError(t, mgr.Initialize(ctx))
	require.NoError(t, mgr.Flush(ctx))
}

func TestBufferStimulusUpdatesLastStimulusTime(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	mgr := NewManager("", st, &fakeStructuredClient{}, nil, model.OCCProfile{})
	require.NoError(t, mgr.Initialize(ctx))

	ts := time.Now()
	mgr.BufferStimulus(model.StimulusEntry{Payload: "hello", Timestamp: ts})
	assert.Equal(t, 1, mgr.PendingCount())

	mgr.mu.Lock()
	got := mgr.lastStimulusTime
	mgr.mu.Unlock()
	assert.WithinDuration(t, ts, got, time.Second)
}
