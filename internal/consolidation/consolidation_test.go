//go:build integration

package consolidation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
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

type fakeStructuredClient struct {
	response map[string]any
	err      error
}

func (f *fakeStructuredClient) CompleteStructured(ctx context.Context, req llmclient.StructuredRequest) (map[string]any, error) {
	return f.response, f.err
}

var _ llmclient.StructuredClient = (*fakeStructuredClient)(nil)

func mustCreateStaleSession(t *testing.T, st *store.Store) *model.Session {
	t.Helper()
	sess := &model.Session{
		ID:           uuid.NewString(),
		Name:         "stale-session",
		WorkingDir:   "/tmp/work",
		Medium:       "cli",
		StartTime:    time.Now().Add(-48 * time.Hour),
		LastActivity: time.Now().Add(-48 * time.Hour),
		CreatedAt:    time.Now().Add(-48 * time.Hour),
	}
	require.NoError(t, st.CreateSession(context.Background(), sess))
	return sess
}

func TestTickSummarizesStaleSessionAndMarksTaskCompleted(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess := mustCreateStaleSession(t, st)

	entry := &model.TaskQueueEntry{TaskType: taskType}
	require.NoError(t, st.InsertTaskQueueEntry(ctx, entry))

	client := &fakeStructuredClient{response: map[string]any{"summary": "built the thing, tests green, nothing left open"}}
	sched := New(st, client)

	sched.Tick(ctx)

	got, err := st.LoadSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "built the thing, tests green, nothing left open", got.Summary)

	var status string
	require.NoError(t, st.Pool().QueryRow(ctx, `SELECT status FROM task_queue WHERE id = $1`, entry.ID).Scan(&status))
	assert.Equal(t, string(model.TaskQueueCompleted), status)
}

func TestTickSkipsWhenNoTaskIsPending(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sched := New(st, &fakeStructuredClient{})

	sched.Tick(ctx) // must not panic or block with nothing claimed
}

func TestTickIsANoOpWhileAlreadyRunning(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sched := New(st, &fakeStructuredClient{response: map[string]any{"summary": "x"}})

	sched.running.Store(true)
	defer sched.running.Store(false)

	entry := &model.TaskQueueEntry{TaskType: taskType}
	require.NoError(t, st.InsertTaskQueueEntry(ctx, entry))

	sched.Tick(ctx)

	reloaded, err := st.ClaimPendingTask(ctx, taskType, "someone-else")
	require.NoError(t, err, "task should still be pending because Tick bailed out early")
	assert.Equal(t, entry.ID, reloaded.ID)
}

func TestMergeDuplicateEmotionSnapshotsKeepsLatestPerSession(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess := mustCreateStaleSession(t, st)

	older := model.EmotionState{
		SessionID:  sess.ID,
		ActiveMap:  model.ActiveMap{},
		LastUpdate: time.Now().Add(-2 * time.Hour),
	}
	newer := model.EmotionState{
		SessionID:  sess.ID,
		ActiveMap:  model.ActiveMap{},
		LastUpdate: time.Now().Add(-1 * time.Hour),
	}
	require.NoError(t, st.InsertEmotionState(ctx, &older))
	require.NoError(t, st.InsertEmotionState(ctx, &newer))

	removed, err := st.MergeDuplicateEmotionSnapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	latest, err := st.LoadLatestEmotionState(ctx, sess.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, newer.LastUpdate, latest.LastUpdate, time.Second)
}
