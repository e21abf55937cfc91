//go:build integration

package workqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meridianhq/meridian/internal/model"
	"github.com/meridianhq/meridian/internal/store"
)

func newTestQueue(t *testing.T) *Queue {
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

	return New(st)
}

func TestCreateTaskWithAllBlockersAlreadyDoneIsReady(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	blocker := &model.Task{ID: "66666666-6666-6666-6666-666666666666", WorkingDir: "/tmp", Title: "blocker"}
	require.NoError(t, q.Create(ctx, blocker))
	require.NoError(t, q.Complete(ctx, blocker.ID, "ok", "done"))

	dependent := &model.Task{
		ID: "77777777-7777-7777-7777-777777777777", WorkingDir: "/tmp", Title: "dependent",
		BlockedBy: []string{blocker.ID},
	}
	require.NoError(t, q.Create(ctx, dependent))
	require.Equal(t, model.TaskReady, dependent.Status, "a task whose blockers are already done must be created ready, not blocked")

	claimed, err := q.ClaimAny(ctx, store.ClaimFilters{}, "", "")
	require.NoError(t, err)
	require.Equal(t, dependent.ID, claimed.ID)
}

func TestClaimByIDRejectsNotReadyWithValidationError(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	blocker := &model.Task{ID: "88888888-8888-8888-8888-888888888888", WorkingDir: "/tmp", Title: "blocker"}
	require.NoError(t, q.Create(ctx, blocker))

	dependent := &model.Task{
		ID: "99999999-9999-9999-9999-999999999999", WorkingDir: "/tmp", Title: "dependent",
		BlockedBy: []string{blocker.ID},
	}
	require.NoError(t, q.Create(ctx, dependent))
	require.Equal(t, model.TaskBlocked, dependent.Status)

	_, err := q.ClaimByID(ctx, dependent.ID, "sess-1", "")
	require.Error(t, err)
}

func TestClaimByIDUnknownIDReturnsNotFound(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.ClaimByID(ctx, "00000000-0000-0000-0000-000000000000", "sess-1", "")
	require.Error(t, err)
}

func TestCompleteCascadesBlockedDependents(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	blocker := &model.Task{ID: "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa", WorkingDir: "/tmp", Title: "blocker"}
	require.NoError(t, q.Create(ctx, blocker))

	dependent := &model.Task{
		ID: "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb", WorkingDir: "/tmp", Title: "dependent",
		BlockedBy: []string{blocker.ID},
	}
	require.NoError(t, q.Create(ctx, dependent))

	claimed, err := q.ClaimAny(ctx, store.ClaimFilters{}, "11111111-1111-1111-1111-111111111111", "")
	require.NoError(t, err)
	require.Equal(t, blocker.ID, claimed.ID, "only the unblocked task should be claimable")

	require.NoError(t, q.Start(ctx, blocker.ID))
	require.NoError(t, q.Complete(ctx, blocker.ID, "ok", "finished"))

	claimed, err = q.ClaimAny(ctx, store.ClaimFilters{}, "22222222-2222-2222-2222-222222222222", "")
	require.NoError(t, err)
	require.Equal(t, dependent.ID, claimed.ID, "completing the blocker must cascade dependent to ready")
}

func TestReleaseRevertsClaimedTaskToReadyWithLastError(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	task := &model.Task{ID: "cccccccc-cccc-cccc-cccc-cccccccccccc", WorkingDir: "/tmp", Title: "flaky"}
	require.NoError(t, q.Create(ctx, task))

	claimed, err := q.ClaimAny(ctx, store.ClaimFilters{}, "11111111-1111-1111-1111-111111111111", "")
	require.NoError(t, err)
	require.Equal(t, task.ID, claimed.ID)

	require.NoError(t, q.Release(ctx, task.ID, "agent backend produced empty output"))

	reclaimed, err := q.ClaimAny(ctx, store.ClaimFilters{}, "22222222-2222-2222-2222-222222222222", "")
	require.NoError(t, err)
	require.Equal(t, task.ID, reclaimed.ID, "a released task must be claimable again")
}

func TestFailCascadesSameAsComplete(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	blocker := &model.Task{ID: "dddddddd-dddd-dddd-dddd-dddddddddddd", WorkingDir: "/tmp", Title: "blocker"}
	require.NoError(t, q.Create(ctx, blocker))

	dependent := &model.Task{
		ID: "eeeeeeee-eeee-eeee-eeee-eeeeeeeeeeee", WorkingDir: "/tmp", Title: "dependent",
		BlockedBy: []string{blocker.ID},
	}
	require.NoError(t, q.Create(ctx, dependent))

	require.NoError(t, q.Fail(ctx, blocker.ID, "agent backend crashed"))

	claimed, err := q.ClaimAny(ctx, store.ClaimFilters{}, "11111111-1111-1111-1111-111111111111", "")
	require.NoError(t, err)
	require.Equal(t, dependent.ID, claimed.ID, "blocked_by only tracks done, so a failed predecessor still unblocks its dependent")
}
