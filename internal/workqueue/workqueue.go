// Package workqueue is the Work Queue component (C10): a thin
// orchestration-facing wrapper over internal/store's task tables that adds
// the transition side effects (started_at/completed_at, cascading
// RefreshBlockedCascade) SPEC_FULL.md §4.6 assigns to the "Update"
// operation, so callers never have to remember to drive both by hand.
//
// Grounded on pkg/agent/orchestrator/runner.go's thin-orchestration-layer
// shape: the runner wraps persistence calls with the few side effects its
// callers always need, rather than re-deriving them at each call site.
package workqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/meridianhq/meridian/internal/model"
	"github.com/meridianhq/meridian/internal/store"
)

// Queue wraps the work-queue's store methods with the orchestration
// behaviors callers (the swarm orchestrator's autonomous agents, the HTTP
// API) need around task state transitions.
type Queue struct {
	store *store.Store
}

// New builds a Queue over an already-open Store.
func New(s *store.Store) *Queue {
	return &Queue{store: s}
}

// Create inserts a new task, computing ready-vs-blocked from blocked_by.
func (q *Queue) Create(ctx context.Context, t *model.Task) error {
	return q.store.InsertTask(ctx, t)
}

// ClaimAny claims the highest-priority, oldest ready task matching filters.
// Used by the swarm orchestrator's autonomous task-claiming loop, which has
// no specific task id in mind — only a working_dir/task_types/capabilities
// filter (SPEC_FULL.md §4.5's "Autonomous mode"). Returns apperr.ErrNotFound
// if nothing ready matches.
func (q *Queue) ClaimAny(ctx context.Context, filters store.ClaimFilters, claimedBySessionID, claimedByAgentID string) (*model.Task, error) {
	return q.store.ClaimTaskAtomically(ctx, filters, claimedBySessionID, claimedByAgentID)
}

// ClaimByID claims one specific task by id, for the HTTP "claim this task"
// endpoint. Returns apperr.ErrNotFound if the id does not exist,
// apperr.ErrValidation if it exists but is not ready, apperr.ErrRace if a
// concurrent claimer won first — the three outcomes SPEC_FULL.md §4.6 maps
// to 404/400/400 respectively.
func (q *Queue) ClaimByID(ctx context.Context, id, claimedBySessionID, claimedByAgentID string) (*model.Task, error) {
	return q.store.ClaimTaskByID(ctx, id, claimedBySessionID, claimedByAgentID)
}

// Release reverts a claimed/in_progress task to ready and clears its
// claimant, retaining lastError (if non-empty) on the row. Used when an
// agent backend invocation produces empty output (SPEC_FULL.md §4.5 line
// 162: "revert to ready with last_error on empty output").
func (q *Queue) Release(ctx context.Context, id string, lastError string) error {
	return q.store.ReleaseTask(ctx, id, lastError)
}

// Start marks a claimed task in_progress and stamps started_at. Safe to
// call even if the task is already in_progress (idempotent re-stamping is
// harmless; the store layer does not reject it).
func (q *Queue) Start(ctx context.Context, id string) error {
	status := model.TaskInProgress
	now := time.Now()
	return q.store.UpdateTask(ctx, id, store.TaskUpdateFields{
		Status:    &status,
		StartedAt: &now,
	})
}

// Complete marks a task done, stamps completed_at, records outcome and
// completionNotes, and cascades RefreshBlockedCascade so any task whose
// blocked_by now resolves entirely to done becomes ready in the same call
// (SPEC_FULL.md §3's "a task is ready iff all ids in blocked_by are done"
// invariant, re-checked on every completion, not just at creation time).
func (q *Queue) Complete(ctx context.Context, id, outcome, completionNotes string) error {
	status := model.TaskDone
	now := time.Now()
	if err := q.store.UpdateTask(ctx, id, store.TaskUpdateFields{
		Status:          &status,
		Outcome:         &outcome,
		CompletionNotes: &completionNotes,
		CompletedAt:     &now,
	}); err != nil {
		return err
	}
	if err := q.store.RefreshBlockedCascade(ctx, id); err != nil {
		return fmt.Errorf("workqueue: cascading completion of %s: %w", id, err)
	}
	return nil
}

// Fail marks a task done with outcome "failed", retaining lastError, and
// still cascades: a failed predecessor unblocks dependents exactly the same
// way a succeeded one does (dependents decide for themselves, via their own
// condition expressions in the swarm orchestrator, whether a failed
// predecessor should gate them — the queue itself only tracks "blocked_by
// done", not "blocked_by succeeded").
func (q *Queue) Fail(ctx context.Context, id, lastError string) error {
	status := model.TaskDone
	outcome := "failed"
	now := time.Now()
	if err := q.store.UpdateTask(ctx, id, store.TaskUpdateFields{
		Status:      &status,
		Outcome:     &outcome,
		LastError:   &lastError,
		CompletedAt: &now,
	}); err != nil {
		return err
	}
	if err := q.store.RefreshBlockedCascade(ctx, id); err != nil {
		return fmt.Errorf("workqueue: cascading failure of %s: %w", id, err)
	}
	return nil
}

// Cancel marks a task cancelled without touching blocked_by cascades —
// a cancelled task never becomes "done", so dependents stay blocked.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	status := model.TaskCancelled
	return q.store.UpdateTask(ctx, id, store.TaskUpdateFields{Status: &status})
}

// Delete removes a task row outright.
func (q *Queue) Delete(ctx context.Context, id string) error {
	return q.store.DeleteTask(ctx, id)
}

// ListReady returns ready tasks ordered by priority desc, created_at asc,
// for the work-queue listing endpoint.
func (q *Queue) ListReady(ctx context.Context, limit int) ([]model.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	return q.store.ListReadyTasks(ctx, limit)
}
