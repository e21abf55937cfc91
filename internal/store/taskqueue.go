package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meridianhq/meridian/internal/apperr"
	"github.com/meridianhq/meridian/internal/model"
)

// InsertTaskQueueEntry schedules a generic periodic job.
func (s *Store) InsertTaskQueueEntry(ctx context.Context, e *model.TaskQueueEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ScheduledFor.IsZero() {
		e.ScheduledFor = time.Now()
	}
	payloadJSON, err := marshalOptional(e.Payload)
	if err != nil {
		return fmt.Errorf("marshaling task_queue payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO task_queue (id, task_type, payload, status, scheduled_for)
		VALUES ($1,$2,$3,'pending',$4)`,
		e.ID, e.TaskType, payloadJSON, e.ScheduledFor,
	)
	if err != nil {
		return fmt.Errorf("inserting task_queue entry: %w", err)
	}
	return nil
}

// ClaimPendingTask claims the oldest scheduled, pending task_queue entry of
// taskType using FOR UPDATE SKIP LOCKED, mirroring the work queue's
// skip-locked claim semantics (SPEC_FULL.md §4.9).
func (s *Store) ClaimPendingTask(ctx context.Context, taskType, claimedBy string) (*model.TaskQueueEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx, `
		SELECT id, task_type, payload, status, attempt_count, scheduled_for, created_at
		FROM task_queue
		WHERE task_type = $1 AND status = 'pending' AND scheduled_for <= now()
		ORDER BY scheduled_for ASC LIMIT 1 FOR UPDATE SKIP LOCKED`, taskType)

	var e model.TaskQueueEntry
	var payloadJSON []byte
	if err := row.Scan(&e.ID, &e.TaskType, &payloadJSON, &e.Status, &e.AttemptCount, &e.ScheduledFor, &e.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, fmt.Errorf("scanning task_queue entry: %w", err)
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshaling task_queue payload: %w", err)
		}
	}

	now := time.Now()
	_, err = tx.Exec(ctx, `
		UPDATE task_queue SET status='running', claimed_by=$2, claimed_at=$3, attempt_count=attempt_count+1
		WHERE id=$1`, e.ID, claimedBy, now)
	if err != nil {
		return nil, fmt.Errorf("marking task_queue entry running: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	e.Status = model.TaskQueueRunning
	e.ClaimedBy = claimedBy
	e.ClaimedAt = &now
	e.AttemptCount++
	return &e, nil
}

// MarkTaskQueueCompleted marks an entry completed.
func (s *Store) MarkTaskQueueCompleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE task_queue SET status='completed', completed_at=now() WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("marking task_queue entry completed: %w", err)
	}
	return nil
}

// MarkTaskQueueFailed marks an entry failed and records the error.
func (s *Store) MarkTaskQueueFailed(ctx context.Context, id, lastError string) error {
	_, err := s.pool.Exec(ctx, `UPDATE task_queue SET status='failed', last_error=$2, completed_at=now() WHERE id=$1`, id, lastError)
	if err != nil {
		return fmt.Errorf("marking task_queue entry failed: %w", err)
	}
	return nil
}

// InsertConsolidationRun records one consolidation pass's stats.
func (s *Store) InsertConsolidationRun(ctx context.Context, r *model.ConsolidationRun) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO consolidation_runs (
			id, task_queue_id, started_at, completed_at, sessions_scanned,
			summaries_written, merges_performed, communities_built, error
		) VALUES ($1, NULLIF($2,''), $3,$4,$5,$6,$7,$8,$9)`,
		r.ID, r.TaskQueueID, r.StartedAt, r.CompletedAt, r.SessionsScanned,
		r.SummariesWritten, r.MergesPerformed, r.CommunitiesBuilt, r.Error,
	)
	if err != nil {
		return fmt.Errorf("inserting consolidation run: %w", err)
	}
	return nil
}
