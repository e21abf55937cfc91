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

// InsertTask inserts a new work-queue Task row. Status is computed from
// BlockedBy: ready if empty or every referenced task is already done,
// blocked otherwise (SPEC_FULL.md §3 invariant: "a task is ready iff all ids
// in blocked_by are done").
func (s *Store) InsertTask(ctx context.Context, t *model.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	t.Status = model.TaskReady
	if len(t.BlockedBy) > 0 {
		var doneCount int
		if err := s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM tasks WHERE id = ANY($1::uuid[]) AND status = 'done'`,
			t.BlockedBy,
		).Scan(&doneCount); err != nil {
			return fmt.Errorf("checking blocked_by status: %w", err)
		}
		if doneCount < len(t.BlockedBy) {
			t.Status = model.TaskBlocked
		}
	}

	scopeJSON, err := marshalStrings(t.ScopePaths)
	if err != nil {
		return fmt.Errorf("marshaling scope_paths: %w", err)
	}
	toolsJSON, err := marshalStrings(t.RequiredTools)
	if err != nil {
		return fmt.Errorf("marshaling required_tools: %w", err)
	}
	tagsJSON, err := marshalStrings(t.Tags)
	if err != nil {
		return fmt.Errorf("marshaling tags: %w", err)
	}
	blockedJSON, err := marshalStrings(t.BlockedBy)
	if err != nil {
		return fmt.Errorf("marshaling blocked_by: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (
			id, working_dir, title, description, acceptance_criteria, context_summary,
			scope_paths, required_tools, task_type, tags, priority, status, blocked_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		t.ID, t.WorkingDir, t.Title, t.Description, t.AcceptanceCriteria, t.ContextSummary,
		scopeJSON, toolsJSON, t.TaskType, tagsJSON, t.Priority, t.Status, blockedJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// ClaimFilters narrows which ready task an actor may claim.
type ClaimFilters struct {
	WorkingDir    string
	TaskType      string   // exact match, used by single-type claimers
	TaskTypes     []string // if set, task_type must be one of these (autonomous swarm agents)
	RequiredTools []string // claimer must offer a superset of each listed tool
}

// ClaimTaskAtomically claims the highest-priority, oldest, ready task
// matching filters using FOR UPDATE SKIP LOCKED, giving linearizable claim
// semantics: two claimers never win the same task (SPEC_FULL.md §5).
func (s *Store) ClaimTaskAtomically(ctx context.Context, filters ClaimFilters, claimedBySessionID, claimedByAgentID string) (*model.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := `
		SELECT id, working_dir, title, description, acceptance_criteria, context_summary,
		       scope_paths, required_tools, task_type, tags, priority, status, blocked_by,
		       attempt_count, created_at, updated_at
		FROM tasks
		WHERE status = 'ready'`
	args := []any{}
	if filters.WorkingDir != "" {
		args = append(args, filters.WorkingDir)
		query += fmt.Sprintf(" AND working_dir = $%d", len(args))
	}
	if filters.TaskType != "" {
		args = append(args, filters.TaskType)
		query += fmt.Sprintf(" AND task_type = $%d", len(args))
	}
	if len(filters.TaskTypes) > 0 {
		args = append(args, filters.TaskTypes)
		query += fmt.Sprintf(" AND task_type = ANY($%d::text[])", len(args))
	}
	if len(filters.RequiredTools) > 0 {
		offered, err := marshalStrings(filters.RequiredTools)
		if err != nil {
			return nil, fmt.Errorf("marshaling required_tools filter: %w", err)
		}
		args = append(args, offered)
		query += fmt.Sprintf(" AND (required_tools IS NULL OR required_tools <@ $%d::jsonb)", len(args))
	}
	query += " ORDER BY priority DESC, created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED"

	row := tx.QueryRow(ctx, query, args...)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}

	now := time.Now()
	_, err = tx.Exec(ctx, `
		UPDATE tasks SET status='claimed', claimed_by_session_id=NULLIF($2,''),
		                 claimed_by_agent_id=NULLIF($3,''), claimed_at=$4,
		                 attempt_count=attempt_count+1, updated_at=$4
		WHERE id=$1`, t.ID, claimedBySessionID, claimedByAgentID, now)
	if err != nil {
		return nil, fmt.Errorf("marking task claimed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	t.Status = model.TaskClaimed
	t.ClaimedBySessionID = claimedBySessionID
	t.ClaimedByAgentID = claimedByAgentID
	t.ClaimedAt = &now
	t.AttemptCount++
	return t, nil
}

// ClaimTaskByID claims one specific task, for the HTTP "claim this task"
// endpoint (distinct from ClaimTaskAtomically's claim-any-ready-task used by
// autonomous swarm agents). Returns apperr.ErrNotFound if the id does not
// exist, apperr.ErrValidation if it exists but is not ready, apperr.ErrRace
// if a concurrent claimer won first (SKIP LOCKED finds it already locked).
func (s *Store) ClaimTaskByID(ctx context.Context, id, claimedBySessionID, claimedByAgentID string) (*model.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var status model.TaskStatus
	err = tx.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1 FOR UPDATE SKIP LOCKED`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if checkErr := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists); checkErr == nil && exists {
			return nil, apperr.ErrRace
		}
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("locking task: %w", err)
	}
	if status != model.TaskReady {
		return nil, apperr.ErrValidation
	}

	now := time.Now()
	if _, err := tx.Exec(ctx, `
		UPDATE tasks SET status='claimed', claimed_by_session_id=NULLIF($2,''),
		                 claimed_by_agent_id=NULLIF($3,''), claimed_at=$4,
		                 attempt_count=attempt_count+1, updated_at=$4
		WHERE id=$1`, id, claimedBySessionID, claimedByAgentID, now); err != nil {
		return nil, fmt.Errorf("marking task claimed: %w", err)
	}

	row := tx.QueryRow(ctx, `
		SELECT id, working_dir, title, description, acceptance_criteria, context_summary,
		       scope_paths, required_tools, task_type, tags, priority, status, blocked_by,
		       attempt_count, created_at, updated_at
		FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return t, nil
}

func scanTask(row rowScanner) (*model.Task, error) {
	var t model.Task
	var scopeJSON, toolsJSON, tagsJSON, blockedJSON []byte
	if err := row.Scan(
		&t.ID, &t.WorkingDir, &t.Title, &t.Description, &t.AcceptanceCriteria, &t.ContextSummary,
		&scopeJSON, &toolsJSON, &t.TaskType, &tagsJSON, &t.Priority, &t.Status, &blockedJSON,
		&t.AttemptCount, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, fmt.Errorf("scanning task: %w", err)
	}
	if len(scopeJSON) > 0 {
		json.Unmarshal(scopeJSON, &t.ScopePaths) //nolint:errcheck
	}
	if len(toolsJSON) > 0 {
		json.Unmarshal(toolsJSON, &t.RequiredTools) //nolint:errcheck
	}
	if len(tagsJSON) > 0 {
		json.Unmarshal(tagsJSON, &t.Tags) //nolint:errcheck
	}
	if len(blockedJSON) > 0 {
		json.Unmarshal(blockedJSON, &t.BlockedBy) //nolint:errcheck
	}
	return &t, nil
}

// TaskUpdateFields names the columns UpdateTask will set, non-nil pointers
// only.
type TaskUpdateFields struct {
	Status          *model.TaskStatus
	Outcome         *string
	CompletionNotes *string
	LastError       *string
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// UpdateTask applies a partial update to a task row. Does not itself cascade
// blocked_by changes; callers that complete a task should follow with
// RefreshBlockedCascade.
func (s *Store) UpdateTask(ctx context.Context, id string, f TaskUpdateFields) error {
	sets := []string{"updated_at = now()"}
	args := make([]any, 0, 6)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if f.Status != nil {
		add("status", *f.Status)
	}
	if f.Outcome != nil {
		add("outcome", *f.Outcome)
	}
	if f.CompletionNotes != nil {
		add("completion_notes", *f.CompletionNotes)
	}
	if f.LastError != nil {
		add("last_error", *f.LastError)
	}
	if f.StartedAt != nil {
		add("started_at", *f.StartedAt)
	}
	if f.CompletedAt != nil {
		add("completed_at", *f.CompletedAt)
	}

	args = append(args, id)
	query := "UPDATE tasks SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += fmt.Sprintf(" WHERE id = $%d", len(args))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// ReleaseTask reverts a claimed/in_progress task to ready, clearing its
// claimant. lastError, if non-empty, is retained on the row (SPEC_FULL.md
// §4.6's "Release" operation).
func (s *Store) ReleaseTask(ctx context.Context, id string, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'ready', claimed_by_session_id = NULL, claimed_by_agent_id = NULL,
		    claimed_at = NULL, last_error = CASE WHEN $2 <> '' THEN $2 ELSE last_error END,
		    updated_at = now()
		WHERE id = $1 AND status IN ('claimed', 'in_progress')`, id, lastError)
	if err != nil {
		return fmt.Errorf("releasing task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrRace
	}
	return nil
}

// RefreshBlockedCascade re-evaluates every blocked task that names doneID in
// its blocked_by list: a task becomes ready once all of its blockers are
// done (SPEC_FULL.md §3 invariant).
func (s *Store) RefreshBlockedCascade(ctx context.Context, doneID string) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, blocked_by FROM tasks
		WHERE status = 'blocked' AND blocked_by @> to_jsonb($1::text)`, doneID)
	if err != nil {
		return fmt.Errorf("querying blocked tasks: %w", err)
	}
	type candidate struct {
		id        string
		blockedBy []string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		var blockedJSON []byte
		if err := rows.Scan(&c.id, &blockedJSON); err != nil {
			rows.Close()
			return fmt.Errorf("scanning blocked task: %w", err)
		}
		json.Unmarshal(blockedJSON, &c.blockedBy) //nolint:errcheck
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, c := range candidates {
		remaining := make([]string, 0, len(c.blockedBy))
		for _, id := range c.blockedBy {
			if id != doneID {
				remaining = append(remaining, id)
			}
		}

		remainingJSON, err := marshalStrings(remaining)
		if err != nil {
			return fmt.Errorf("marshaling blocked_by for %s: %w", c.id, err)
		}

		status := model.TaskBlocked
		if len(remaining) == 0 {
			status = model.TaskReady
		} else {
			var doneCount int
			if err := s.pool.QueryRow(ctx, `
				SELECT COUNT(*) FROM tasks WHERE id = ANY($1::uuid[]) AND status = 'done'`,
				remaining).Scan(&doneCount); err != nil {
				return fmt.Errorf("counting blockers for %s: %w", c.id, err)
			}
			if doneCount == len(remaining) {
				status = model.TaskReady
			}
		}

		if _, err := s.pool.Exec(ctx,
			`UPDATE tasks SET blocked_by=$1, status=$2, updated_at=now() WHERE id=$3`,
			remainingJSON, status, c.id); err != nil {
			return fmt.Errorf("releasing task %s: %w", c.id, err)
		}
	}
	return nil
}

// DeleteTask removes a task row.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// ListReadyTasks returns ready tasks ordered by priority desc, created_at asc.
func (s *Store) ListReadyTasks(ctx context.Context, limit int) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, working_dir, title, description, acceptance_criteria, context_summary,
		       scope_paths, required_tools, task_type, tags, priority, status, blocked_by,
		       attempt_count, created_at, updated_at
		FROM tasks WHERE status = 'ready' ORDER BY priority DESC, created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying ready tasks: %w", err)
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
