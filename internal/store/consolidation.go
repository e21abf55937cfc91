package store

import (
	"context"
	"fmt"
	"time"

	"github.com/meridianhq/meridian/internal/model"
)

// ListSessionsNeedingSummary returns sessions whose last_activity is older
// than olderThan and which have no summary yet, for the Consolidation
// Scheduler's summarize phase (SPEC_FULL.md §4.10).
func (s *Store) ListSessionsNeedingSummary(ctx context.Context, olderThan time.Time, limit int) ([]model.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, working_dir, personality, user_id, medium, start_time,
		       last_activity, claude_session_id, sandbox_mode, sandbox_mount_type,
		       sandbox_settings, config, is_locked, created_at, end_time, summary
		FROM sessions
		WHERE last_activity < $1 AND (summary IS NULL OR summary = '')
		ORDER BY last_activity ASC
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions needing summary: %w", err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// ListStaleSessionIDs returns ids of sessions whose last_activity is older
// than before, for the Consolidation Scheduler's prune phase, which runs
// regardless of whether a session already has a summary.
func (s *Store) ListStaleSessionIDs(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM sessions WHERE last_activity < $1`, before)
	if err != nil {
		return nil, fmt.Errorf("querying stale sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning stale session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MergeDuplicateEmotionSnapshots collapses every session's EmotionState
// history down to its latest row, for any session that has had no stimulus
// since that latest snapshot was written — the Consolidation Scheduler's
// merge phase (SPEC_FULL.md §4.10). Returns the number of rows removed.
func (s *Store) MergeDuplicateEmotionSnapshots(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		WITH latest AS (
			SELECT DISTINCT ON (session_id) session_id, id, last_update
			FROM emotion_states
			WHERE session_id IS NOT NULL
			ORDER BY session_id, last_update DESC
		),
		stable AS (
			SELECT l.session_id, l.id AS keep_id
			FROM latest l
			WHERE NOT EXISTS (
				SELECT 1 FROM stimulus_history sh
				WHERE sh.session_id = l.session_id AND sh.timestamp > l.last_update
			)
		)
		DELETE FROM emotion_states es
		USING stable st
		WHERE es.session_id = st.session_id AND es.id <> st.keep_id`)
	if err != nil {
		return 0, fmt.Errorf("merging emotion state snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}
