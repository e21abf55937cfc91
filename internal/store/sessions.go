package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meridianhq/meridian/internal/apperr"
	"github.com/meridianhq/meridian/internal/model"
)

// CreateSession inserts a new Session row.
func (s *Store) CreateSession(ctx context.Context, sess *model.Session) error {
	cfgJSON, err := json.Marshal(sess.Config)
	if err != nil {
		return fmt.Errorf("marshaling session config: %w", err)
	}
	settingsJSON, err := marshalOptional(sess.SandboxSettings)
	if err != nil {
		return fmt.Errorf("marshaling sandbox settings: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (
			id, name, working_dir, personality, user_id, medium, start_time,
			last_activity, claude_session_id, sandbox_mode, sandbox_mount_type,
			sandbox_settings, config, is_locked, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		sess.ID, sess.Name, sess.WorkingDir, sess.Personality, sess.UserID, sess.Medium,
		sess.StartTime, sess.LastActivity, sess.ClaudeSessionID, sess.SandboxMode,
		sess.SandboxMountType, settingsJSON, cfgJSON, sess.IsLocked, sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// LoadSession fetches a session by id.
func (s *Store) LoadSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, working_dir, personality, user_id, medium, start_time,
		       last_activity, claude_session_id, sandbox_mode, sandbox_mount_type,
		       sandbox_settings, config, is_locked, created_at, end_time, summary
		FROM sessions WHERE id = $1`, id)

	return scanSession(row)
}

func scanSession(row rowScanner) (*model.Session, error) {
	var sess model.Session
	var settingsJSON, cfgJSON []byte
	var summary *string
	if err := row.Scan(
		&sess.ID, &sess.Name, &sess.WorkingDir, &sess.Personality, &sess.UserID, &sess.Medium,
		&sess.StartTime, &sess.LastActivity, &sess.ClaudeSessionID, &sess.SandboxMode,
		&sess.SandboxMountType, &settingsJSON, &cfgJSON, &sess.IsLocked, &sess.CreatedAt,
		&sess.EndTime, &summary,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	if summary != nil {
		sess.Summary = *summary
	}
	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &sess.SandboxSettings); err != nil {
			return nil, fmt.Errorf("unmarshaling sandbox settings: %w", err)
		}
	}
	if len(cfgJSON) > 0 {
		if err := json.Unmarshal(cfgJSON, &sess.Config); err != nil {
			return nil, fmt.Errorf("unmarshaling session config: %w", err)
		}
	}
	return &sess, nil
}

// ListSessions returns sessions ordered most-recent-first, optionally
// filtered by user_id, for the session-list HTTP endpoint.
func (s *Store) ListSessions(ctx context.Context, userID string, limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows pgx.Rows
	var err error
	const cols = `id, name, working_dir, personality, user_id, medium, start_time,
		       last_activity, claude_session_id, sandbox_mode, sandbox_mount_type,
		       sandbox_settings, config, is_locked, created_at, end_time, summary`
	if userID != "" {
		rows, err = s.pool.Query(ctx, `SELECT `+cols+` FROM sessions WHERE user_id = $1 ORDER BY last_activity DESC LIMIT $2`, userID, limit)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+cols+` FROM sessions ORDER BY last_activity DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
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

// SessionFields names the columns UpdateSessionFields will set, non-nil
// pointers only. Mirrors the teacher's partial-update pattern for
// alert_sessions without pulling in a generated builder.
type SessionFields struct {
	LastActivity    *time.Time
	ClaudeSessionID *string
	Config          *model.SessionConfig
	SandboxMode     *bool
	SandboxSettings map[string]any
	IsLocked        *bool
	EndTime         *time.Time
	Summary         *string
}

// UpdateSessionFields applies a partial update to a session row.
func (s *Store) UpdateSessionFields(ctx context.Context, id string, f SessionFields) error {
	sets := make([]string, 0, 8)
	args := make([]any, 0, 9)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if f.LastActivity != nil {
		add("last_activity", *f.LastActivity)
	}
	if f.ClaudeSessionID != nil {
		add("claude_session_id", *f.ClaudeSessionID)
	}
	if f.Config != nil {
		cfgJSON, err := json.Marshal(f.Config)
		if err != nil {
			return fmt.Errorf("marshaling session config: %w", err)
		}
		add("config", cfgJSON)
	}
	if f.SandboxMode != nil {
		add("sandbox_mode", *f.SandboxMode)
	}
	if f.SandboxSettings != nil {
		settingsJSON, err := json.Marshal(f.SandboxSettings)
		if err != nil {
			return fmt.Errorf("marshaling sandbox settings: %w", err)
		}
		add("sandbox_settings", settingsJSON)
	}
	if f.IsLocked != nil {
		add("is_locked", *f.IsLocked)
	}
	if f.EndTime != nil {
		add("end_time", *f.EndTime)
	}
	if f.Summary != nil {
		add("summary", *f.Summary)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := "UPDATE sessions SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += fmt.Sprintf(" WHERE id = $%d", len(args))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// LockSession marks a session locked (sandbox gone, no further queries).
func (s *Store) LockSession(ctx context.Context, id string) error {
	locked := true
	return s.UpdateSessionFields(ctx, id, SessionFields{IsLocked: &locked})
}

func marshalOptional(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
