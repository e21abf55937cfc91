package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// MarkFindingSurfaced records that findingHash has been surfaced to
// sessionID, returning false (no error) if it was already recorded within
// the dedup window — the at-most-once-per-7-day ambient-finding dedup of
// SPEC_FULL.md §4.1 step 2 / §9. The UNIQUE(session_id, finding_hash)
// constraint makes this race-safe without a prior SELECT.
func (s *Store) MarkFindingSurfaced(ctx context.Context, sessionID, findingHash string) (bool, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO surfaced_findings (id, session_id, finding_hash) VALUES ($1,$2,$3)`,
		uuid.NewString(), sessionID, findingHash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, nil
		}
		return false, fmt.Errorf("inserting surfaced finding: %w", err)
	}
	return true, nil
}

// PruneFindingsBefore deletes surfaced_findings rows older than the
// retention horizon, so a hash can be surfaced again after the window.
func (s *Store) PruneFindingsBefore(ctx context.Context, horizon time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM surfaced_findings WHERE surfaced_at < $1`, horizon)
	if err != nil {
		return 0, fmt.Errorf("pruning surfaced findings: %w", err)
	}
	return tag.RowsAffected(), nil
}
