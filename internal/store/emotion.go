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

// appraisalBlob is the JSON shape of the emotion_states.appraisal_data
// column: the active map plus the last decay time, per SPEC_FULL.md §3.
type appraisalBlob struct {
	ActiveMap     model.ActiveMap `json:"active_map"`
	LastDecayTime time.Time       `json:"last_decay_time"`
}

// InsertEmotionState persists a new EmotionState snapshot.
func (s *Store) InsertEmotionState(ctx context.Context, st *model.EmotionState) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	appraisalJSON, err := json.Marshal(appraisalBlob{ActiveMap: st.ActiveMap, LastDecayTime: st.LastDecayTime})
	if err != nil {
		return fmt.Errorf("marshaling appraisal data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO emotion_states (
			id, session_id, primary_emotion, primary_intensity, secondary_emotion,
			secondary_intensity, overall_intensity, appraisal_data, trigger_data, last_update
		) VALUES ($1, NULLIF($2,''), $3,$4,$5,$6,$7,$8,$9,$10)`,
		st.ID, st.SessionID, st.PrimaryEmotion, st.PrimaryIntensity, st.SecondaryEmotion,
		st.SecondaryIntensity, st.OverallIntensity, appraisalJSON, st.TriggerReasoning, st.LastUpdate,
	)
	if err != nil {
		return fmt.Errorf("inserting emotion state: %w", err)
	}
	return nil
}

// LoadLatestEmotionState loads the most recent EmotionState for sessionID
// (empty string selects the daemon-global scope). Returns apperr.ErrNotFound
// if none exists yet.
func (s *Store) LoadLatestEmotionState(ctx context.Context, sessionID string) (*model.EmotionState, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, COALESCE(session_id::text, ''), COALESCE(primary_emotion, ''), primary_intensity,
		       COALESCE(secondary_emotion, ''), COALESCE(secondary_intensity, 0),
		       overall_intensity, appraisal_data, COALESCE(trigger_data, ''), last_update
		FROM emotion_states
		WHERE session_id IS NOT DISTINCT FROM NULLIF($1,'')
		ORDER BY last_update DESC LIMIT 1`, sessionID)

	var out model.EmotionState
	var appraisalJSON []byte
	if err := row.Scan(
		&out.ID, &out.SessionID, &out.PrimaryEmotion, &out.PrimaryIntensity,
		&out.SecondaryEmotion, &out.SecondaryIntensity, &out.OverallIntensity,
		&appraisalJSON, &out.TriggerReasoning, &out.LastUpdate,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, fmt.Errorf("scanning emotion state: %w", err)
	}
	if len(appraisalJSON) > 0 {
		var blob appraisalBlob
		if err := json.Unmarshal(appraisalJSON, &blob); err != nil {
			return nil, fmt.Errorf("unmarshaling appraisal data: %w", err)
		}
		out.ActiveMap = blob.ActiveMap
		out.LastDecayTime = blob.LastDecayTime
	}
	return &out, nil
}

// InsertStimulusHistory appends a StimulusHistory row.
func (s *Store) InsertStimulusHistory(ctx context.Context, h *model.StimulusHistory) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	ctxJSON, err := json.Marshal(h.Context)
	if err != nil {
		return fmt.Errorf("marshaling stimulus context: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO stimulus_history (id, session_id, timestamp, stimulus_type, valence, intensity, context)
		VALUES ($1, NULLIF($2,''), $3,$4,$5,$6,$7)`,
		h.ID, h.SessionID, h.Timestamp, h.StimulusType, h.Valence, h.Intensity, ctxJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting stimulus history: %w", err)
	}
	return nil
}

// LoadRecentStimulusHistory loads up to limit rows for sessionID since the
// given time, ordered ascending, for appraisal-engine context restoration.
func (s *Store) LoadRecentStimulusHistory(ctx context.Context, sessionID string, since time.Time, limit int) ([]model.StimulusHistory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, timestamp, stimulus_type, valence, intensity, context
		FROM stimulus_history
		WHERE session_id IS NOT DISTINCT FROM NULLIF($1,'') AND timestamp >= $2
		ORDER BY timestamp ASC
		LIMIT $3`, sessionID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("querying stimulus history: %w", err)
	}
	defer rows.Close()

	var out []model.StimulusHistory
	for rows.Next() {
		var h model.StimulusHistory
		h.SessionID = sessionID
		var ctxJSON []byte
		if err := rows.Scan(&h.ID, &h.Timestamp, &h.StimulusType, &h.Valence, &h.Intensity, &ctxJSON); err != nil {
			return nil, fmt.Errorf("scanning stimulus history row: %w", err)
		}
		if len(ctxJSON) > 0 {
			if err := json.Unmarshal(ctxJSON, &h.Context); err != nil {
				return nil, fmt.Errorf("unmarshaling stimulus context: %w", err)
			}
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// PruneStimulusHistory deletes rows for sessionID older than before, keeping
// at least keep of the most recent rows — used by the Consolidation
// Scheduler's prune phase (SPEC_FULL.md §4.10).
func (s *Store) PruneStimulusHistory(ctx context.Context, sessionID string, before time.Time, keep int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM stimulus_history
		WHERE id IN (
			SELECT id FROM stimulus_history
			WHERE session_id IS NOT DISTINCT FROM NULLIF($1,'') AND timestamp < $2
			ORDER BY timestamp ASC
			LIMIT (SELECT GREATEST(0, COUNT(*) - $3) FROM stimulus_history
			        WHERE session_id IS NOT DISTINCT FROM NULLIF($1,'') AND timestamp < $2)
		)`, sessionID, before, keep)
	if err != nil {
		return 0, fmt.Errorf("pruning stimulus history: %w", err)
	}
	return tag.RowsAffected(), nil
}
