package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/meridianhq/meridian/internal/apperr"
	"github.com/meridianhq/meridian/internal/model"
)

// InsertNotification inserts a pending Notification row.
func (s *Store) InsertNotification(ctx context.Context, n *model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (id, session_id, swarm_id, kind, title, body, status, delivery_channel, created_at)
		VALUES ($1, NULLIF($2,''), NULLIF($3,''), $4,$5,$6,$7,$8,$9)`,
		n.ID, n.SessionID, n.SwarmID, n.Kind, n.Title, n.Body, n.Status, n.DeliveryChannel, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

// MarkNotificationDelivered marks a notification delivered.
func (s *Store) MarkNotificationDelivered(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE notifications SET status='delivered', delivered_at=now() WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("marking notification delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// MarkNotificationFailed marks a notification failed with an error.
func (s *Store) MarkNotificationFailed(ctx context.Context, id, lastError string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE notifications SET status='failed', last_error=$2 WHERE id=$1`, id, lastError)
	if err != nil {
		return fmt.Errorf("marking notification failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// AcknowledgeNotification marks a notification acknowledged by its recipient.
func (s *Store) AcknowledgeNotification(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE notifications SET status='acknowledged', acknowledged_at=now() WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("acknowledging notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// ListPendingNotifications returns pending notifications oldest first, for
// the delivery worker to drain.
func (s *Store) ListPendingNotifications(ctx context.Context, limit int) ([]model.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(session_id::text,''), COALESCE(swarm_id::text,''), kind, title, body,
		       status, COALESCE(delivery_channel,''), created_at
		FROM notifications WHERE status = 'pending' ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending notifications: %w", err)
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.SessionID, &n.SwarmID, &n.Kind, &n.Title, &n.Body, &n.Status, &n.DeliveryChannel, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// GetNotification fetches one notification by id.
func (s *Store) GetNotification(ctx context.Context, id string) (*model.Notification, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, COALESCE(session_id::text,''), COALESCE(swarm_id::text,''), kind, title, body,
		       status, COALESCE(delivery_channel,''), created_at
		FROM notifications WHERE id = $1`, id)

	var n model.Notification
	if err := row.Scan(&n.ID, &n.SessionID, &n.SwarmID, &n.Kind, &n.Title, &n.Body, &n.Status, &n.DeliveryChannel, &n.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, fmt.Errorf("scanning notification: %w", err)
	}
	return &n, nil
}
