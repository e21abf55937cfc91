// Package notify is the Notification Service (A4): CRUD over the
// notifications table plus best-effort delivery through a pluggable
// Deliverer, per SPEC_FULL.md §4.11.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/internal/apperr"
	"github.com/meridianhq/meridian/internal/model"
	"github.com/meridianhq/meridian/internal/store"
)

// Deliverer posts a notification to some external channel. Implementations
// must be fail-open: Service logs a delivery error and marks the
// notification failed rather than propagating it to the caller of Create.
type Deliverer interface {
	Deliver(ctx context.Context, channel string, n *model.Notification) error
}

// Service wraps the store's notification CRUD with best-effort delivery.
type Service struct {
	store     *store.Store
	deliverer Deliverer
	logger    *slog.Logger
}

// New builds a Service. deliverer may be nil, in which case Create persists
// notifications but never attempts delivery.
func New(st *store.Store, deliverer Deliverer) *Service {
	return &Service{
		store:     st,
		deliverer: deliverer,
		logger:    slog.Default().With("component", "notify"),
	}
}

// CreateInput is the set of fields a caller supplies when raising a
// notification; channel is the session's notify_channel, empty when the
// session has none configured or this notification is not session-scoped.
type CreateInput struct {
	SessionID string
	SwarmID   string
	Kind      string
	Title     string
	Body      string
	Channel   string
}

// Create persists a pending notification and, if a channel and a Deliverer
// are both present, attempts delivery inline before returning. Delivery
// failure does not fail Create: the notification row is marked failed with
// the error recorded, and the caller gets the notification back regardless.
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.Notification, error) {
	n := &model.Notification{
		ID:              uuid.NewString(),
		SessionID:       in.SessionID,
		SwarmID:         in.SwarmID,
		Kind:            in.Kind,
		Title:           in.Title,
		Body:            in.Body,
		Status:          model.NotificationPending,
		DeliveryChannel: in.Channel,
		CreatedAt:       time.Now(),
	}
	if err := s.store.InsertNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("notify: creating notification: %w", err)
	}

	if in.Channel == "" || s.deliverer == nil {
		return n, nil
	}

	if err := s.deliverer.Deliver(ctx, in.Channel, n); err != nil {
		s.logger.Warn("delivering notification", "notification_id", n.ID, "channel", in.Channel, "error", err)
		if markErr := s.store.MarkNotificationFailed(ctx, n.ID, err.Error()); markErr != nil {
			s.logger.Warn("marking notification failed", "notification_id", n.ID, "error", markErr)
		}
		n.Status = model.NotificationFailed
		n.LastError = err.Error()
		return n, nil
	}

	if err := s.store.MarkNotificationDelivered(ctx, n.ID); err != nil {
		s.logger.Warn("marking notification delivered", "notification_id", n.ID, "error", err)
		return n, nil
	}
	n.Status = model.NotificationDelivered
	return n, nil
}

// List returns pending notifications oldest first, for the HTTP surface's
// notification listing endpoint.
func (s *Service) List(ctx context.Context, limit int) ([]model.Notification, error) {
	return s.store.ListPendingNotifications(ctx, limit)
}

// Get fetches one notification by id.
func (s *Service) Get(ctx context.Context, id string) (*model.Notification, error) {
	return s.store.GetNotification(ctx, id)
}

// Acknowledge marks a notification acknowledged by its recipient.
func (s *Service) Acknowledge(ctx context.Context, id string) error {
	if err := s.store.AcknowledgeNotification(ctx, id); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		return fmt.Errorf("notify: acknowledging notification %s: %w", id, err)
	}
	return nil
}

// Fail marks a notification failed with the given reason, for callers that
// need to record a delivery failure discovered outside of Create (e.g. a
// manual retry path reported back over the HTTP surface).
func (s *Service) Fail(ctx context.Context, id, reason string) error {
	if err := s.store.MarkNotificationFailed(ctx, id, reason); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		return fmt.Errorf("notify: failing notification %s: %w", id, err)
	}
	return nil
}
