//go:build integration

package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meridianhq/meridian/internal/model"
	"github.com/meridianhq/meridian/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
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
	return st
}

func TestCreateWithoutChannelNeverCallsDeliverer(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	deliverer := &recordingDeliverer{}
	svc := New(st, deliverer)

	n, err := svc.Create(ctx, CreateInput{Kind: "test", Title: "hello", Body: "world"})
	require.NoError(t, err)
	assert.Equal(t, model.NotificationPending, n.Status)
	assert.Zero(t, deliverer.calls)
}

func TestCreateWithChannelDeliversAndMarksDelivered(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	var received slackWebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := New(st, NewSlackWebhookDeliverer())
	n, err := svc.Create(ctx, CreateInput{Kind: "test", Title: "build finished", Body: "all green", Channel: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, model.NotificationDelivered, n.Status)
	assert.Contains(t, received.Text, "build finished")
	assert.Contains(t, received.Text, "all green")
}

func TestCreateWithChannelMarksFailedOnNon2xx(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc := New(st, NewSlackWebhookDeliverer())
	n, err := svc.Create(ctx, CreateInput{Kind: "test", Title: "oops", Channel: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, model.NotificationFailed, n.Status)
	assert.NotEmpty(t, n.LastError)
}

func TestAcknowledgeMarksNotificationAcknowledged(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	svc := New(st, nil)

	n, err := svc.Create(ctx, CreateInput{Kind: "test", Title: "ping"})
	require.NoError(t, err)

	require.NoError(t, svc.Acknowledge(ctx, n.ID))

	got, err := svc.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationAcknowledged, got.Status)
}

type recordingDeliverer struct {
	calls int
}

func (r *recordingDeliverer) Deliver(ctx context.Context, channel string, n *model.Notification) error {
	r.calls++
	return nil
}

var _ Deliverer = (*recordingDeliverer)(nil)
