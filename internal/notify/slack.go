package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/meridianhq/meridian/internal/model"
)

// SlackWebhookDeliverer posts notifications to a Slack Incoming Webhook
// URL. Grounded on the teacher's pkg/slack client, trimmed to its
// HTTP-post surface: an incoming webhook takes a channel-bound URL and a
// plain JSON body, so there is no bot token, channel id, or threading/
// fingerprint lookup to carry over from pkg/slack.Client.PostMessage's
// chat.postMessage call.
type SlackWebhookDeliverer struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewSlackWebhookDeliverer builds a deliverer that posts to whatever
// webhook URL Deliver is called with (the session's notify_channel).
func NewSlackWebhookDeliverer() *SlackWebhookDeliverer {
	return &SlackWebhookDeliverer{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		timeout:    10 * time.Second,
	}
}

type slackWebhookPayload struct {
	Text string `json:"text"`
}

// Deliver posts n's title and body as a single Slack message to channel, a
// webhook URL. Returns an error on any non-2xx response.
func (d *SlackWebhookDeliverer) Deliver(ctx context.Context, channel string, n *model.Notification) error {
	text := n.Title
	if n.Body != "" {
		text = fmt.Sprintf("*%s*\n%s", n.Title, n.Body)
	}
	body, err := json.Marshal(slackWebhookPayload{Text: text})
	if err != nil {
		return fmt.Errorf("encoding slack payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, channel, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building slack webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting to slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

var _ Deliverer = (*SlackWebhookDeliverer)(nil)
