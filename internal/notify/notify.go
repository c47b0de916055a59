// Package notify delivers user-facing events for launch, claim and
// suspension outcomes. Delivery is best effort: callers log failures and
// move on, an undelivered notification never fails the operation behind it.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// Event types.
const (
	EventLaunchCompleted = "launch_completed"
	EventLaunchFailed    = "launch_failed"
	EventLaunchExpired   = "launch_expired"
	EventRefundIssued    = "refund_issued"
	EventRefundFailed    = "refund_failed"
	EventClaimCompleted  = "claim_completed"
	EventTokenSuspended  = "token_suspended"
	EventTradingPaused   = "trading_paused"
)

// Event is the envelope posted to the notification webhook.
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	TokenID   string      `json:"token_id,omitempty"`
	OwnerID   string      `json:"owner_id,omitempty"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
}

// Notifier delivers one event.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// New returns a webhook notifier when a URL is configured, otherwise the
// log-only notifier.
func New(webhookURL string, timeout time.Duration) Notifier {
	if webhookURL == "" {
		return LogNotifier{}
	}
	return NewWebhook(webhookURL, timeout)
}

// LogNotifier writes events to the process log only.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, ev Event) error {
	log.Info().
		Str("event", ev.Type).
		Str("tokenId", ev.TokenID).
		Str("ownerId", ev.OwnerID).
		Msg(ev.Message)
	return nil
}

// WebhookNotifier POSTs events to an operator-configured endpoint. No
// retries: a duplicate notification is worse than a dropped one.
type WebhookNotifier struct {
	url  string
	http *resty.Client
}

func NewWebhook(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url:  url,
		http: resty.New().SetTimeout(timeout),
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	resp, err := n.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(ev).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("notify webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notify webhook: status %d", resp.StatusCode())
	}

	log.Debug().Str("event", ev.Type).Str("tokenId", ev.TokenID).Msg("notification delivered")
	return nil
}
