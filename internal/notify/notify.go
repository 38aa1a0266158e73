// Package notify delivers booking lifecycle notifications to per-user
// webhook endpoints. Delivery is asynchronous and best-effort: a failed
// delivery is recorded on the subscription and logged, never surfaced to
// the transition that triggered it.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mkarlsso/trustbook/internal/events"
	"github.com/mkarlsso/trustbook/internal/metrics"
)

// Subscription is one user's webhook endpoint.
type Subscription struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	URL         string        `json:"url"`
	Secret      string        `json:"-"` // HMAC signing key
	Events      []events.Type `json:"events"` // empty means all
	Active      bool          `json:"active"`
	CreatedAt   time.Time     `json:"created_at"`
	LastSuccess *time.Time    `json:"last_success,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
}

// wants reports whether the subscription covers the event type.
func (s *Subscription) wants(t events.Type) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists notification subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByUser(ctx context.Context, userID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher subscribes to the event bus and posts each event to the
// webhook endpoints of the booking's customer and provider.
type Dispatcher struct {
	store  Store
	client *http.Client
	logger *slog.Logger
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Handle implements events.Subscriber.
func (d *Dispatcher) Handle(ctx context.Context, ev events.Event) {
	for _, userID := range recipients(ev) {
		subs, err := d.store.GetByUser(ctx, userID)
		if err != nil {
			d.logger.Warn("failed to load notification subscriptions",
				"user_id", userID, "error", err)
			continue
		}
		for _, sub := range subs {
			if !sub.Active || !sub.wants(ev.Type) {
				continue
			}
			d.send(ctx, sub, ev)
		}
	}
}

// recipients returns the user IDs a lifecycle event concerns. Reputation
// events go to collaborator endpoints subscribed under the provider.
func recipients(ev events.Event) []string {
	var out []string
	if ev.CustomerID != "" {
		out = append(out, ev.CustomerID)
	}
	if ev.ProviderID != "" {
		out = append(out, ev.ProviderID)
	}
	return out
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.updateError(ctx, sub, "failed to create request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trustbook-Event", string(ev.Type))
	req.Header.Set("X-Trustbook-Timestamp", fmt.Sprintf("%d", ev.OccurredAt.Unix()))

	if sub.Secret != "" {
		req.Header.Set("X-Trustbook-Signature", sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		metrics.NotifyDeliveriesTotal.WithLabelValues("error").Inc()
		d.updateError(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.NotifyDeliveriesTotal.WithLabelValues("ok").Inc()
		d.updateSuccess(ctx, sub)
	} else {
		metrics.NotifyDeliveriesTotal.WithLabelValues("rejected").Inc()
		d.updateError(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now().UTC()
	sub.LastSuccess = &now
	sub.LastError = ""
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record delivery success", "subscription_id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record delivery error", "subscription_id", sub.ID, "error", err)
	}
	d.logger.Warn("notification delivery failed",
		"subscription_id", sub.ID, "url", sub.URL, "error", errMsg)
}

// Compile-time assertion that Dispatcher is an event subscriber.
var _ events.Subscriber = (*Dispatcher)(nil)
