// Package reputation forwards settlement outcomes to the external
// reputation scoring service. Emission is best-effort: a delivery failure
// is logged and never affects the settled booking.
package reputation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mkarlsso/trustbook/internal/events"
	"github.com/mkarlsso/trustbook/internal/retry"
)

// Emitter subscribes to the event bus and posts reputation signals for
// settled bookings.
type Emitter struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewEmitter creates an emitter for the reputation service at baseURL.
func NewEmitter(baseURL string, logger *slog.Logger) *Emitter {
	return &Emitter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

type settlementSignal struct {
	BookingID        string    `json:"booking_id"`
	CustomerID       string    `json:"customer_id"`
	ProviderID       string    `json:"provider_id"`
	ScheduledStart   time.Time `json:"scheduled_start"`
	ScheduledEnd     time.Time `json:"scheduled_end"`
	ActualStart      time.Time `json:"actual_start,omitempty"`
	ActualEnd        time.Time `json:"actual_end,omitempty"`
	WasAutoConfirmed bool      `json:"was_auto_confirmed"`
}

// Handle implements events.Subscriber. Only reputation.settled events
// are forwarded.
func (e *Emitter) Handle(ctx context.Context, ev events.Event) {
	if ev.Type != events.TypeReputationSettled || ev.Reputation == nil {
		return
	}

	body, err := json.Marshal(settlementSignal{
		BookingID:        ev.BookingID,
		CustomerID:       ev.CustomerID,
		ProviderID:       ev.ProviderID,
		ScheduledStart:   ev.Reputation.ScheduledStart,
		ScheduledEnd:     ev.Reputation.ScheduledEnd,
		ActualStart:      ev.Reputation.ActualStart,
		ActualEnd:        ev.Reputation.ActualEnd,
		WasAutoConfirmed: ev.Reputation.WasAutoConfirmed,
	})
	if err != nil {
		return
	}

	// Transient failures are retried; a rejection by the service is final.
	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/reputation/settlements", bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("reputation service returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 300 {
			return retry.Permanent(fmt.Errorf("reputation service rejected signal with %d", resp.StatusCode))
		}
		return nil
	})
	if err != nil {
		e.logger.Warn("reputation signal delivery failed",
			"booking_id", ev.BookingID, "error", err)
	}
}

// Compile-time assertion that Emitter is an event subscriber.
var _ events.Subscriber = (*Emitter)(nil)
