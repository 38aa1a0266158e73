package booking

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically auto-confirms bookings parked in
// awaiting_confirmation longer than the grace period. It reuses the
// regular Confirm path with the system actor, so auto-confirmation is a
// different caller identity, not a different code path.
type Timer struct {
	service  *Service
	store    Store
	window   time.Duration
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates the auto-confirm timer. window is how long a booking
// may wait for customer confirmation before the system confirms it.
func NewTimer(service *Service, store Store, window time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		window:   window,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the auto-confirm loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeConfirmOverdue(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeConfirmOverdue(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in auto-confirm timer", "panic", fmt.Sprint(r))
		}
	}()
	t.confirmOverdue(ctx)
}

func (t *Timer) confirmOverdue(ctx context.Context) {
	cutoff := time.Now().Add(-t.window)

	overdue, err := t.store.ListAwaitingConfirmation(ctx, cutoff, 100)
	if err != nil {
		t.logger.Warn("failed to list overdue bookings", "error", err)
		return
	}

	for _, b := range overdue {
		if _, err := t.service.Confirm(ctx, b.ID, SystemActor, true); err != nil {
			// A concurrent customer confirmation losing us the race is
			// expected; anything else is worth a warning.
			t.logger.Warn("failed to auto-confirm booking",
				"booking_id", b.ID,
				"error", err,
			)
			continue
		}
		t.logger.Info("auto-confirmed booking",
			"booking_id", b.ID,
			"customer_id", b.CustomerID,
			"provider_id", b.ProviderID,
			"quote_amount", b.QuoteAmount,
		)
	}
}
