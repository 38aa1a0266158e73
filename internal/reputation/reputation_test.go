package reputation

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mkarlsso/trustbook/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func settledEvent() events.Event {
	start := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	return events.Event{
		ID:         "evt_1",
		Type:       events.TypeReputationSettled,
		BookingID:  "bk_1",
		CustomerID: "cust_1",
		ProviderID: "prov_1",
		OccurredAt: time.Now().UTC(),
		Reputation: &events.ReputationPayload{
			ScheduledStart:   start,
			ScheduledEnd:     start.Add(2 * time.Hour),
			WasAutoConfirmed: true,
		},
	}
}

func TestEmitter_ForwardsSettlementSignal(t *testing.T) {
	var gotPath string
	var gotSignal settlementSignal
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotSignal)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	NewEmitter(srv.URL, testLogger()).Handle(context.Background(), settledEvent())

	if gotPath != "/v1/reputation/settlements" {
		t.Errorf("Expected /v1/reputation/settlements, got %s", gotPath)
	}
	if gotSignal.BookingID != "bk_1" || gotSignal.ProviderID != "prov_1" {
		t.Errorf("Unexpected signal: %+v", gotSignal)
	}
	if !gotSignal.WasAutoConfirmed {
		t.Error("Expected auto-confirm flag forwarded")
	}
}

func TestEmitter_IgnoresOtherEvents(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	emitter := NewEmitter(srv.URL, testLogger())
	ev := settledEvent()
	ev.Type = events.TypeBookingSettled
	emitter.Handle(context.Background(), ev)

	missing := settledEvent()
	missing.Reputation = nil
	emitter.Handle(context.Background(), missing)

	if calls.Load() != 0 {
		t.Errorf("Expected no deliveries, got %d", calls.Load())
	}
}

func TestEmitter_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	NewEmitter(srv.URL, testLogger()).Handle(context.Background(), settledEvent())

	if calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls.Load())
	}
}

func TestEmitter_DoesNotRetryRejection(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	NewEmitter(srv.URL, testLogger()).Handle(context.Background(), settledEvent())

	if calls.Load() != 1 {
		t.Errorf("Expected a single attempt for a rejection, got %d", calls.Load())
	}
}
