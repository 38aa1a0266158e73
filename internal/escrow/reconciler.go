package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mkarlsso/trustbook/internal/chain"
	"github.com/mkarlsso/trustbook/internal/metrics"
)

// Reconciler resolves failed-pending operations: transactions that were
// sent but whose outcome was not observed (timeout). It re-queries the
// chain for the receipt and finalizes the record. It never re-sends a
// transaction, so a release or refund can never be double-spent by
// reconciliation.
type Reconciler struct {
	store  Store
	chain  ChainClient
	logger *slog.Logger
}

// NewReconciler creates a reconciler over the operation store.
func NewReconciler(store Store, cc ChainClient, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, chain: cc, logger: logger}
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Checked   int `json:"checked"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	StillOpen int `json:"still_open"`
}

// Reconcile runs one pass over pending operations with a known
// transaction hash.
func (r *Reconciler) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	ops, err := r.store.ListPending(ctx, 100)
	if err != nil {
		return nil, fmt.Errorf("list pending operations: %w", err)
	}

	result := &ReconcileResult{Checked: len(ops)}
	for _, op := range ops {
		state, err := r.chain.ReceiptStatus(ctx, op.TxHash)
		if err != nil {
			r.logger.Warn("receipt query failed",
				"operation_id", op.ID, "tx_hash", op.TxHash, "error", err)
			result.StillOpen++
			continue
		}

		switch state {
		case chain.ReceiptSuccess:
			op.Status = OpConfirmed
			op.Error = ""
			result.Confirmed++
			metrics.EscrowOperationsTotal.WithLabelValues(string(op.Kind), "reconciled_confirmed").Inc()
		case chain.ReceiptFailed:
			op.Status = OpFailed
			op.Error = "transaction reverted (found during reconciliation)"
			result.Failed++
			metrics.EscrowOperationsTotal.WithLabelValues(string(op.Kind), "reconciled_failed").Inc()
		default:
			// Still unmined; leave it for the next pass.
			result.StillOpen++
			continue
		}

		op.UpdatedAt = time.Now().UTC()
		if err := r.store.Update(ctx, op); err != nil {
			r.logger.Error("failed to finalize reconciled operation",
				"operation_id", op.ID, "error", err)
			continue
		}
		r.logger.Info("reconciled escrow operation",
			"operation_id", op.ID,
			"booking_id", op.BookingID,
			"kind", op.Kind,
			"status", op.Status,
			"tx_hash", op.TxHash)
	}

	return result, nil
}

// Timer runs reconciliation passes periodically.
type Timer struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewTimer creates a reconciliation timer.
func NewTimer(reconciler *Reconciler, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		reconciler: reconciler,
		interval:   interval,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the reconciliation loop. Call in a goroutine.
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
			t.safeReconcile(ctx)
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

func (t *Timer) safeReconcile(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.reconciler.Reconcile(ctx); err != nil {
		t.logger.Warn("reconciliation pass failed", "error", err)
	}
}
