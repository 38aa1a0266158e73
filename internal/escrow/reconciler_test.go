package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/mkarlsso/trustbook/internal/chain"
)

func pendingOp(t *testing.T, store Store, id, bookingID, txHash string) *Operation {
	t.Helper()
	now := time.Now().UTC()
	op := &Operation{
		ID:        id,
		BookingID: bookingID,
		Kind:      KindRelease,
		Amount:    10000,
		Status:    OpPending,
		TxHash:    txHash,
		Error:     "chain: release failed (tx: " + txHash + "): timed out",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.Create(context.Background(), op); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return op
}

func TestReconciler_ConfirmsMinedTransaction(t *testing.T) {
	cc := newMockChain()
	cc.receipts["0xmined"] = chain.ReceiptSuccess
	store := NewMemoryStore()
	rec := NewReconciler(store, cc, testLogger())
	ctx := context.Background()

	pendingOp(t, store, "op_1", "bk_1", "0xmined")

	result, err := rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if result.Checked != 1 || result.Confirmed != 1 {
		t.Errorf("Expected 1 checked / 1 confirmed, got %+v", result)
	}

	op, _ := store.Get(ctx, "op_1")
	if op.Status != OpConfirmed {
		t.Errorf("Expected confirmed, got %s", op.Status)
	}
	if op.Error != "" {
		t.Errorf("Expected error cleared, got %q", op.Error)
	}
}

func TestReconciler_FailsRevertedTransaction(t *testing.T) {
	cc := newMockChain()
	cc.receipts["0xrevert"] = chain.ReceiptFailed
	store := NewMemoryStore()
	rec := NewReconciler(store, cc, testLogger())
	ctx := context.Background()

	pendingOp(t, store, "op_1", "bk_1", "0xrevert")

	result, err := rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if result.Failed != 1 {
		t.Errorf("Expected 1 failed, got %+v", result)
	}

	op, _ := store.Get(ctx, "op_1")
	if op.Status != OpFailed {
		t.Errorf("Expected failed, got %s", op.Status)
	}
	if op.Error == "" {
		t.Error("Expected revert reason recorded")
	}
}

func TestReconciler_LeavesUnminedOpen(t *testing.T) {
	cc := newMockChain() // no receipt scripted: stays pending
	store := NewMemoryStore()
	rec := NewReconciler(store, cc, testLogger())
	ctx := context.Background()

	pendingOp(t, store, "op_1", "bk_1", "0xunmined")

	result, err := rec.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if result.StillOpen != 1 {
		t.Errorf("Expected 1 still open, got %+v", result)
	}

	op, _ := store.Get(ctx, "op_1")
	if op.Status != OpPending {
		t.Errorf("Expected still pending, got %s", op.Status)
	}
}

func TestReconciler_NeverResends(t *testing.T) {
	cc := newMockChain()
	cc.receipts["0xmined"] = chain.ReceiptSuccess
	store := NewMemoryStore()
	rec := NewReconciler(store, cc, testLogger())
	ctx := context.Background()

	pendingOp(t, store, "op_1", "bk_1", "0xmined")
	pendingOp(t, store, "op_2", "bk_2", "0xunmined")

	for i := 0; i < 3; i++ {
		if _, err := rec.Reconcile(ctx); err != nil {
			t.Fatalf("Reconcile pass %d failed: %v", i, err)
		}
	}
	// Reconciliation only queries receipts.
	if cc.lockSent != 0 {
		t.Errorf("Expected no transactions sent, got %d", cc.lockSent)
	}

	// The confirmed op leaves the pending set; later passes only see the
	// unmined one.
	pending, _ := store.ListPending(ctx, 100)
	if len(pending) != 1 || pending[0].ID != "op_2" {
		t.Errorf("Expected only op_2 pending, got %+v", pending)
	}
}

func TestReconcileTimer_StartStop(t *testing.T) {
	store := NewMemoryStore()
	rec := NewReconciler(store, newMockChain(), testLogger())
	timer := NewTimer(rec, time.Hour, testLogger())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for !timer.Running() {
		select {
		case <-deadline:
			t.Fatal("Timer did not report running")
		case <-time.After(10 * time.Millisecond):
		}
	}

	timer.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timer did not stop")
	}
}
