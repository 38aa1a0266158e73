//go:build integration

package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mkarlsso/trustbook/internal/testutil"
)

func pgOp(id, bookingID string, kind Kind, status OpStatus) *Operation {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Operation{
		ID:        id,
		BookingID: bookingID,
		Kind:      kind,
		Amount:    10000,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPostgresStore_LiveLockUnique(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, pgOp("op_1", "bk_1", KindLock, OpPending)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// The partial unique index rejects a second live lock.
	err := store.Create(ctx, pgOp("op_2", "bk_1", KindLock, OpPending))
	if !errors.Is(err, ErrOperationExists) {
		t.Errorf("Expected ErrOperationExists, got %v", err)
	}

	// A different booking is unaffected.
	if err := store.Create(ctx, pgOp("op_3", "bk_2", KindLock, OpPending)); err != nil {
		t.Errorf("Expected lock on another booking to succeed, got %v", err)
	}
}

func TestPostgresStore_TerminalExclusion(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, pgOp("op_1", "bk_1", KindLock, OpConfirmed)); err != nil {
		t.Fatalf("Create lock failed: %v", err)
	}
	// A release after a confirmed lock is fine.
	if err := store.Create(ctx, pgOp("op_2", "bk_1", KindRelease, OpPending)); err != nil {
		t.Fatalf("Create release failed: %v", err)
	}

	// Release and refund are mutually exclusive while live.
	if err := store.Create(ctx, pgOp("op_3", "bk_1", KindRefund, OpPending)); !errors.Is(err, ErrOperationExists) {
		t.Errorf("Expected ErrOperationExists for refund after live release, got %v", err)
	}
	if err := store.Create(ctx, pgOp("op_4", "bk_1", KindRelease, OpPending)); !errors.Is(err, ErrOperationExists) {
		t.Errorf("Expected ErrOperationExists for second live release, got %v", err)
	}
}

func TestPostgresStore_FailedNeverBlocks(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, pgOp("op_1", "bk_1", KindLock, OpFailed)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, pgOp("op_2", "bk_1", KindLock, OpFailed)); err != nil {
		t.Fatalf("Second failed lock should not conflict: %v", err)
	}
	if err := store.Create(ctx, pgOp("op_3", "bk_1", KindLock, OpPending)); err != nil {
		t.Errorf("Retry after failed attempts should succeed, got %v", err)
	}
}

func TestPostgresStore_UpdateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	op := pgOp("op_1", "bk_1", KindLock, OpPending)
	if err := store.Create(ctx, op); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	op.Status = OpConfirmed
	op.TxHash = "0xabc"
	op.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	if err := store.Update(ctx, op); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := store.Get(ctx, "op_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != OpConfirmed || got.TxHash != "0xabc" {
		t.Errorf("Unexpected operation after update: %+v", got)
	}
	if got.Error != "" {
		t.Errorf("Expected empty error, got %q", got.Error)
	}

	if _, err := store.Get(ctx, "op_missing"); !errors.Is(err, ErrOperationNotFound) {
		t.Errorf("Expected ErrOperationNotFound, got %v", err)
	}
	missing := pgOp("op_missing", "bk_1", KindLock, OpPending)
	if err := store.Update(ctx, missing); !errors.Is(err, ErrOperationNotFound) {
		t.Errorf("Expected ErrOperationNotFound on update, got %v", err)
	}
}

func TestPostgresStore_ListPendingRequiresHash(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	withHash := pgOp("op_1", "bk_1", KindRelease, OpPending)
	withHash.TxHash = "0xstuck"
	if err := store.Create(ctx, withHash); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	// Pending without a hash never went out, so the reconciler ignores it.
	if err := store.Create(ctx, pgOp("op_2", "bk_2", KindRelease, OpPending)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	confirmed := pgOp("op_3", "bk_3", KindRelease, OpConfirmed)
	confirmed.TxHash = "0xdone"
	if err := store.Create(ctx, confirmed); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	pending, err := store.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected 1 pending op with hash, got %d", len(pending))
	}
	if pending[0].ID != "op_1" {
		t.Errorf("Expected op_1, got %s", pending[0].ID)
	}
}

func TestPostgresStore_ListByBookingOrdered(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Microsecond).Add(-time.Hour)
	first := pgOp("op_1", "bk_1", KindLock, OpConfirmed)
	first.CreatedAt = base
	second := pgOp("op_2", "bk_1", KindRelease, OpConfirmed)
	second.CreatedAt = base.Add(time.Minute)
	if err := store.Create(ctx, second); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, pgOp("op_other", "bk_other", KindLock, OpConfirmed)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ops, err := store.ListByBooking(ctx, "bk_1")
	if err != nil {
		t.Fatalf("ListByBooking failed: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("Expected 2 operations, got %d", len(ops))
	}
	if ops[0].ID != "op_1" || ops[1].ID != "op_2" {
		t.Errorf("Expected oldest first, got %s, %s", ops[0].ID, ops[1].ID)
	}
}
