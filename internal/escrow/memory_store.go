package escrow

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory operation store for development and tests.
type MemoryStore struct {
	mu  sync.RWMutex
	ops map[string]*Operation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ops: make(map[string]*Operation)}
}

func (m *MemoryStore) Create(_ context.Context, op *Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.ops {
		if existing.BookingID != op.BookingID || existing.Status == OpFailed {
			continue
		}
		if conflicts(existing.Kind, op.Kind) {
			return ErrOperationExists
		}
	}

	cp := *op
	m.ops[op.ID] = &cp
	return nil
}

func (m *MemoryStore) Update(_ context.Context, op *Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ops[op.ID]; !ok {
		return ErrOperationNotFound
	}
	cp := *op
	m.ops[op.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	op, ok := m.ops[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	cp := *op
	return &cp, nil
}

func (m *MemoryStore) ListByBooking(_ context.Context, bookingID string) ([]*Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Operation
	for _, op := range m.ops {
		if op.BookingID == bookingID {
			cp := *op
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListPending(_ context.Context, limit int) ([]*Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Operation
	for _, op := range m.ops {
		if op.Status == OpPending && op.TxHash != "" {
			cp := *op
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// conflicts reports whether a live operation of kind a excludes creating
// one of kind b: a second lock, or a second terminal (release/refund)
// operation of either kind.
func conflicts(a, b Kind) bool {
	if a == KindLock && b == KindLock {
		return true
	}
	return a != KindLock && b != KindLock
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
