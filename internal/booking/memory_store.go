package booking

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests. The single
// mutex serializes all mutations, which trivially satisfies the
// conditional-update contract.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]*Booking
	history  map[string][]*StatusHistoryEntry
	nextID   int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]*Booking),
		history:  make(map[string][]*StatusHistoryEntry),
	}
}

func (m *MemoryStore) Create(_ context.Context, b *Booking, entry *StatusHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *b
	m.bookings[b.ID] = &cp
	m.appendEntryLocked(entry)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, expected Status, mutate func(*Booking), entries ...*StatusHistoryEntry) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	if b.Status != expected {
		return nil, ErrConcurrentModification
	}

	cp := *b
	mutate(&cp)
	cp.UpdatedAt = time.Now().UTC()
	m.bookings[id] = &cp

	for _, e := range entries {
		m.appendEntryLocked(e)
	}

	out := cp
	return &out, nil
}

func (m *MemoryStore) History(_ context.Context, bookingID string) ([]*StatusHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.history[bookingID]
	out := make([]*StatusHistoryEntry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) ListByCustomer(_ context.Context, customerID string, limit int) ([]*Booking, error) {
	return m.list(func(b *Booking) bool { return b.CustomerID == customerID }, limit, true), nil
}

func (m *MemoryStore) ListByProvider(_ context.Context, providerID string, limit int) ([]*Booking, error) {
	return m.list(func(b *Booking) bool { return b.ProviderID == providerID }, limit, true), nil
}

func (m *MemoryStore) ListAwaitingConfirmation(_ context.Context, before time.Time, limit int) ([]*Booking, error) {
	return m.list(func(b *Booking) bool {
		return b.Status == StatusAwaitingConfirmation && b.UpdatedAt.Before(before)
	}, limit, false), nil
}

func (m *MemoryStore) list(match func(*Booking) bool, limit int, newestFirst bool) []*Booking {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Booking
	for _, b := range m.bookings {
		if match(b) {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) appendEntryLocked(e *StatusHistoryEntry) {
	m.nextID++
	cp := *e
	cp.ID = m.nextID
	m.history[e.BookingID] = append(m.history[e.BookingID], &cp)
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
