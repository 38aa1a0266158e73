package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mkarlsso/trustbook/internal/idgen"
	"github.com/mkarlsso/trustbook/internal/metrics"
)

// Subscriber consumes lifecycle events. Handle is called from a dispatch
// goroutine and must not block indefinitely; slow subscribers delay the
// queue but never the publisher.
type Subscriber interface {
	Handle(ctx context.Context, ev Event)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, ev Event)

func (f SubscriberFunc) Handle(ctx context.Context, ev Event) { f(ctx, ev) }

// Bus fans lifecycle events out to subscribers asynchronously. Publish
// never blocks the caller beyond enqueueing; if the queue is full the
// event is dropped with a log line (subscribers are best-effort by
// contract).
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs []Subscriber

	queue chan Event
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewBus creates a bus with a buffered dispatch queue and starts the
// dispatch goroutine.
func NewBus(logger *slog.Logger) *Bus {
	b := &Bus{
		logger: logger,
		queue:  make(chan Event, 256),
		done:   make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Subscribe registers a subscriber for all subsequent events.
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, s)
}

// Publish enqueues an event for asynchronous delivery. Missing ID and
// OccurredAt fields are filled in.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = idgen.WithPrefix("evt_")
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	metrics.EventEmitTotal.WithLabelValues(string(ev.Type)).Inc()

	select {
	case b.queue <- ev:
	default:
		b.logger.Warn("event queue full, dropping event",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"booking_id", ev.BookingID)
	}
}

// Close stops the dispatcher after draining queued events.
func (b *Bus) Close() {
	close(b.done)
	b.wg.Wait()
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.queue:
			b.deliver(ev)
		case <-b.done:
			// Drain what is already queued, then exit.
			for {
				select {
				case ev := <-b.queue:
					b.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(ev Event) {
	b.mu.RLock()
	subs := make([]Subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, s := range subs {
		b.safeHandle(ctx, s, ev)
	}
}

// safeHandle isolates subscriber panics so one bad handler cannot kill
// the dispatch goroutine.
func (b *Bus) safeHandle(ctx context.Context, s Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				"event_type", ev.Type,
				"booking_id", ev.BookingID,
				"panic", r)
		}
	}()
	s.Handle(ctx, ev)
}
