// Package booking implements the marketplace booking lifecycle: the state
// machine, pricing and refund policy, and the orchestrator that moves a
// booking from request through on-chain settlement.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is a booking lifecycle state.
type Status string

const (
	StatusRequested            Status = "requested"
	StatusApprovalPending      Status = "approval_pending"
	StatusPaymentPending       Status = "payment_pending"
	StatusConfirmed            Status = "confirmed"
	StatusInProgress           Status = "in_progress"
	StatusCompleted            Status = "completed"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusSettled              Status = "settled"
	StatusDeclined             Status = "declined"
	StatusCancelled            Status = "cancelled"
)

// Role identifies which side of the booking an actor is on.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleProvider Role = "provider"
	RoleSystem   Role = "system" // scheduler-initiated actions (auto-confirm)
)

// Actor is the identity performing a booking action.
type Actor struct {
	ID   string
	Role Role
}

// SystemActor is the identity used by scheduler-initiated transitions.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// Location describes where the service takes place: a fixed address or
// geo-coordinates.
type Location struct {
	Kind    string  `json:"kind"` // "address" or "geo"
	Address string  `json:"address,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lng     float64 `json:"lng,omitempty"`
}

// Booking is the central entity. Monetary fields are integer minor units;
// the split (PlatformFee + ProviderPayout + PropertyPayout == QuoteAmount)
// is computed once at creation and never recomputed.
type Booking struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	ProviderID string `json:"provider_id"`
	ServiceID  string `json:"service_id"`

	// On-chain identities for settlement.
	CustomerAddr string `json:"customer_addr"`
	ProviderAddr string `json:"provider_addr"`
	PropertyAddr string `json:"property_addr,omitempty"`

	ScheduledStart time.Time  `json:"scheduled_start"`
	ScheduledEnd   time.Time  `json:"scheduled_end"`
	ActualStart    *time.Time `json:"actual_start,omitempty"`
	ActualEnd      *time.Time `json:"actual_end,omitempty"`

	Location Location `json:"location"`

	QuoteAmount    int64 `json:"quote_amount"`
	PlatformFee    int64 `json:"platform_fee"`
	ProviderPayout int64 `json:"provider_payout"`
	PropertyPayout int64 `json:"property_payout"`

	Status Status `json:"status"`

	// Cancellation metadata, set only when Status is cancelled.
	CancelledBy      Role       `json:"cancelled_by,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	CancelReason     string     `json:"cancel_reason,omitempty"`
	RefundAmount     int64      `json:"refund_amount,omitempty"`
	RefundPercentage int        `json:"refund_percentage,omitempty"`

	// Settlement metadata.
	LockTxHash       string `json:"lock_tx_hash,omitempty"`
	SettledAmount    int64  `json:"settled_amount,omitempty"`
	WasAutoConfirmed bool   `json:"was_auto_confirmed,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatusHistoryEntry is one append-only audit row. FromStatus is empty for
// the creation row. Rows for a booking are strictly ordered by commit
// order; the sequence of ToStatus values is always a valid walk of the
// state graph.
type StatusHistoryEntry struct {
	ID        int64     `json:"id"`
	BookingID string    `json:"booking_id"`
	From      Status    `json:"from_status,omitempty"`
	To        Status    `json:"to_status"`
	ActorID   string    `json:"actor_id"`
	ActorRole Role      `json:"actor_role"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Sentinel errors for the booking lifecycle. Handlers map these to HTTP
// status codes with errors.Is.
var (
	ErrNotFound               = errors.New("booking not found")
	ErrUnauthorized           = errors.New("actor is not authorized for this action")
	ErrIllegalTransition      = errors.New("illegal state transition")
	ErrCannotCancel           = errors.New("booking can no longer be cancelled")
	ErrConcurrentModification = errors.New("booking was modified concurrently, retry with fresh state")
	ErrSlotUnavailable        = errors.New("requested slot is not available")
	ErrInvalidAmount          = errors.New("amount must be a non-negative integer of minor units")
)

// IllegalTransitionError reports an attempted move that is not an edge of
// the state graph.
type IllegalTransitionError struct {
	From Status
	To   Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal state transition %s -> %s", e.From, e.To)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

// CannotCancelError reports a cancellation attempt from a state that no
// longer permits it.
type CannotCancelError struct {
	Status Status
}

func (e *CannotCancelError) Error() string {
	return fmt.Sprintf("booking in state %s cannot be cancelled", e.Status)
}

func (e *CannotCancelError) Unwrap() error { return ErrCannotCancel }

// Store persists bookings and their audit history.
//
// UpdateStatus is the mutation primitive: it loads the booking, verifies
// the stored status still equals expected, applies mutate, and persists
// the booking together with the given history entries atomically. A
// stored status that no longer matches expected fails with
// ErrConcurrentModification and nothing is written. This conditional
// update serializes concurrent transition attempts on the same booking.
type Store interface {
	// Create persists a new booking and its creation history row atomically.
	Create(ctx context.Context, b *Booking, entry *StatusHistoryEntry) error

	Get(ctx context.Context, id string) (*Booking, error)

	UpdateStatus(ctx context.Context, id string, expected Status, mutate func(*Booking), entries ...*StatusHistoryEntry) (*Booking, error)

	// History returns all audit rows for a booking in ascending commit order.
	History(ctx context.Context, bookingID string) ([]*StatusHistoryEntry, error)

	ListByCustomer(ctx context.Context, customerID string, limit int) ([]*Booking, error)
	ListByProvider(ctx context.Context, providerID string, limit int) ([]*Booking, error)

	// ListAwaitingConfirmation returns bookings parked in
	// awaiting_confirmation since before the given time, oldest first.
	ListAwaitingConfirmation(ctx context.Context, before time.Time, limit int) ([]*Booking, error)
}
