// Package events defines the booking lifecycle event stream.
//
// Events are emitted by the booking service after a transition has been
// durably committed. Subscribers (notifications, reputation scoring, the
// realtime feed) consume them asynchronously; a subscriber failure never
// affects the committed transition.
package events

import (
	"time"
)

// Type identifies a lifecycle event. The set is closed: every emitter
// uses one of these constants and every subscriber can switch over them
// exhaustively.
type Type string

const (
	TypeBookingRequested  Type = "booking.requested"
	TypeBookingApproved   Type = "booking.approved"
	TypeBookingDeclined   Type = "booking.declined"
	TypeBookingConfirmed  Type = "booking.confirmed"
	TypeServiceStarted    Type = "service.started"
	TypeServiceCompleted  Type = "service.completed"
	TypeBookingSettled    Type = "booking.settled"
	TypeBookingCancelled  Type = "booking.cancelled"
	TypeEscrowFailed      Type = "escrow.failed"
	TypeReputationSettled Type = "reputation.settled"
)

// Event is a single lifecycle occurrence. The typed payload fields below
// the common block form a tagged union keyed by Type: each event type
// populates only the variant that belongs to it.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	BookingID  string    `json:"booking_id"`
	CustomerID string    `json:"customer_id"`
	ProviderID string    `json:"provider_id"`
	OccurredAt time.Time `json:"occurred_at"`

	// Variant payloads, exactly one is set depending on Type.
	Transition *TransitionPayload `json:"transition,omitempty"`
	Cancel     *CancelPayload     `json:"cancel,omitempty"`
	Escrow     *EscrowPayload     `json:"escrow,omitempty"`
	Reputation *ReputationPayload `json:"reputation,omitempty"`
}

// TransitionPayload accompanies plain state-change events (requested,
// approved, declined, confirmed, started, completed, settled).
type TransitionPayload struct {
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	Actor      string `json:"actor"`
}

// CancelPayload accompanies TypeBookingCancelled.
type CancelPayload struct {
	CancelledBy      string `json:"cancelled_by"` // "customer" or "provider"
	Reason           string `json:"reason,omitempty"`
	RefundAmount     int64  `json:"refund_amount"`
	RefundPercentage int    `json:"refund_percentage"`
	Rationale        string `json:"rationale"`
}

// EscrowPayload accompanies TypeEscrowFailed.
type EscrowPayload struct {
	Kind   string `json:"kind"` // "lock", "release", "refund"
	Amount int64  `json:"amount"`
	Error  string `json:"error"`
}

// ReputationPayload accompanies TypeReputationSettled.
type ReputationPayload struct {
	ScheduledStart   time.Time `json:"scheduled_start"`
	ScheduledEnd     time.Time `json:"scheduled_end"`
	ActualStart      time.Time `json:"actual_start,omitempty"`
	ActualEnd        time.Time `json:"actual_end,omitempty"`
	WasAutoConfirmed bool      `json:"was_auto_confirmed"`
}
