package booking

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mkarlsso/trustbook/internal/escrow"
	"github.com/mkarlsso/trustbook/internal/events"
	"github.com/mkarlsso/trustbook/internal/idgen"
	"github.com/mkarlsso/trustbook/internal/logging"
	"github.com/mkarlsso/trustbook/internal/metrics"
	"github.com/mkarlsso/trustbook/internal/traces"
)

// SettlementBridge moves booking funds on chain. Implementations record
// every attempt for reconciliation. LockFunds is the only call that gates
// a transition (payment_pending -> confirmed); release and refund run
// after commit and their failure never unwinds booking state. Operations
// exposes the recorded attempts: the operation record, not the booking
// status, is authoritative for whether funds actually moved.
type SettlementBridge interface {
	LockFunds(ctx context.Context, bookingID, customerAddr string, amount int64) (txHash string, err error)
	ReleaseFunds(ctx context.Context, bookingID, providerAddr, propertyAddr, treasuryAddr string, providerPayout, propertyPayout, platformFee int64) (txHash string, err error)
	RefundFunds(ctx context.Context, bookingID, customerAddr string, amount int64) (txHash string, err error)
	Operations(ctx context.Context, bookingID string) ([]*escrow.Operation, error)
}

// AvailabilityResult is the scheduling collaborator's answer.
type AvailabilityResult struct {
	Available    bool        `json:"available"`
	Conflicts    []string    `json:"conflicts,omitempty"`
	Alternatives []time.Time `json:"alternatives,omitempty"`
}

// AvailabilityChecker is the scheduling collaborator consulted before a
// booking is created.
type AvailabilityChecker interface {
	Check(ctx context.Context, providerID, serviceID string, start time.Time, duration time.Duration, loc Location) (*AvailabilityResult, error)
}

// EventPublisher receives lifecycle events after a transition commits.
type EventPublisher interface {
	Publish(ev events.Event)
}

// ServiceConfig tunes the orchestrator's pricing, refund policy, and
// settlement behavior.
type ServiceConfig struct {
	Pricing           PricingConfig
	Refunds           RefundPolicy
	TreasuryAddr      string
	EscrowCallTimeout time.Duration
}

// Service is the booking orchestrator: the only component that mutates
// booking records. Every operation validates authorization and transition
// legality, persists state plus history in one transaction, and only then
// dispatches escrow calls and lifecycle events.
type Service struct {
	store  Store
	bridge SettlementBridge
	avail  AvailabilityChecker
	bus    EventPublisher
	cfg    ServiceConfig
	logger *slog.Logger
}

// NewService creates the booking orchestrator.
func NewService(store Store, bridge SettlementBridge, avail AvailabilityChecker, bus EventPublisher, cfg ServiceConfig, logger *slog.Logger) *Service {
	if cfg.EscrowCallTimeout <= 0 {
		cfg.EscrowCallTimeout = 30 * time.Second
	}
	return &Service{
		store:  store,
		bridge: bridge,
		avail:  avail,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
	}
}

// CreateRequest is the input for a new booking.
type CreateRequest struct {
	CustomerID   string    `json:"customer_id"`
	ProviderID   string    `json:"provider_id"`
	ServiceID    string    `json:"service_id"`
	CustomerAddr string    `json:"customer_addr"`
	ProviderAddr string    `json:"provider_addr"`
	PropertyAddr string    `json:"property_addr"`
	BasePrice    int64     `json:"base_price"`
	Start        time.Time `json:"scheduled_start"`
	End          time.Time `json:"scheduled_end"`
	Location     Location  `json:"location"`
}

// Request creates a booking in approval_pending after checking the slot
// with the scheduling collaborator and computing the immutable fee split.
func (s *Service) Request(ctx context.Context, req CreateRequest) (*Booking, error) {
	if !req.End.After(req.Start) {
		return nil, fmt.Errorf("%w: scheduled end must be after start", ErrInvalidAmount)
	}

	avail, err := s.avail.Check(ctx, req.ProviderID, req.ServiceID, req.Start, req.End.Sub(req.Start), req.Location)
	if err != nil {
		return nil, fmt.Errorf("availability check: %w", err)
	}
	if !avail.Available {
		return nil, fmt.Errorf("%w: %s", ErrSlotUnavailable, strings.Join(avail.Conflicts, "; "))
	}

	pricing, err := s.cfg.Pricing.ComputePricing(req.BasePrice)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	b := &Booking{
		ID:             idgen.WithPrefix("bk_"),
		CustomerID:     req.CustomerID,
		ProviderID:     req.ProviderID,
		ServiceID:      req.ServiceID,
		CustomerAddr:   req.CustomerAddr,
		ProviderAddr:   req.ProviderAddr,
		PropertyAddr:   req.PropertyAddr,
		ScheduledStart: req.Start.UTC(),
		ScheduledEnd:   req.End.UTC(),
		Location:       req.Location,
		QuoteAmount:    pricing.QuoteAmount,
		PlatformFee:    pricing.PlatformFee,
		ProviderPayout: pricing.ProviderPayout,
		PropertyPayout: pricing.PropertyPayout,
		Status:         StatusApprovalPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// Creation row: from is empty, the requested -> approval_pending edge
	// is taken implicitly.
	entry := newHistoryEntry(b.ID, "", StatusApprovalPending, Actor{ID: req.CustomerID, Role: RoleCustomer}, "booking requested")
	if err := s.store.Create(ctx, b, entry); err != nil {
		return nil, err
	}

	metrics.BookingsTotal.WithLabelValues(string(StatusApprovalPending)).Inc()
	logging.L(ctx).Info("booking requested",
		"booking_id", b.ID,
		"customer_id", b.CustomerID,
		"provider_id", b.ProviderID,
		"quote_amount", b.QuoteAmount)

	s.publish(events.Event{
		Type:       events.TypeBookingRequested,
		BookingID:  b.ID,
		CustomerID: b.CustomerID,
		ProviderID: b.ProviderID,
		Transition: &events.TransitionPayload{ToStatus: string(b.Status), Actor: req.CustomerID},
	})

	return b, nil
}

// Get returns a booking by ID.
func (s *Service) Get(ctx context.Context, id string) (*Booking, error) {
	return s.store.Get(ctx, id)
}

// History returns the audit trail for a booking in ascending commit order.
func (s *Service) History(ctx context.Context, id string) ([]*StatusHistoryEntry, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.History(ctx, id)
}

// ListByCustomer returns a customer's bookings, most recent first.
func (s *Service) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*Booking, error) {
	return s.store.ListByCustomer(ctx, customerID, normalizeLimit(limit))
}

// ListByProvider returns a provider's bookings, most recent first.
func (s *Service) ListByProvider(ctx context.Context, providerID string, limit int) ([]*Booking, error) {
	return s.store.ListByProvider(ctx, providerID, normalizeLimit(limit))
}

// Approve moves approval_pending -> payment_pending. Provider only.
func (s *Service) Approve(ctx context.Context, id string, actor Actor) (*Booking, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeProvider(b, actor); err != nil {
		return nil, err
	}

	updated, err := s.commitTransition(ctx, b, StatusPaymentPending, actor, "provider approved", nil)
	if err != nil {
		return nil, err
	}

	s.publishTransition(events.TypeBookingApproved, updated, b.Status, actor)
	return updated, nil
}

// Decline moves approval_pending -> declined. Provider only. The booking
// is retained for audit.
func (s *Service) Decline(ctx context.Context, id string, actor Actor, reason string) (*Booking, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeProvider(b, actor); err != nil {
		return nil, err
	}

	if reason == "" {
		reason = "provider declined"
	}
	updated, err := s.commitTransition(ctx, b, StatusDeclined, actor, reason, nil)
	if err != nil {
		return nil, err
	}

	s.publishTransition(events.TypeBookingDeclined, updated, b.Status, actor)
	return updated, nil
}

// ConfirmPayment moves payment_pending -> confirmed. Customer only.
//
// This is the one transition gated on the chain: funds must be locked in
// escrow before the confirmed state is persisted. A client claim alone
// never confirms a booking. Lock failures (insufficient balance, missing
// allowance, chain errors) abort with no mutation.
func (s *Service) ConfirmPayment(ctx context.Context, id string, actor Actor) (*Booking, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeCustomer(b, actor); err != nil {
		return nil, err
	}
	// Fail fast before touching the chain.
	if err := ValidateTransition(b.Status, StatusConfirmed); err != nil {
		return nil, err
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.EscrowCallTimeout)
	defer cancel()

	spanCtx, span := traces.StartSpan(lockCtx, "escrow.lock",
		traces.BookingID(b.ID), traces.AmountMinor(b.QuoteAmount))
	txHash, err := s.bridge.LockFunds(spanCtx, b.ID, b.CustomerAddr, b.QuoteAmount)
	span.End()
	if err != nil {
		logging.L(ctx).Warn("fund lock failed, payment not confirmed",
			"booking_id", b.ID, "error", err)
		return nil, fmt.Errorf("lock funds: %w", err)
	}

	updated, err := s.commitTransition(ctx, b, StatusConfirmed, actor, "payment locked in escrow", func(bk *Booking) {
		bk.LockTxHash = txHash
	})
	if err != nil {
		// Funds are locked but the transition lost a concurrent race or
		// the store failed. The escrow operation record keeps the lock
		// visible to reconciliation.
		logging.L(ctx).Error("funds locked but transition not persisted",
			"booking_id", b.ID, "tx_hash", txHash, "error", err)
		return nil, err
	}

	s.publishTransition(events.TypeBookingConfirmed, updated, b.Status, actor)
	return updated, nil
}

// Start moves confirmed -> in_progress and records the actual start time.
// Provider only.
func (s *Service) Start(ctx context.Context, id string, actor Actor) (*Booking, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeProvider(b, actor); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	updated, err := s.commitTransition(ctx, b, StatusInProgress, actor, "service started", func(bk *Booking) {
		bk.ActualStart = &now
	})
	if err != nil {
		return nil, err
	}

	s.publishTransition(events.TypeServiceStarted, updated, b.Status, actor)
	return updated, nil
}

// Complete is a compound operation: it records in_progress -> completed
// and completed -> awaiting_confirmation as two history rows committed
// together, because completion always immediately awaits customer
// confirmation. Provider only.
func (s *Service) Complete(ctx context.Context, id string, actor Actor) (*Booking, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeProvider(b, actor); err != nil {
		return nil, err
	}
	if err := ValidateTransition(b.Status, StatusCompleted); err != nil {
		return nil, err
	}
	if err := ValidateTransition(StatusCompleted, StatusAwaitingConfirmation); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	first := newHistoryEntry(b.ID, b.Status, StatusCompleted, actor, "service completed")
	second := newHistoryEntry(b.ID, StatusCompleted, StatusAwaitingConfirmation, actor, "awaiting customer confirmation")

	updated, err := s.store.UpdateStatus(ctx, b.ID, b.Status, func(bk *Booking) {
		bk.Status = StatusAwaitingConfirmation
		bk.ActualEnd = &now
	}, first, second)
	if err != nil {
		return nil, err
	}

	metrics.BookingTransitionsTotal.WithLabelValues(string(b.Status), string(StatusCompleted)).Inc()
	metrics.BookingTransitionsTotal.WithLabelValues(string(StatusCompleted), string(StatusAwaitingConfirmation)).Inc()
	metrics.BookingsTotal.WithLabelValues(string(StatusAwaitingConfirmation)).Inc()
	logging.L(ctx).Info("booking completed, awaiting confirmation", "booking_id", b.ID)

	s.publishTransition(events.TypeServiceCompleted, updated, b.Status, actor)
	return updated, nil
}

// Confirm moves awaiting_confirmation -> settled and dispatches the
// escrow release after commit. Customer or system (auto-confirm); the
// auto-confirm timer reuses this exact path with the system actor.
func (s *Service) Confirm(ctx context.Context, id string, actor Actor, wasAuto bool) (*Booking, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeCustomerOrSystem(b, actor); err != nil {
		return nil, err
	}

	reason := "customer confirmed completion"
	if wasAuto {
		reason = "auto-confirmed after grace period"
	}
	updated, err := s.commitTransition(ctx, b, StatusSettled, actor, reason, func(bk *Booking) {
		bk.SettledAmount = bk.QuoteAmount
		bk.WasAutoConfirmed = wasAuto
	})
	if err != nil {
		return nil, err
	}

	// Post-commit side effects. The settled state is already durable;
	// a release failure is an operational alert, never a caller error.
	s.dispatchEscrow(updated, "release", func(dctx context.Context) error {
		_, err := s.bridge.ReleaseFunds(dctx, updated.ID,
			updated.ProviderAddr, updated.PropertyAddr, s.cfg.TreasuryAddr,
			updated.ProviderPayout, updated.PropertyPayout, updated.PlatformFee)
		return err
	})

	s.publishTransition(events.TypeBookingSettled, updated, b.Status, actor)
	s.publish(events.Event{
		Type:       events.TypeReputationSettled,
		BookingID:  updated.ID,
		CustomerID: updated.CustomerID,
		ProviderID: updated.ProviderID,
		Reputation: &events.ReputationPayload{
			ScheduledStart:   updated.ScheduledStart,
			ScheduledEnd:     updated.ScheduledEnd,
			ActualStart:      derefTime(updated.ActualStart),
			ActualEnd:        derefTime(updated.ActualEnd),
			WasAutoConfirmed: wasAuto,
		},
	})

	return updated, nil
}

// Cancel moves a pre-service booking to cancelled, computes the refund
// per policy, and dispatches the escrow refund after commit when funds
// were locked. Customer or provider.
func (s *Service) Cancel(ctx context.Context, id string, actor Actor, reason string) (*Booking, *RefundBreakdown, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := authorizeParty(b, actor); err != nil {
		return nil, nil, err
	}
	if !CanCancel(b.Status) {
		return nil, nil, &CannotCancelError{Status: b.Status}
	}
	if err := ValidateTransition(b.Status, StatusCancelled); err != nil {
		return nil, nil, err
	}

	refund := s.cfg.Refunds.ComputeRefund(b.QuoteAmount, b.ScheduledStart, time.Now().UTC(), actor.Role)
	fundsLocked := b.Status == StatusConfirmed

	now := time.Now().UTC()
	if reason == "" {
		reason = string(actor.Role) + " cancelled"
	}
	updated, err := s.commitTransition(ctx, b, StatusCancelled, actor, reason, func(bk *Booking) {
		bk.CancelledBy = actor.Role
		bk.CancelledAt = &now
		bk.CancelReason = reason
		bk.RefundAmount = refund.Amount
		bk.RefundPercentage = refund.Percentage
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.RefundsTotal.WithLabelValues(strconv.Itoa(refund.Percentage)).Inc()

	// Funds only move if they were locked at payment confirmation. The
	// pre-commit status read can go stale here: a ConfirmPayment racing
	// this cancel can land its lock on chain and then lose the conditional
	// update, leaving locked funds on a cancelled booking. The operation
	// record is authoritative for whether a lock landed, so re-check it
	// when the status said no.
	if !fundsLocked && refund.Amount > 0 {
		fundsLocked = s.lockLanded(ctx, updated.ID)
	}
	if fundsLocked && refund.Amount > 0 {
		amount := refund.Amount
		s.dispatchEscrow(updated, "refund", func(dctx context.Context) error {
			_, err := s.bridge.RefundFunds(dctx, updated.ID, updated.CustomerAddr, amount)
			return err
		})
	}

	s.publish(events.Event{
		Type:       events.TypeBookingCancelled,
		BookingID:  updated.ID,
		CustomerID: updated.CustomerID,
		ProviderID: updated.ProviderID,
		Cancel: &events.CancelPayload{
			CancelledBy:      string(actor.Role),
			Reason:           reason,
			RefundAmount:     refund.Amount,
			RefundPercentage: refund.Percentage,
			Rationale:        refund.Rationale,
		},
	})

	return updated, &refund, nil
}

// lockLanded reports whether a confirmed escrow lock was recorded for the
// booking, regardless of what status the booking row showed when read.
func (s *Service) lockLanded(ctx context.Context, id string) bool {
	ops, err := s.bridge.Operations(ctx, id)
	if err != nil {
		logging.L(ctx).Warn("escrow operation lookup failed during cancel",
			"booking_id", id, "error", err)
		return false
	}
	for _, op := range ops {
		if op.Kind == escrow.KindLock && op.Status == escrow.OpConfirmed {
			return true
		}
	}
	return false
}

// commitTransition validates from -> to, then persists the mutation and a
// single history row atomically through the store's conditional update.
func (s *Service) commitTransition(ctx context.Context, b *Booking, to Status, actor Actor, reason string, mutate func(*Booking)) (*Booking, error) {
	from := b.Status
	if err := ValidateTransition(from, to); err != nil {
		return nil, err
	}

	entry := newHistoryEntry(b.ID, from, to, actor, reason)
	updated, err := s.store.UpdateStatus(ctx, b.ID, from, func(bk *Booking) {
		bk.Status = to
		if mutate != nil {
			mutate(bk)
		}
	}, entry)
	if err != nil {
		return nil, err
	}

	metrics.BookingTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	metrics.BookingsTotal.WithLabelValues(string(to)).Inc()
	logging.L(ctx).Info("booking transition committed",
		"booking_id", b.ID, "from", from, "to", to, "actor", actor.ID)

	return updated, nil
}

// dispatchEscrow runs an escrow call detached from the request with a
// bounded timeout. The transition is already committed; failure is
// recorded and broadcast, never surfaced to the caller.
func (s *Service) dispatchEscrow(b *Booking, kind string, fn func(ctx context.Context) error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic in escrow dispatch",
					"booking_id", b.ID, "kind", kind, "panic", fmt.Sprint(r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.EscrowCallTimeout)
		defer cancel()

		ctx, span := traces.StartSpan(ctx, "escrow."+kind, traces.BookingID(b.ID), traces.EscrowKind(kind))
		defer span.End()

		if err := fn(ctx); err != nil {
			s.logger.Error("escrow operation failed, booking state retained",
				"booking_id", b.ID, "kind", kind, "error", err)
			s.publish(events.Event{
				Type:       events.TypeEscrowFailed,
				BookingID:  b.ID,
				CustomerID: b.CustomerID,
				ProviderID: b.ProviderID,
				Escrow: &events.EscrowPayload{
					Kind:   kind,
					Amount: b.QuoteAmount,
					Error:  err.Error(),
				},
			})
		}
	}()
}

func (s *Service) publishTransition(t events.Type, b *Booking, from Status, actor Actor) {
	s.publish(events.Event{
		Type:       t,
		BookingID:  b.ID,
		CustomerID: b.CustomerID,
		ProviderID: b.ProviderID,
		Transition: &events.TransitionPayload{
			FromStatus: string(from),
			ToStatus:   string(b.Status),
			Actor:      actor.ID,
		},
	})
}

func (s *Service) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

// Authorization guards. The relevant party is identified by booking
// fields; the system actor substitutes for the customer on auto-confirm
// only.

func authorizeProvider(b *Booking, actor Actor) error {
	if actor.Role == RoleProvider && actor.ID == b.ProviderID {
		return nil
	}
	return fmt.Errorf("%w: provider action", ErrUnauthorized)
}

func authorizeCustomer(b *Booking, actor Actor) error {
	if actor.Role == RoleCustomer && actor.ID == b.CustomerID {
		return nil
	}
	return fmt.Errorf("%w: customer action", ErrUnauthorized)
}

func authorizeCustomerOrSystem(b *Booking, actor Actor) error {
	if actor.Role == RoleSystem {
		return nil
	}
	return authorizeCustomer(b, actor)
}

func authorizeParty(b *Booking, actor Actor) error {
	switch actor.Role {
	case RoleCustomer:
		if actor.ID == b.CustomerID {
			return nil
		}
	case RoleProvider:
		if actor.ID == b.ProviderID {
			return nil
		}
	}
	return fmt.Errorf("%w: must be the booking's customer or provider", ErrUnauthorized)
}

func newHistoryEntry(bookingID string, from, to Status, actor Actor, reason string) *StatusHistoryEntry {
	return &StatusHistoryEntry{
		BookingID: bookingID,
		From:      from,
		To:        to,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
