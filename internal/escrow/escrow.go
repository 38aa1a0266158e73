// Package escrow bridges booking settlement intents to the on-chain
// escrow contract. Every attempt is recorded as an Operation so the
// relationship invariant holds: at most one live lock per booking, then
// at most one live release or refund, never both. Operation records are
// not authoritative for booking state; they exist for reconciliation.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mkarlsso/trustbook/internal/chain"
	"github.com/mkarlsso/trustbook/internal/idgen"
	"github.com/mkarlsso/trustbook/internal/metrics"
)

// Kind is the escrow operation type.
type Kind string

const (
	KindLock    Kind = "lock"
	KindRelease Kind = "release"
	KindRefund  Kind = "refund"
)

// OpStatus is the operation outcome.
//
// pending means the call is in flight or timed out without a known
// outcome (failed-pending): reconciliation re-queries the chain before
// anything is re-attempted. failed is final for that attempt.
type OpStatus string

const (
	OpPending   OpStatus = "pending"
	OpConfirmed OpStatus = "confirmed"
	OpFailed    OpStatus = "failed"
)

// Operation is one attempted on-chain action tied to a booking.
type Operation struct {
	ID        string    `json:"id"`
	BookingID string    `json:"booking_id"`
	Kind      Kind      `json:"kind"`
	Amount    int64     `json:"amount"`
	Status    OpStatus  `json:"status"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var (
	ErrInsufficientFunds = errors.New("escrow: customer balance is insufficient")
	ErrNeedsApproval     = errors.New("escrow: contract allowance is insufficient, token approval required first")
	ErrOperationExists   = errors.New("escrow: a live operation of this kind already exists for the booking")
	ErrOperationNotFound = errors.New("escrow: operation not found")
	ErrOperationFailed   = errors.New("escrow: on-chain operation failed")
)

// Store persists escrow operations. Create enforces the idempotency
// boundary: it fails with ErrOperationExists when a pending or confirmed
// operation would violate the one-lock-then-one-terminal invariant.
// Failed attempts never block a retry.
type Store interface {
	Create(ctx context.Context, op *Operation) error
	Update(ctx context.Context, op *Operation) error
	Get(ctx context.Context, id string) (*Operation, error)
	ListByBooking(ctx context.Context, bookingID string) ([]*Operation, error)

	// ListPending returns operations awaiting an outcome (in flight or
	// timed out with a transaction hash), oldest first.
	ListPending(ctx context.Context, limit int) ([]*Operation, error)
}

// ChainClient is the subset of the chain client the bridge needs.
type ChainClient interface {
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
	AllowanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	Lock(ctx context.Context, bookingID string, customer common.Address, amount *big.Int) (*chain.TxResult, error)
	Release(ctx context.Context, bookingID string, provider common.Address, providerAmount *big.Int, property common.Address, propertyAmount *big.Int, treasury common.Address, feeAmount *big.Int) (*chain.TxResult, error)
	Refund(ctx context.Context, bookingID string, customer common.Address, amount *big.Int) (*chain.TxResult, error)
	ReceiptStatus(ctx context.Context, txHash string) (chain.ReceiptState, error)
}

// Bridge translates settlement intents into contract calls.
type Bridge struct {
	chain  ChainClient
	store  Store
	logger *slog.Logger
}

// NewBridge creates an escrow bridge backed by a real chain client.
func NewBridge(cc ChainClient, store Store, logger *slog.Logger) *Bridge {
	return &Bridge{chain: cc, store: store, logger: logger}
}

// LockFunds verifies the customer's balance and allowance, then locks the
// quote amount in the escrow contract. An insufficient allowance is a
// two-step protocol outcome (ErrNeedsApproval), not a bridge failure.
func (b *Bridge) LockFunds(ctx context.Context, bookingID, customerAddr string, amount int64) (string, error) {
	op, err := b.begin(ctx, bookingID, KindLock, amount)
	if err != nil {
		// A lock that timed out on an earlier attempt may have mined and
		// been confirmed by reconciliation in the meantime. The retry must
		// observe that lock as its own success, not be rejected forever.
		if errors.Is(err, ErrOperationExists) {
			if hash, ok := b.confirmedHash(ctx, bookingID, KindLock); ok {
				return hash, nil
			}
		}
		return "", err
	}

	customer := common.HexToAddress(customerAddr)
	want := big.NewInt(amount)

	balance, err := b.chain.BalanceOf(ctx, customer)
	if err != nil {
		return "", b.fail(ctx, op, fmt.Errorf("balance read: %w", err))
	}
	if balance.Cmp(want) < 0 {
		return "", b.fail(ctx, op, fmt.Errorf("%w: have %s, need %d", ErrInsufficientFunds, balance, amount))
	}

	allowance, err := b.chain.AllowanceOf(ctx, customer)
	if err != nil {
		return "", b.fail(ctx, op, fmt.Errorf("allowance read: %w", err))
	}
	if allowance.Cmp(want) < 0 {
		return "", b.fail(ctx, op, fmt.Errorf("%w: approved %s, need %d", ErrNeedsApproval, allowance, amount))
	}

	result, err := b.chain.Lock(ctx, bookingID, customer, want)
	if err != nil {
		return "", b.finishCallError(ctx, op, err)
	}

	return result.Hash, b.confirm(ctx, op, result.Hash)
}

// ReleaseFunds pays locked funds out to provider, property, and treasury
// per the split computed at booking creation.
func (b *Bridge) ReleaseFunds(ctx context.Context, bookingID, providerAddr, propertyAddr, treasuryAddr string, providerPayout, propertyPayout, platformFee int64) (string, error) {
	total := providerPayout + propertyPayout + platformFee
	op, err := b.begin(ctx, bookingID, KindRelease, total)
	if err != nil {
		return "", err
	}

	// A property share of zero goes to the treasury address so the
	// contract never pays the zero address.
	property := common.HexToAddress(propertyAddr)
	if propertyAddr == "" {
		property = common.HexToAddress(treasuryAddr)
	}

	result, err := b.chain.Release(ctx, bookingID,
		common.HexToAddress(providerAddr), big.NewInt(providerPayout),
		property, big.NewInt(propertyPayout),
		common.HexToAddress(treasuryAddr), big.NewInt(platformFee))
	if err != nil {
		return "", b.finishCallError(ctx, op, err)
	}

	return result.Hash, b.confirm(ctx, op, result.Hash)
}

// RefundFunds returns the policy-computed amount to the customer.
func (b *Bridge) RefundFunds(ctx context.Context, bookingID, customerAddr string, amount int64) (string, error) {
	op, err := b.begin(ctx, bookingID, KindRefund, amount)
	if err != nil {
		return "", err
	}

	result, err := b.chain.Refund(ctx, bookingID, common.HexToAddress(customerAddr), big.NewInt(amount))
	if err != nil {
		return "", b.finishCallError(ctx, op, err)
	}

	return result.Hash, b.confirm(ctx, op, result.Hash)
}

// Operations returns all recorded operations for a booking.
func (b *Bridge) Operations(ctx context.Context, bookingID string) ([]*Operation, error) {
	return b.store.ListByBooking(ctx, bookingID)
}

func (b *Bridge) begin(ctx context.Context, bookingID string, kind Kind, amount int64) (*Operation, error) {
	now := time.Now().UTC()
	op := &Operation{
		ID:        idgen.WithPrefix("op_"),
		BookingID: bookingID,
		Kind:      kind,
		Amount:    amount,
		Status:    OpPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := b.store.Create(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

// confirmedHash returns the transaction hash of the confirmed operation
// of the given kind for the booking, if one exists. The invariant allows
// at most one.
func (b *Bridge) confirmedHash(ctx context.Context, bookingID string, kind Kind) (string, bool) {
	ops, err := b.store.ListByBooking(ctx, bookingID)
	if err != nil {
		b.logger.Error("failed to list operations for retry check",
			"booking_id", bookingID, "error", err)
		return "", false
	}
	for _, op := range ops {
		if op.Kind == kind && op.Status == OpConfirmed {
			return op.TxHash, true
		}
	}
	return "", false
}

// finishCallError decides between failed-final and failed-pending: a
// timeout with a known transaction hash stays pending so reconciliation
// can re-query the receipt instead of risking a double spend.
func (b *Bridge) finishCallError(ctx context.Context, op *Operation, err error) error {
	var callErr *chain.CallError
	if errors.As(err, &callErr) && callErr.TxHash != "" && errors.Is(err, chain.ErrTimeout) {
		op.TxHash = callErr.TxHash
		op.Error = err.Error()
		op.UpdatedAt = time.Now().UTC()
		if uerr := b.store.Update(ctx, op); uerr != nil {
			b.logger.Error("failed to record pending escrow operation",
				"operation_id", op.ID, "error", uerr)
		}
		metrics.EscrowOperationsTotal.WithLabelValues(string(op.Kind), "timeout").Inc()
		return fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}
	return b.fail(ctx, op, err)
}

func (b *Bridge) fail(ctx context.Context, op *Operation, cause error) error {
	op.Status = OpFailed
	op.Error = cause.Error()
	op.UpdatedAt = time.Now().UTC()
	if err := b.store.Update(ctx, op); err != nil {
		b.logger.Error("failed to record failed escrow operation",
			"operation_id", op.ID, "error", err)
	}
	metrics.EscrowOperationsTotal.WithLabelValues(string(op.Kind), "failed").Inc()
	if errors.Is(cause, ErrInsufficientFunds) || errors.Is(cause, ErrNeedsApproval) {
		return cause
	}
	return fmt.Errorf("%w: %v", ErrOperationFailed, cause)
}

func (b *Bridge) confirm(ctx context.Context, op *Operation, txHash string) error {
	op.Status = OpConfirmed
	op.TxHash = txHash
	op.UpdatedAt = time.Now().UTC()
	if err := b.store.Update(ctx, op); err != nil {
		b.logger.Error("failed to record confirmed escrow operation",
			"operation_id", op.ID, "tx_hash", txHash, "error", err)
	}
	metrics.EscrowOperationsTotal.WithLabelValues(string(op.Kind), "confirmed").Inc()
	return nil
}

// DemoBridge settles bookings without a chain: every operation succeeds
// immediately with a synthetic transaction hash. Used when no signing key
// is configured. The operation store still enforces the idempotency
// invariant, so lifecycle behavior matches production.
type DemoBridge struct {
	store  Store
	logger *slog.Logger
}

// NewDemoBridge creates a chainless bridge for local development.
func NewDemoBridge(store Store, logger *slog.Logger) *DemoBridge {
	return &DemoBridge{store: store, logger: logger}
}

func (d *DemoBridge) LockFunds(ctx context.Context, bookingID, customerAddr string, amount int64) (string, error) {
	return d.record(ctx, bookingID, KindLock, amount)
}

func (d *DemoBridge) ReleaseFunds(ctx context.Context, bookingID, providerAddr, propertyAddr, treasuryAddr string, providerPayout, propertyPayout, platformFee int64) (string, error) {
	return d.record(ctx, bookingID, KindRelease, providerPayout+propertyPayout+platformFee)
}

func (d *DemoBridge) RefundFunds(ctx context.Context, bookingID, customerAddr string, amount int64) (string, error) {
	return d.record(ctx, bookingID, KindRefund, amount)
}

// Operations returns all recorded operations for a booking.
func (d *DemoBridge) Operations(ctx context.Context, bookingID string) ([]*Operation, error) {
	return d.store.ListByBooking(ctx, bookingID)
}

func (d *DemoBridge) record(ctx context.Context, bookingID string, kind Kind, amount int64) (string, error) {
	now := time.Now().UTC()
	op := &Operation{
		ID:        idgen.WithPrefix("op_"),
		BookingID: bookingID,
		Kind:      kind,
		Amount:    amount,
		Status:    OpConfirmed,
		TxHash:    "0x" + idgen.Hex(32),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.store.Create(ctx, op); err != nil {
		return "", err
	}
	metrics.EscrowOperationsTotal.WithLabelValues(string(kind), "confirmed").Inc()
	d.logger.Info("demo escrow operation recorded",
		"booking_id", bookingID, "kind", kind, "amount", amount, "tx_hash", op.TxHash)
	return op.TxHash, nil
}
