package booking

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresStore persists bookings in PostgreSQL.
//
// UpdateStatus takes a row lock for the read-validate-write sequence and
// writes the booking together with its history rows in one transaction,
// so the audit trail order always matches commit order.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed booking store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const bookingColumns = `id, customer_id, provider_id, service_id,
	       customer_addr, provider_addr, property_addr,
	       scheduled_start, scheduled_end, actual_start, actual_end,
	       location, quote_amount, platform_fee, provider_payout, property_payout,
	       status, cancelled_by, cancelled_at, cancel_reason,
	       refund_amount, refund_percentage,
	       lock_tx_hash, settled_amount, was_auto_confirmed,
	       created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, b *Booking, entry *StatusHistoryEntry) error {
	locationJSON, _ := json.Marshal(b.Location)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bookings (
			id, customer_id, provider_id, service_id,
			customer_addr, provider_addr, property_addr,
			scheduled_start, scheduled_end, actual_start, actual_end,
			location, quote_amount, platform_fee, provider_payout, property_payout,
			status, cancelled_by, cancelled_at, cancel_reason,
			refund_amount, refund_percentage,
			lock_tx_hash, settled_amount, was_auto_confirmed,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19, $20,
			$21, $22,
			$23, $24, $25,
			$26, $27
		)`,
		b.ID, b.CustomerID, b.ProviderID, b.ServiceID,
		b.CustomerAddr, b.ProviderAddr, nullString(b.PropertyAddr),
		b.ScheduledStart, b.ScheduledEnd, nullTime(b.ActualStart), nullTime(b.ActualEnd),
		locationJSON, b.QuoteAmount, b.PlatformFee, b.ProviderPayout, b.PropertyPayout,
		string(b.Status), nullString(string(b.CancelledBy)), nullTime(b.CancelledAt), nullString(b.CancelReason),
		b.RefundAmount, b.RefundPercentage,
		nullString(b.LockTxHash), b.SettledAmount, b.WasAutoConfirmed,
		b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return err
	}

	if err := insertHistory(ctx, tx, entry); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)

	b, err := scanBooking(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return b, err
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, expected Status, mutate func(*Booking), entries ...*StatusHistoryEntry) (*Booking, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id)
	b, err := scanBooking(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if b.Status != expected {
		return nil, ErrConcurrentModification
	}

	mutate(b)
	b.UpdatedAt = time.Now().UTC()

	locationJSON, _ := json.Marshal(b.Location)
	result, err := tx.ExecContext(ctx, `
		UPDATE bookings SET
			status = $1, actual_start = $2, actual_end = $3,
			cancelled_by = $4, cancelled_at = $5, cancel_reason = $6,
			refund_amount = $7, refund_percentage = $8,
			lock_tx_hash = $9, settled_amount = $10, was_auto_confirmed = $11,
			location = $12, updated_at = $13
		WHERE id = $14 AND status = $15`,
		string(b.Status), nullTime(b.ActualStart), nullTime(b.ActualEnd),
		nullString(string(b.CancelledBy)), nullTime(b.CancelledAt), nullString(b.CancelReason),
		b.RefundAmount, b.RefundPercentage,
		nullString(b.LockTxHash), b.SettledAmount, b.WasAutoConfirmed,
		locationJSON, b.UpdatedAt,
		b.ID, string(expected),
	)
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// Row was locked, so this only happens if the status changed
		// between our read and write (should not occur under FOR UPDATE,
		// kept as a conditional-update backstop).
		return nil, ErrConcurrentModification
	}

	for _, e := range entries {
		if err := insertHistory(ctx, tx, e); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return b, nil
}

func (p *PostgresStore) History(ctx context.Context, bookingID string) ([]*StatusHistoryEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, booking_id, from_status, to_status, actor_id, actor_role, reason, created_at
		FROM booking_status_history
		WHERE booking_id = $1
		ORDER BY id ASC`, bookingID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*StatusHistoryEntry
	for rows.Next() {
		e := &StatusHistoryEntry{}
		var fromStatus, reason sql.NullString
		var actorRole string
		if err := rows.Scan(&e.ID, &e.BookingID, &fromStatus, &e.To, &e.ActorID, &actorRole, &reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.From = Status(fromStatus.String)
		e.ActorRole = Role(actorRole)
		e.Reason = reason.String
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*Booking, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanBookings(rows)
}

func (p *PostgresStore) ListByProvider(ctx context.Context, providerID string, limit int) ([]*Booking, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE provider_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, providerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanBookings(rows)
}

func (p *PostgresStore) ListAwaitingConfirmation(ctx context.Context, before time.Time, limit int) ([]*Booking, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE status = 'awaiting_confirmation'
		  AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanBookings(rows)
}

func insertHistory(ctx context.Context, tx *sql.Tx, e *StatusHistoryEntry) error {
	return tx.QueryRowContext(ctx, `
		INSERT INTO booking_status_history (
			booking_id, from_status, to_status, actor_id, actor_role, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		e.BookingID, nullString(string(e.From)), string(e.To),
		e.ActorID, string(e.ActorRole), nullString(e.Reason), e.CreatedAt,
	).Scan(&e.ID)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBooking(s scanner) (*Booking, error) {
	b := &Booking{}
	var (
		propertyAddr sql.NullString
		actualStart  sql.NullTime
		actualEnd    sql.NullTime
		locationJSON []byte
		status       string
		cancelledBy  sql.NullString
		cancelledAt  sql.NullTime
		cancelReason sql.NullString
		lockTxHash   sql.NullString
	)

	err := s.Scan(
		&b.ID, &b.CustomerID, &b.ProviderID, &b.ServiceID,
		&b.CustomerAddr, &b.ProviderAddr, &propertyAddr,
		&b.ScheduledStart, &b.ScheduledEnd, &actualStart, &actualEnd,
		&locationJSON, &b.QuoteAmount, &b.PlatformFee, &b.ProviderPayout, &b.PropertyPayout,
		&status, &cancelledBy, &cancelledAt, &cancelReason,
		&b.RefundAmount, &b.RefundPercentage,
		&lockTxHash, &b.SettledAmount, &b.WasAutoConfirmed,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	b.Status = Status(status)
	b.PropertyAddr = propertyAddr.String
	b.CancelledBy = Role(cancelledBy.String)
	b.CancelReason = cancelReason.String
	b.LockTxHash = lockTxHash.String
	if actualStart.Valid {
		b.ActualStart = &actualStart.Time
	}
	if actualEnd.Valid {
		b.ActualEnd = &actualEnd.Time
	}
	if cancelledAt.Valid {
		b.CancelledAt = &cancelledAt.Time
	}
	if len(locationJSON) > 0 {
		_ = json.Unmarshal(locationJSON, &b.Location)
	}

	return b, nil
}

func scanBookings(rows *sql.Rows) ([]*Booking, error) {
	var result []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
