package escrow

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists escrow operations in PostgreSQL. The invariant
// (one live lock, then one live terminal operation per booking) is
// enforced by partial unique indexes; a violation surfaces as
// ErrOperationExists.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed operation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const operationColumns = `id, booking_id, kind, amount, status, tx_hash, error, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, op *Operation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_operations (
			id, booking_id, kind, amount, status, tx_hash, error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		op.ID, op.BookingID, string(op.Kind), op.Amount, string(op.Status),
		nullString(op.TxHash), nullString(op.Error), op.CreatedAt, op.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrOperationExists
	}
	return err
}

func (p *PostgresStore) Update(ctx context.Context, op *Operation) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_operations SET
			status = $1, tx_hash = $2, error = $3, updated_at = $4
		WHERE id = $5`,
		string(op.Status), nullString(op.TxHash), nullString(op.Error), op.UpdatedAt,
		op.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOperationNotFound
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Operation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM escrow_operations WHERE id = $1`, id)

	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, ErrOperationNotFound
	}
	return op, err
}

func (p *PostgresStore) ListByBooking(ctx context.Context, bookingID string) ([]*Operation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+operationColumns+`
		FROM escrow_operations
		WHERE booking_id = $1
		ORDER BY created_at ASC`, bookingID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOperations(rows)
}

func (p *PostgresStore) ListPending(ctx context.Context, limit int) ([]*Operation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+operationColumns+`
		FROM escrow_operations
		WHERE status = 'pending'
		  AND tx_hash IS NOT NULL
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOperations(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(s scanner) (*Operation, error) {
	op := &Operation{}
	var (
		kind    string
		status  string
		txHash  sql.NullString
		callErr sql.NullString
	)

	err := s.Scan(
		&op.ID, &op.BookingID, &kind, &op.Amount, &status,
		&txHash, &callErr, &op.CreatedAt, &op.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	op.Kind = Kind(kind)
	op.Status = OpStatus(status)
	op.TxHash = txHash.String
	op.Error = callErr.String
	return op, nil
}

func scanOperations(rows *sql.Rows) ([]*Operation, error) {
	var result []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, op)
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

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
