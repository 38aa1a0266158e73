package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mkarlsso/trustbook/internal/events"
)

// PostgresStore persists notification subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, user_id, url, secret, event_types, active, created_at, last_success, last_error`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	eventsJSON, _ := json.Marshal(sub.Events)
	if sub.Events == nil {
		eventsJSON = []byte("[]")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO notify_subscriptions (
			id, user_id, url, secret, event_types, active, created_at, last_success, last_error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sub.ID, sub.UserID, sub.URL, sub.Secret, eventsJSON, sub.Active,
		sub.CreatedAt, nullTime(sub.LastSuccess), nullString(sub.LastError),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM notify_subscriptions WHERE id = $1`, id)

	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	return sub, err
}

func (p *PostgresStore) GetByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM notify_subscriptions
		WHERE user_id = $1
		ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	eventsJSON, _ := json.Marshal(sub.Events)
	if sub.Events == nil {
		eventsJSON = []byte("[]")
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE notify_subscriptions SET
			url = $1, secret = $2, event_types = $3, active = $4,
			last_success = $5, last_error = $6
		WHERE id = $7`,
		sub.URL, sub.Secret, eventsJSON, sub.Active,
		nullTime(sub.LastSuccess), nullString(sub.LastError),
		sub.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM notify_subscriptions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(s scanner) (*Subscription, error) {
	sub := &Subscription{}
	var (
		eventsJSON  []byte
		lastSuccess sql.NullTime
		lastError   sql.NullString
	)

	err := s.Scan(
		&sub.ID, &sub.UserID, &sub.URL, &sub.Secret, &eventsJSON,
		&sub.Active, &sub.CreatedAt, &lastSuccess, &lastError,
	)
	if err != nil {
		return nil, err
	}

	if len(eventsJSON) > 0 {
		var types []events.Type
		_ = json.Unmarshal(eventsJSON, &types)
		sub.Events = types
	}
	if lastSuccess.Valid {
		sub.LastSuccess = &lastSuccess.Time
	}
	sub.LastError = lastError.String
	return sub, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
