package webhook

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/keithlinneman/gymgate/internal/xerrors"
)

const webhookSchema = `
CREATE TABLE IF NOT EXISTS webhook_events (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	received_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS subscriptions (
	id                 TEXT PRIMARY KEY,
	customer_id        TEXT NOT NULL,
	status             TEXT NOT NULL,
	current_period_end INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_customer_id ON subscriptions(customer_id);
`

// Store records processed events and the subscription state they carry.
type Store struct {
	db *sql.DB
}

// NewStore creates the schema if needed. The caller owns db.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, xerrors.New("webhook: nil db")
	}
	if _, err := db.ExecContext(ctx, webhookSchema); err != nil {
		return nil, xerrors.Wrap(err, "create webhook schema")
	}
	return &Store{db: db}, nil
}

// Record marks an event as received. It reports false if the id was
// already recorded.
func (s *Store) Record(ctx context.Context, id, typ string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (id, type, received_at) VALUES (?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		id, typ, at.UnixNano(),
	)
	if err != nil {
		return false, xerrors.Wrapf(err, "record webhook event %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, xerrors.Wrap(err, "record webhook event rows affected")
	}
	return n == 1, nil
}

// Forget removes an event record so a redelivery is processed again.
func (s *Store) Forget(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM webhook_events WHERE id = ?`, id); err != nil {
		return xerrors.Wrapf(err, "forget webhook event %s", id)
	}
	return nil
}

// Subscription is the last known state of a Stripe subscription.
type Subscription struct {
	ID               string
	CustomerID       string
	Status           string
	CurrentPeriodEnd time.Time
	UpdatedAt        time.Time
}

// UpsertSubscription stores sub, replacing any previous state.
func (s *Store) UpsertSubscription(ctx context.Context, sub Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, customer_id, status, current_period_end, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			customer_id = excluded.customer_id,
			status = excluded.status,
			current_period_end = excluded.current_period_end,
			updated_at = excluded.updated_at`,
		sub.ID, sub.CustomerID, sub.Status, sub.CurrentPeriodEnd.Unix(), sub.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return xerrors.Wrapf(err, "upsert subscription %s", sub.ID)
	}
	return nil
}

// Subscription returns the stored subscription with id.
func (s *Store) Subscription(ctx context.Context, id string) (Subscription, bool, error) {
	sub := Subscription{ID: id}
	var end, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT customer_id, status, current_period_end, updated_at FROM subscriptions WHERE id = ?`, id,
	).Scan(&sub.CustomerID, &sub.Status, &end, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, false, nil
	}
	if err != nil {
		return Subscription{}, false, xerrors.Wrapf(err, "get subscription %s", id)
	}
	sub.CurrentPeriodEnd = time.Unix(end, 0)
	sub.UpdatedAt = time.Unix(0, updated)
	return sub, true, nil
}
