package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/keithlinneman/gymgate/internal/xerrors"
)

const rateLimitSchema = `
CREATE TABLE IF NOT EXISTS rate_limit_entries (
	key           TEXT PRIMARY KEY,
	count         INTEGER NOT NULL,
	first_request INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_limit_entries_expires_at ON rate_limit_entries(expires_at);
`

// SQLStore keeps counters in the rate_limit_entries table, one row per key.
// Timestamps are stored as unix nanoseconds.
//
// A hit is a read-then-write inside one transaction. With a single-writer
// database (sqlite) that serializes concurrent hits on the same key. On
// databases with weaker isolation two racing hits may both be allowed, which
// is acceptable for a deterrent.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates the schema if needed. The caller owns db.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	if db == nil {
		return nil, xerrors.New("ratelimit: nil db")
	}
	if _, err := db.ExecContext(ctx, rateLimitSchema); err != nil {
		return nil, xerrors.Wrap(err, "create rate_limit_entries schema")
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Entry, bool, error) {
	if key == "" {
		return Entry{}, false, errEmptyKey
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, false, xerrors.Wrap(err, "begin rate limit tx")
	}
	defer func() { _ = tx.Rollback() }()

	var (
		cur          = Entry{Key: key}
		first, until int64
		found        = true
	)
	err = tx.QueryRowContext(ctx,
		`SELECT count, first_request, expires_at FROM rate_limit_entries WHERE key = ?`, key,
	).Scan(&cur.Count, &first, &until)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		found = false
	case err != nil:
		return Entry{}, false, xerrors.Wrapf(err, "read rate limit entry %q", key)
	default:
		cur.FirstRequest = time.Unix(0, first)
		cur.ExpiresAt = time.Unix(0, until)
	}

	next, allowed, changed := step(cur, found, key, limit, window, now)
	if !changed {
		return next, allowed, nil
	}

	if next.Count == 1 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rate_limit_entries (key, count, first_request, expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET
				count = excluded.count,
				first_request = excluded.first_request,
				expires_at = excluded.expires_at`,
			key, next.Count, next.FirstRequest.UnixNano(), next.ExpiresAt.UnixNano(),
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE rate_limit_entries SET count = ? WHERE key = ?`, next.Count, key,
		)
	}
	if err != nil {
		return Entry{}, false, xerrors.Wrapf(err, "write rate limit entry %q", key)
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, false, xerrors.Wrap(err, "commit rate limit tx")
	}
	return next, allowed, nil
}

func (s *SQLStore) Reset(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_entries WHERE key = ?`, key); err != nil {
		return xerrors.Wrapf(err, "reset rate limit entry %q", key)
	}
	return nil
}

func (s *SQLStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_entries WHERE expires_at < ?`, now.UnixNano())
	if err != nil {
		return 0, xerrors.Wrap(err, "purge rate limit entries")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Get returns the stored entry for key, mostly for inspection and tests.
func (s *SQLStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	e := Entry{Key: key}
	var first, until int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count, first_request, expires_at FROM rate_limit_entries WHERE key = ?`, key,
	).Scan(&e.Count, &first, &until)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, xerrors.Wrapf(err, "read rate limit entry %q", key)
	}
	e.FirstRequest = time.Unix(0, first)
	e.ExpiresAt = time.Unix(0, until)
	return e, true, nil
}

// Close is a no-op, the db handle belongs to the caller.
func (s *SQLStore) Close() error { return nil }
