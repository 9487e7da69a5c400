package session

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/gymgate/internal/xerrors"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	token      TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
`

// Session is a stored session row.
type Session struct {
	Token     string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// SQLStore keeps opaque session tokens in the sessions table. Timestamps
// are unix nanoseconds.
type SQLStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

type StoreOption func(*SQLStore)

// WithTTL sets the lifetime of created sessions. Default 24h.
func WithTTL(d time.Duration) StoreOption {
	return func(s *SQLStore) {
		s.ttl = d
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) StoreOption {
	return func(s *SQLStore) {
		s.now = now
	}
}

// NewSQLStore creates the schema if needed. The caller owns db.
func NewSQLStore(ctx context.Context, db *sql.DB, opts ...StoreOption) (*SQLStore, error) {
	if db == nil {
		return nil, xerrors.New("session: nil db")
	}
	s := &SQLStore{db: db, ttl: 24 * time.Hour, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if _, err := db.ExecContext(ctx, sessionSchema); err != nil {
		return nil, xerrors.Wrap(err, "create sessions schema")
	}
	return s, nil
}

// Create starts a session for userID.
func (s *SQLStore) Create(ctx context.Context, userID string) (Session, error) {
	if userID == "" {
		return Session{}, xerrors.New("session: user id is required")
	}
	now := s.now()
	sess := Session{
		Token:     uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		sess.Token, sess.UserID, sess.CreatedAt.UnixNano(), sess.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return Session{}, xerrors.Wrap(err, "insert session")
	}
	return sess, nil
}

// Lookup returns the live session for token. Unknown and expired tokens
// both yield ErrInvalidSession.
func (s *SQLStore) Lookup(ctx context.Context, token string) (Session, error) {
	// tokens we issue are uuids, skip the query for anything else
	if _, err := uuid.Parse(token); err != nil {
		return Session{}, ErrInvalidSession
	}
	sess := Session{Token: token}
	var created, expires int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, created_at, expires_at FROM sessions WHERE token = ?`, token,
	).Scan(&sess.UserID, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrInvalidSession
	}
	if err != nil {
		return Session{}, xerrors.Wrap(err, "lookup session")
	}
	sess.CreatedAt = time.Unix(0, created)
	sess.ExpiresAt = time.Unix(0, expires)
	if !s.now().Before(sess.ExpiresAt) {
		return Session{}, ErrInvalidSession
	}
	return sess, nil
}

// Delete ends a session. Deleting an unknown token is not an error.
func (s *SQLStore) Delete(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token); err != nil {
		return xerrors.Wrap(err, "delete session")
	}
	return nil
}

// DeleteExpired removes sessions that expired before now.
func (s *SQLStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, xerrors.Wrap(err, "delete expired sessions")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLStore) Authenticate(r *http.Request) (Principal, error) {
	token, err := TokenFromRequest(r)
	if err != nil {
		return Principal{}, err
	}
	sess, err := s.Lookup(r.Context(), token)
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: sess.UserID, SessionID: sess.Token, ExpiresAt: sess.ExpiresAt}, nil
}
