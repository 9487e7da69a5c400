// Package sqlitedb opens the sqlite database shared by the rate limit,
// session, gym and webhook stores.
package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/keithlinneman/gymgate/internal/xerrors"
)

// BusyTimeout is how long a statement waits on a locked database.
const BusyTimeout = 5 * time.Second

// DSN builds a modernc sqlite DSN with WAL journaling, a busy timeout and
// immediate write transactions.
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", BusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Open opens path and checks the connection. sqlite has a single writer, so
// the pool is pinned to one connection.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, xerrors.New("sqlite: db path cannot be empty")
	}
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, xerrors.Wrapf(err, "open sqlite %s", path)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, BusyTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrapf(err, "ping sqlite %s", path)
	}
	return db, nil
}
