package ratelimit

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCapacity is returned by a store that cannot track another key.
	// The limiter treats it as a denial.
	ErrCapacity = errors.New("ratelimit: store capacity reached")

	errEmptyKey = errors.New("ratelimit: empty key")
)

// Entry is the persisted counter for one key.
type Entry struct {
	Key          string
	Count        int
	FirstRequest time.Time
	ExpiresAt    time.Time
}

// Store persists window counters. Implementations must be safe for
// concurrent use.
type Store interface {
	// Hit records one request for key at now and reports whether it fits in
	// limit requests per window. A denied request leaves the entry unchanged.
	Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Entry, bool, error)

	// Reset forgets key.
	Reset(ctx context.Context, key string) error

	// Purge drops entries whose window ended before now and returns how many
	// were removed. Stores with native expiry may return 0.
	Purge(ctx context.Context, now time.Time) (int64, error)

	Close() error
}

// step applies one request to the stored entry. cur is the stored entry and
// found reports whether one existed. changed is false when nothing needs to
// be written back.
func step(cur Entry, found bool, key string, limit int, window time.Duration, now time.Time) (next Entry, allowed, changed bool) {
	if !found || now.Sub(cur.FirstRequest) > window {
		return Entry{
			Key:          key,
			Count:        1,
			FirstRequest: now,
			ExpiresAt:    now.Add(window),
		}, true, true
	}
	if cur.Count >= limit {
		return cur, false, false
	}
	cur.Count++
	return cur, true, true
}
