package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps counters in a process-local map. Counts are not shared
// between instances, so it is only authoritative for single-process
// deployments and as the fallback behind a shared store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry

	// maxKeys bounds the map, 0 means unbounded
	maxKeys int

	// sweep controls how often the background janitor evicts expired entries
	sweep time.Duration

	// onCapacity is called each time a new key is refused because the map is full
	onCapacity func()

	now func() time.Time
}

type MemoryOption func(*MemoryStore)

// WithMaxKeys caps the number of tracked keys. New keys beyond the cap are
// refused with ErrCapacity until expired entries are evicted.
func WithMaxKeys(n int) MemoryOption {
	return func(s *MemoryStore) {
		s.maxKeys = n
	}
}

// WithSweepInterval sets how often expired entries are evicted.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.sweep = d
	}
}

// WithOnCapacity sets a callback fired when a new key is refused.
func WithOnCapacity(fn func()) MemoryOption {
	return func(s *MemoryStore) {
		s.onCapacity = fn
	}
}

// withMemoryClock overrides the janitor clock in tests.
func withMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates a MemoryStore and starts its janitor, which stops
// when ctx is cancelled.
func NewMemoryStore(ctx context.Context, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]Entry),
		sweep:   time.Minute,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.sweep > 0 {
		go s.janitor(ctx)
	}
	return s
}

func (s *MemoryStore) Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Entry, bool, error) {
	if key == "" {
		return Entry{}, false, errEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}

	s.mu.Lock()
	cur, found := s.entries[key]
	if !found && s.maxKeys > 0 && len(s.entries) >= s.maxKeys {
		s.evictLocked(now)
		if len(s.entries) >= s.maxKeys {
			s.mu.Unlock()
			// hook runs outside the lock, it may log or touch metrics
			if s.onCapacity != nil {
				s.onCapacity()
			}
			return Entry{}, false, ErrCapacity
		}
	}
	next, allowed, changed := step(cur, found, key, limit, window, now)
	if changed {
		s.entries[key] = next
	}
	s.mu.Unlock()

	return next, allowed, nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Purge(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	n := s.evictLocked(now)
	s.mu.Unlock()
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// evictLocked removes entries whose window is over. caller holds s.mu.
func (s *MemoryStore) evictLocked(now time.Time) int64 {
	var n int64
	for k, e := range s.entries {
		if now.After(e.ExpiresAt) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

func (s *MemoryStore) janitor(ctx context.Context) {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.Purge(ctx, s.now())
		}
	}
}
