package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// FallbackStore serves hits from a shared primary store and switches to a
// local store when the primary fails. A circuit breaker around the primary
// stops every request from paying a timeout while the primary is down.
//
// Counts taken by the fallback are local to this process and are not copied
// back when the primary recovers.
type FallbackStore struct {
	primary  Store
	fallback Store
	cb       *gobreaker.CircuitBreaker

	onFallback func(err error)
}

type hitResult struct {
	entry   Entry
	allowed bool
}

type FallbackOptions struct {
	// Name labels the breaker in state change callbacks.
	Name string

	// FailureThreshold is the number of consecutive primary failures that
	// opens the breaker. Default 5.
	FailureThreshold uint32

	// OpenTimeout is how long the breaker stays open before letting a trial
	// request through. Default 10s.
	OpenTimeout time.Duration

	// OnStateChange is called on breaker transitions.
	OnStateChange func(name string, from, to gobreaker.State)

	// OnFallback is called each time a hit is served by the fallback store.
	OnFallback func(err error)
}

// NewFallbackStore wraps primary with a breaker and fallback.
func NewFallbackStore(primary, fallback Store, opts FallbackOptions) *FallbackStore {
	if opts.Name == "" {
		opts.Name = "ratelimit-store"
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenTimeout == 0 {
		opts.OpenTimeout = 10 * time.Second
	}
	threshold := opts.FailureThreshold

	settings := gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		// caller cancellation says nothing about primary health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, errEmptyKey)
		},
		OnStateChange: opts.OnStateChange,
	}

	return &FallbackStore{
		primary:    primary,
		fallback:   fallback,
		cb:         gobreaker.NewCircuitBreaker(settings),
		onFallback: opts.OnFallback,
	}
}

func (f *FallbackStore) Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Entry, bool, error) {
	res, err := f.cb.Execute(func() (interface{}, error) {
		e, ok, err := f.primary.Hit(ctx, key, limit, window, now)
		if err != nil {
			return nil, err
		}
		return hitResult{entry: e, allowed: ok}, nil
	})
	if err == nil {
		r := res.(hitResult)
		return r.entry, r.allowed, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, errEmptyKey) {
		return Entry{}, false, err
	}

	if f.onFallback != nil {
		f.onFallback(err)
	}
	return f.fallback.Hit(ctx, key, limit, window, now)
}

// Reset clears the key in both stores.
func (f *FallbackStore) Reset(ctx context.Context, key string) error {
	errP := f.primary.Reset(ctx, key)
	errF := f.fallback.Reset(ctx, key)
	return errors.Join(errP, errF)
}

func (f *FallbackStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	n1, errP := f.primary.Purge(ctx, now)
	n2, errF := f.fallback.Purge(ctx, now)
	return n1 + n2, errors.Join(errP, errF)
}

// State reports the breaker state.
func (f *FallbackStore) State() gobreaker.State {
	return f.cb.State()
}

func (f *FallbackStore) Close() error {
	return errors.Join(f.primary.Close(), f.fallback.Close())
}
