package ratelimit

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/keithlinneman/gymgate/internal/httpmw"
	"github.com/keithlinneman/gymgate/internal/log"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Count     int
	Remaining int
	// ResetAt is the end of the current window. The key accepts requests
	// again once ResetAt has passed.
	ResetAt time.Time
}

// RetryAfter is the time until the window resets, rounded up to whole
// seconds with a floor of one second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	secs := math.Ceil(wait.Seconds())
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// Limiter enforces fixed-window policies against a Store.
type Limiter struct {
	store    Store
	policies *PolicySet
	now      func() time.Time

	// OnDenied is called on every denied request, used for prometheus counters
	OnDenied func(policy, key string)

	// OnFirstDenied is called once per key and window, used for logging
	OnFirstDenied func(policy, key string)

	// OnStoreError is called when the store fails and the request is let through
	OnStoreError func(policy string, err error)

	mu sync.Mutex
	// denied remembers the window end of keys already reported to OnFirstDenied
	denied    map[string]time.Time
	nextSweep time.Time
	maxDenied int
}

const (
	deniedSweepEvery = time.Minute
	maxDeniedKeys    = 1 << 16
)

type Option func(*Limiter)

// WithPolicies sets the policy set consulted by name. Defaults are used if unset.
func WithPolicies(s *PolicySet) Option {
	return func(l *Limiter) {
		l.policies = s
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithOnDenied sets a callback for every denied request.
func WithOnDenied(fn func(policy, key string)) Option {
	return func(l *Limiter) {
		l.OnDenied = fn
	}
}

// WithOnFirstDenied sets a callback for the first denial of a key in each
// window. Kept separate from OnDenied so we log once but count every denial.
func WithOnFirstDenied(fn func(policy, key string)) Option {
	return func(l *Limiter) {
		l.OnFirstDenied = fn
	}
}

// WithOnStoreError sets a callback for store failures.
func WithOnStoreError(fn func(policy string, err error)) Option {
	return func(l *Limiter) {
		l.OnStoreError = fn
	}
}

func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:     store,
		now:       time.Now,
		denied:    make(map[string]time.Time),
		maxDenied: maxDeniedKeys,
	}
	for _, o := range opts {
		o(l)
	}
	if l.policies == nil {
		l.policies, _ = NewPolicySet(nil)
	}
	return l
}

// Policy resolves a policy by name from the active set.
func (l *Limiter) Policy(name string) (Policy, bool) {
	return l.policies.Get(name)
}

// Allow counts one request for key under p.
//
// When the store fails the request is allowed and the error is returned
// alongside an allowing decision: the limiter deters abuse, it is not worth
// an outage. A store that is out of capacity denies.
func (l *Limiter) Allow(ctx context.Context, p Policy, key string) (Decision, error) {
	now := l.now()
	full := p.Name + ":" + key

	e, allowed, err := l.store.Hit(ctx, full, p.MaxRequests, p.Window, now)
	if err != nil {
		if errors.Is(err, ErrCapacity) {
			// no entry to read a window from, align to window boundaries so
			// the first-denial hook still fires once per window
			d := Decision{Allowed: false, Limit: p.MaxRequests, ResetAt: now.Truncate(p.Window).Add(p.Window)}
			l.reportDenied(p.Name, key, d.ResetAt)
			return d, nil
		}
		if l.OnStoreError != nil {
			l.OnStoreError(p.Name, err)
		}
		return Decision{Allowed: true, Limit: p.MaxRequests, Remaining: p.MaxRequests, ResetAt: now.Add(p.Window)}, err
	}

	d := Decision{
		Allowed:   allowed,
		Limit:     p.MaxRequests,
		Count:     e.Count,
		Remaining: max(p.MaxRequests-e.Count, 0),
		ResetAt:   e.ExpiresAt,
	}
	if !allowed {
		l.reportDenied(p.Name, key, e.ExpiresAt)
	}
	return d, nil
}

func (l *Limiter) reportDenied(policy, key string, resetAt time.Time) {
	id := policy + ":" + key

	l.mu.Lock()
	first := !l.denied[id].Equal(resetAt)
	if first {
		l.trimDenied()
		l.denied[id] = resetAt
	}
	l.mu.Unlock()

	// hooks run outside the lock, they may log or touch metrics
	if first && l.OnFirstDenied != nil {
		l.OnFirstDenied(policy, key)
	}
	if l.OnDenied != nil {
		l.OnDenied(policy, key)
	}
}

// trimDenied drops expired entries at most once per deniedSweepEvery, and
// forgets everything if a flood of distinct keys still fills the table. The
// cost of forgetting is one extra first-denial report per key. Caller holds
// l.mu.
func (l *Limiter) trimDenied() {
	now := l.now()
	if !now.Before(l.nextSweep) {
		for k, until := range l.denied {
			if !now.Before(until) {
				delete(l.denied, k)
			}
		}
		l.nextSweep = now.Add(deniedSweepEvery)
	}
	if len(l.denied) >= l.maxDenied {
		clear(l.denied)
	}
}

// RetryAfter is d.RetryAfter measured on the limiter's clock.
func (l *Limiter) RetryAfter(d Decision) time.Duration {
	return d.RetryAfter(l.now())
}

// Reset clears the counter for key under the named policy.
func (l *Limiter) Reset(ctx context.Context, policy, key string) error {
	return l.store.Reset(ctx, policy+":"+key)
}

// KeyFunc derives the rate limit identity of a request.
type KeyFunc func(r *http.Request) string

// ByClientIP keys on the client address resolved by httpmw.ClientIP,
// falling back to the connection's remote address.
func ByClientIP(r *http.Request) string {
	if ip := httpmw.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Middleware enforces the named policy. Unknown policy names are a wiring
// bug and fail closed with 500.
func (l *Limiter) Middleware(policy string, key KeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = ByClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			p, ok := l.Policy(policy)
			if !ok {
				log.FromContext(ctx).Error(ctx, errors.New("unknown rate limit policy"), "rate limit misconfigured", "policy", policy)
				httpmw.WriteError(w, http.StatusInternalServerError, "internal server error")
				return
			}

			d, err := l.Allow(ctx, p, key(r))
			if err != nil {
				log.FromContext(ctx).Warn(ctx, "rate limit store unavailable, allowing request", "policy", policy, "error", err)
			}
			if !d.Allowed {
				httpmw.Annotate(ctx, httpmw.StageAnnotation, "rate_limit")
				WriteTooManyRequests(w, l.RetryAfter(d))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteTooManyRequests writes the 429 response shared by every limiter.
func WriteTooManyRequests(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter/time.Second)))
	// no detail about limits or remaining budget
	httpmw.WriteError(w, http.StatusTooManyRequests, "too many requests")
}
