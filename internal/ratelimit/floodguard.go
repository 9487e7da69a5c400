package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// visitor tracks a single IPs bucket and last activity
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged tracks whether we have already emitted the first-denial log
	// resets when the entry is evicted and re-created
	logged bool
}

// FloodGuard is a per-IP token bucket kept in process memory. It runs in
// front of the store-backed Limiter and sheds floods before they cost a
// store round trip. It does nothing against distributed floods.
type FloodGuard struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	// rate controls: requests per second and burst ceiling
	perSecond rate.Limit
	burst     int

	// ttl controls how long an idle IP stays in the map before cleanup evicts it
	ttl time.Duration

	// maxVisitors bounds the map, new IPs are rejected while it is full
	maxVisitors int

	// OnFirstDenied is called once per visitor when they first get rate limited
	OnFirstDenied func(ip string)

	// OnDenied is called on every denied request, used for incrementing prometheus counter
	OnDenied func(ip string)

	// OnCapacity is called when a new IP is rejected because the map is full
	OnCapacity func()
}

type FloodOption func(*FloodGuard)

// WithRate sets the bucket size and refill rate.
// WithRate(10, 50) allows 50 requests at once, then refills at 10 requests per second
func WithRate(perSecond float64, burst int) FloodOption {
	return func(g *FloodGuard) {
		g.perSecond = rate.Limit(perSecond)
		g.burst = burst
	}
}

// WithTTL controls how long an idle IP stays in the map before cleanup
func WithTTL(d time.Duration) FloodOption {
	return func(g *FloodGuard) {
		g.ttl = d
	}
}

// WithMaxVisitors caps the number of tracked IPs
func WithMaxVisitors(n int) FloodOption {
	return func(g *FloodGuard) {
		g.maxVisitors = n
	}
}

// WithFloodOnFirstDenied sets a callback for the first denial per visitor, used for logging.
func WithFloodOnFirstDenied(fn func(ip string)) FloodOption {
	return func(g *FloodGuard) {
		g.OnFirstDenied = fn
	}
}

// WithFloodOnDenied sets a callback for every denied request.
func WithFloodOnDenied(fn func(ip string)) FloodOption {
	return func(g *FloodGuard) {
		g.OnDenied = fn
	}
}

// WithFloodOnCapacity sets a callback for rejections caused by a full visitor map.
func WithFloodOnCapacity(fn func()) FloodOption {
	return func(g *FloodGuard) {
		g.OnCapacity = fn
	}
}

// NewFloodGuard creates a FloodGuard and starts the background cleanup
// goroutine, which stops when ctx is cancelled.
func NewFloodGuard(ctx context.Context, opts ...FloodOption) *FloodGuard {
	g := &FloodGuard{
		visitors:    make(map[string]*visitor),
		perSecond:   20,
		burst:       60,
		ttl:         5 * time.Minute,
		maxVisitors: 100_000,
	}
	for _, o := range opts {
		o(g)
	}
	go g.cleanup(ctx)
	return g
}

// allow checks whether ip is within its bucket, creating the visitor on first sight.
func (g *FloodGuard) allow(ip string) bool {
	g.mu.Lock()
	v, exists := g.visitors[ip]
	if !exists {
		if g.maxVisitors > 0 && len(g.visitors) >= g.maxVisitors {
			g.mu.Unlock()
			if g.OnCapacity != nil {
				g.OnCapacity()
			}
			return false
		}
		v = &visitor{
			limiter: rate.NewLimiter(g.perSecond, g.burst),
		}
		g.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	allowed := v.limiter.Allow()

	first := false
	if !allowed && !v.logged {
		v.logged = true
		first = true
	}
	// release before hooks, they may do slow work
	g.mu.Unlock()

	if first && g.OnFirstDenied != nil {
		g.OnFirstDenied(ip)
	}
	if !allowed && g.OnDenied != nil {
		g.OnDenied(ip)
	}
	return allowed
}

// cleanup periodically evicts visitors that haven't been seen within the TTL.
// Runs every TTL/2 to avoid holding stale entries much longer than intended.
func (g *FloodGuard) cleanup(ctx context.Context) {
	ticker := time.NewTicker(g.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.mu.Lock()
			for ip, v := range g.visitors {
				if now.Sub(v.lastSeen) > g.ttl {
					delete(g.visitors, ip)
				}
			}
			g.mu.Unlock()
		}
	}
}

// Middleware rejects requests over the per-IP bucket with 429.
func (g *FloodGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.allow(ByClientIP(r)) {
			WriteTooManyRequests(w, 30*time.Second)
			return
		}
		next.ServeHTTP(w, r)
	})
}
