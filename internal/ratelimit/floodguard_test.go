package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// newTestGuard creates a guard with a short TTL. The cleanup goroutine stops with the test.
func newTestGuard(t *testing.T, opts ...FloodOption) *FloodGuard {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	defaults := []FloodOption{
		WithRate(10, 5),
		WithTTL(100 * time.Millisecond),
	}
	return NewFloodGuard(ctx, append(defaults, opts...)...)
}

func TestFloodGuard_BurstThenReject(t *testing.T) {
	g := newTestGuard(t, WithRate(1, 5))
	for i := 0; i < 5; i++ {
		if !g.allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed (within burst)", i+1)
		}
	}
	if g.allow("10.0.0.1") {
		t.Fatal("request 6 should be denied (burst exhausted)")
	}
	if !g.allow("10.0.0.2") {
		t.Fatal("other ip should have its own bucket")
	}
}

func TestFloodGuard_Hooks(t *testing.T) {
	var first, every atomic.Int32
	g := newTestGuard(t, WithRate(0.001, 1),
		WithFloodOnFirstDenied(func(string) { first.Add(1) }),
		WithFloodOnDenied(func(string) { every.Add(1) }),
	)
	for i := 0; i < 4; i++ {
		g.allow("10.0.0.1")
	}
	if first.Load() != 1 {
		t.Fatalf("first denied = %d, want 1", first.Load())
	}
	if every.Load() != 3 {
		t.Fatalf("denied = %d, want 3", every.Load())
	}
}

func TestFloodGuard_MaxVisitors(t *testing.T) {
	var capacity atomic.Int32
	g := newTestGuard(t, WithMaxVisitors(3), WithFloodOnCapacity(func() { capacity.Add(1) }))
	for i := 0; i < 3; i++ {
		if !g.allow(fmt.Sprintf("10.0.0.%d", i)) {
			t.Fatalf("visitor %d should be allowed", i)
		}
	}
	if g.allow("10.0.0.99") {
		t.Fatal("new visitor beyond cap should be rejected")
	}
	if !g.allow("10.0.0.0") {
		t.Fatal("known visitor should still be served")
	}
	if capacity.Load() != 1 {
		t.Fatalf("capacity callbacks = %d, want 1", capacity.Load())
	}
}

func TestFloodGuard_CleanupEvicts(t *testing.T) {
	g := newTestGuard(t, WithTTL(20*time.Millisecond))
	g.allow("10.0.0.1")

	deadline := time.Now().Add(2 * time.Second)
	for {
		g.mu.Lock()
		n := len(g.visitors)
		g.mu.Unlock()
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("idle visitor was not evicted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFloodGuard_Middleware(t *testing.T) {
	g := newTestGuard(t, WithRate(0.001, 2))
	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/gyms", nil)
		r.RemoteAddr = "192.0.2.10:4000"
		h.ServeHTTP(rec, r)
		codes = append(codes, rec.Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
}
