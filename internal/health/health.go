// Package health answers liveness and readiness for gymgate. Readiness is
// the conjunction of named dependency checks (sqlite, the rate limit
// store) and a drain gate that fails first during shutdown so the load
// balancer stops routing before connections close.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/keithlinneman/gymgate/internal/xerrors"
)

// Check reports nil when the dependency is usable.
type Check interface{ Check(context.Context) error }

type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Alive always passes. The process answering at all is the liveness signal.
func Alive() CheckFunc {
	return func(context.Context) error { return nil }
}

// Named prefixes failures with name so the readiness body says which
// dependency is down.
func Named(name string, c Check) CheckFunc {
	return func(ctx context.Context) error {
		if err := c.Check(ctx); err != nil {
			return xerrors.Wrap(err, name)
		}
		return nil
	}
}

// All runs every check and joins the failures. Nil checks are skipped.
func All(cs ...Check) CheckFunc {
	return func(ctx context.Context) error {
		var errs []error
		for _, c := range cs {
			if c == nil {
				continue
			}
			if err := c.Check(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// Gate fails readiness once Drain is called.
type Gate struct {
	mu     sync.RWMutex
	reason string
}

func (g *Gate) Drain(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.mu.Lock()
	g.reason = reason
	g.mu.Unlock()
}

func (g *Gate) Resume() {
	g.mu.Lock()
	g.reason = ""
	g.mu.Unlock()
}

func (g *Gate) Check(context.Context) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.reason == "" {
		return nil
	}
	return errors.New(g.reason)
}

type status struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func LivenessHandler(c Check) http.HandlerFunc { return handler(c) }

func ReadinessHandler(c Check) http.HandlerFunc { return handler(c) }

func handler(c Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code, body := http.StatusOK, status{Status: "ok"}
		if c != nil {
			if err := c.Check(r.Context()); err != nil {
				code, body = http.StatusServiceUnavailable, status{Status: "unavailable", Error: err.Error()}
			}
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}
}
