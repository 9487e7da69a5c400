// Package opshttp serves the operator port: health, metrics, the active
// rate limit policies and optionally pprof. It is meant for scrapers and
// operators on the same host or VPC and refuses public peers.
package opshttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/netip"
	"sync"
	"time"

	"github.com/keithlinneman/gymgate/internal/health"
	"github.com/keithlinneman/gymgate/internal/httpmw"
	"github.com/keithlinneman/gymgate/internal/log"
	"github.com/keithlinneman/gymgate/internal/xerrors"
)

const defaultPort = 9000

type Options struct {
	Port int

	Health    health.Check
	Readiness health.Check
	Metrics   http.Handler

	// Routes mounts extra read-only endpoints, keyed by path.
	Routes map[string]http.Handler

	EnablePprof  bool
	UseRecoverMW bool
	OnPanic      func()
}

// Handler builds the ops mux behind the network filter.
func Handler(L log.Logger, opts Options) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", health.LivenessHandler(opts.Health))
	mux.Handle("GET /readyz", health.ReadinessHandler(opts.Readiness))
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	for path, h := range opts.Routes {
		mux.Handle("GET "+path, h)
	}
	if opts.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	h := localOnly(L, mux)
	if opts.UseRecoverMW {
		h = httpmw.Recover(L, opts.OnPanic)(h)
	}
	return h
}

// localOnly rejects peers outside loopback, private and link-local ranges.
// Forwarded headers are ignored, only the connection address counts.
func localOnly(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ap, err := netip.ParseAddrPort(r.RemoteAddr)
		if err != nil {
			L.Warn(r.Context(), "ops request rejected", "reason", "bad remote addr", "remote_addr", r.RemoteAddr)
			httpmw.WriteError(w, http.StatusForbidden, "forbidden")
			return
		}
		ip := ap.Addr().Unmap()
		if !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsLinkLocalUnicast() {
			L.Warn(r.Context(), "ops request rejected", "reason", "public network", "client.address", ip.String(), "url.path", r.URL.Path)
			httpmw.WriteError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start serves Handler in the background and returns its stop func.
func Start(ctx context.Context, L log.Logger, opts Options) (func(context.Context) error, error) {
	if L == nil {
		L = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = defaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen ops %s", addr)
	}
	srv := &http.Server{
		Handler:           Handler(L, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// pprof profile and trace capture for 30s by default
		WriteTimeout:   45 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		L.Info(ctx, "ops listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			L.Error(ctx, err, "ops server stopped")
		}
	}()

	var once sync.Once
	var stopErr error
	return func(sctx context.Context) error {
		once.Do(func() {
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			stopErr = srv.Shutdown(c)
		})
		return stopErr
	}, nil
}
