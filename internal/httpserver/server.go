// Package httpserver assembles the public gymgate listener: the outer
// middleware chain every request passes through and the chi router the
// API routes mount on.
package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/gymgate/internal/health"
	"github.com/keithlinneman/gymgate/internal/httpmw"
	"github.com/keithlinneman/gymgate/internal/log"
	"github.com/keithlinneman/gymgate/internal/xerrors"
)

const (
	defaultPort         = 8080
	defaultMaxBodyBytes = 256 << 10
)

// Listener timeouts, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20
)

type layer = func(http.Handler) http.Handler

// NewHandler returns the routed API wrapped in the outer chain. The chain
// is listed outermost first: security headers reach every response, the
// request id and annotation holder exist before anything logs, and the
// flood guard sees the resolved client address before tracing starts.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	chain := []layer{httpmw.SecurityHeaders}
	if opts.UseRecoverMW {
		chain = append(chain, httpmw.Recover(opts.Logger, opts.OnPanic))
	}
	chain = append(chain,
		httpmw.RequestID("X-Request-Id"),
		httpmw.TrackAnnotations,
		httpmw.ClientIP(opts.TrustedHops),
	)
	if opts.FloodGuard != nil {
		chain = append(chain, opts.FloodGuard)
	}
	chain = append(chain, traced, httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id"))
	if opts.MetricsMW != nil {
		chain = append(chain, opts.MetricsMW)
	}
	chain = append(chain, httpmw.WithLogger(opts.Logger))

	h := newRouter(opts)
	for i := len(chain) - 1; i >= 0; i-- {
		h = chain[i](h)
	}
	return h
}

func newRouter(opts Options) http.Handler {
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Compress(5, "application/json"),
		httpmw.AnnotateHTTPRoute,
		httpmw.AccessLog(),
		httpmw.MaxBody(maxBody),
	)

	if opts.Health != nil {
		r.Get("/-/healthy", health.LivenessHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", health.ReadinessHandler(opts.Readiness))
	}
	if opts.APIRoutes != nil {
		opts.APIRoutes(r)
	}

	r.NotFound(httpmw.ErrorHandler(http.StatusNotFound, "not found"))
	r.MethodNotAllowed(httpmw.ErrorHandler(http.StatusMethodNotAllowed, "method not allowed"))
	return r
}

// traced starts the server span. Health checks are polled every few
// seconds and are left untraced.
func traced(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			// renamed to the route pattern once chi has matched
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
}

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start listens on the configured port and serves in the background. The
// returned stop drains in-flight requests and is safe to call twice.
func Start(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = defaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen %s", addr)
	}
	srv := NewServer(addr, NewHandler(opts))

	go func() {
		opts.Logger.Info(ctx, "api listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			opts.Logger.Error(ctx, err, "api server stopped")
		}
	}()

	var once sync.Once
	var stopErr error
	return func(sctx context.Context) error {
		once.Do(func() {
			opts.Logger.Info(sctx, "api shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			stopErr = srv.Shutdown(c)
		})
		return stopErr
	}, nil
}
