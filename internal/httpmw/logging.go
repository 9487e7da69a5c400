package httpmw

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/gymgate/internal/log"
)

// WithLogger attaches a request logger carrying the request id, the
// resolved client address, method and path. It must run inside ClientIP.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			id := RequestIDFromContext(ctx)
			peer := hostOnly(r.RemoteAddr)
			client := ClientIPFromContext(ctx)
			if client == "" {
				client = peer
			}
			scheme := requestScheme(r)

			if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
				span.SetAttributes(
					attribute.String("request_id", id),
					attribute.String("client.address", client),
					attribute.String("network.peer.address", peer),
					attribute.String("url.scheme", scheme),
				)
			}

			L := base.With(
				"request_id", id,
				"client.address", client,
				"network.peer.address", peer,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, L)))
		})
	}
}

// requestScheme returns http or https and nothing else. X-Forwarded-Proto
// only survives ClientIP when it came from a trusted proxy.
func requestScheme(r *http.Request) string {
	var candidates []string
	if xfp := r.Header.Get("X-Forwarded-Proto"); xfp != "" {
		first, _, _ := strings.Cut(xfp, ",")
		candidates = append(candidates, first)
	}
	if r.URL != nil {
		candidates = append(candidates, r.URL.Scheme)
	}
	for _, c := range candidates {
		switch s := strings.ToLower(strings.TrimSpace(c)); s {
		case "http", "https":
			return s
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Scope names the handler group on the request logger and span, e.g.
// "gyms" or "webhook".
func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("handler", handler))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// StageAnnotation is the key protect and the limiters annotate with the
// check that rejected a request.
const StageAnnotation = "protect.stage"

// annotations is shared by pointer because inner handlers see derived
// contexts, not the one the holder was installed on.
type annotations struct {
	mu sync.Mutex
	kv []any
}

type annotationsKey struct{}

// TrackAnnotations installs the holder Annotate writes to, so middleware
// outside the router (metrics) can read what handlers reported.
func TrackAnnotations(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, _ = withAnnotations(r)
		next.ServeHTTP(w, r)
	})
}

func withAnnotations(r *http.Request) (*http.Request, *annotations) {
	if a, ok := r.Context().Value(annotationsKey{}).(*annotations); ok {
		return r, a
	}
	a := &annotations{}
	return r.WithContext(context.WithValue(r.Context(), annotationsKey{}, a)), a
}

// Annotate adds key/value pairs to the access log line of the current
// request. Without TrackAnnotations or AccessLog upstream it does nothing.
func Annotate(ctx context.Context, kv ...any) {
	a, ok := ctx.Value(annotationsKey{}).(*annotations)
	if !ok || len(kv) < 2 {
		return
	}
	// keep pairs aligned for AnnotationValue
	kv = kv[:len(kv)&^1]
	a.mu.Lock()
	a.kv = append(a.kv, kv...)
	a.mu.Unlock()
}

// AnnotationValue returns the last value annotated under key.
func AnnotationValue(ctx context.Context, key string) (any, bool) {
	a, ok := ctx.Value(annotationsKey{}).(*annotations)
	if !ok {
		return nil, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.kv) - 2; i >= 0; i -= 2 {
		if k, _ := a.kv[i].(string); k == key {
			return a.kv[i+1], true
		}
	}
	return nil, false
}

func (a *annotations) snapshot() []any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]any(nil), a.kv...)
}

// quietPaths are polled by load balancers and never logged.
var quietPaths = map[string]bool{"/-/healthy": true, "/-/ready": true}

// AccessLog writes one "http request" line per request once the handler
// returns, with the status, sizes, duration, matched route and any
// annotations.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, ann := withAnnotations(r)
			ctx := r.Context()
			rec := &recorder{ResponseWriter: w, ctx: ctx, start: time.Now()}

			next.ServeHTTP(rec, r)
			rec.finish()

			if quietPaths[r.URL.Path] {
				return
			}
			fields := append([]any{
				"http.response.status_code", rec.code(),
				"http.server.request.duration", time.Since(rec.start).Seconds(),
				"http.response.body.size", rec.bytes,
				"http.request.body.size", max(r.ContentLength, 0),
				"http.route", routePattern(r),
			}, ann.snapshot()...)
			log.FromContext(ctx).Info(ctx, "http request", fields...)
		})
	}
}

// recorder captures the status and size for the access log and times the
// response write in a response.write child span.
type recorder struct {
	http.ResponseWriter
	ctx   context.Context
	start time.Time

	status  int
	bytes   int64
	began   bool
	span    trace.Span
	blocked time.Duration
	err     error
}

func (rec *recorder) begin() {
	if rec.began {
		return
	}
	rec.began = true
	if !trace.SpanFromContext(rec.ctx).IsRecording() {
		return
	}
	_, rec.span = otel.Tracer("gymgate/httpmw").Start(rec.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", time.Since(rec.start).Seconds())),
	)
}

func (rec *recorder) WriteHeader(code int) {
	rec.begin()
	if rec.status == 0 {
		rec.status = code
	}
	t := time.Now()
	rec.ResponseWriter.WriteHeader(code)
	rec.blocked += time.Since(t)
}

func (rec *recorder) Write(b []byte) (int, error) {
	rec.begin()
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	t := time.Now()
	n, err := rec.ResponseWriter.Write(b)
	rec.blocked += time.Since(t)
	rec.bytes += int64(n)
	if err != nil && rec.err == nil {
		rec.err = err
	}
	return n, err
}

func (rec *recorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rec *recorder) Unwrap() http.ResponseWriter { return rec.ResponseWriter }

func (rec *recorder) code() int {
	if rec.status == 0 {
		return http.StatusOK
	}
	return rec.status
}

func (rec *recorder) finish() {
	if rec.span == nil {
		return
	}
	rec.span.SetAttributes(
		attribute.Int("http.response.status_code", rec.code()),
		attribute.Int64("http.response.body.size", rec.bytes),
		attribute.Float64("http.server.write.block_seconds", rec.blocked.Seconds()),
	)
	if rec.err != nil {
		rec.span.RecordError(rec.err)
		rec.span.SetStatus(codes.Error, rec.err.Error())
	}
	rec.span.End()
}
