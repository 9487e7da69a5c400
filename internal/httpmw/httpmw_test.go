package httpmw

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/keithlinneman/gymgate/internal/log"
)

type entry struct {
	msg string
	kv  []any
}

// get returns the last value logged under key.
func (e entry) get(key string) (any, bool) {
	var v any
	found := false
	for i := 0; i+1 < len(e.kv); i += 2 {
		if e.kv[i] == key {
			v, found = e.kv[i+1], true
		}
	}
	return v, found
}

// captureLogger records every line with the fields accumulated by With.
type captureLogger struct {
	mu      *sync.Mutex
	entries *[]entry
	base    []any
}

func newCapture() *captureLogger {
	return &captureLogger{mu: &sync.Mutex{}, entries: &[]entry{}}
}

func (c *captureLogger) With(kv ...any) log.Logger {
	return &captureLogger{mu: c.mu, entries: c.entries, base: append(slices.Clip(c.base), kv...)}
}

func (c *captureLogger) record(msg string, kv []any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.entries = append(*c.entries, entry{msg: msg, kv: append(slices.Clip(c.base), kv...)})
}

func (c *captureLogger) Debug(_ context.Context, msg string, kv ...any) { c.record(msg, kv) }
func (c *captureLogger) Info(_ context.Context, msg string, kv ...any)  { c.record(msg, kv) }
func (c *captureLogger) Warn(_ context.Context, msg string, kv ...any)  { c.record(msg, kv) }
func (c *captureLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	c.record(msg, append(slices.Clip(kv), "err", err))
}
func (c *captureLogger) Sync() error { return nil }

func (c *captureLogger) all() []entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(*c.entries)
}

func (c *captureLogger) find(t *testing.T, msg string) entry {
	t.Helper()
	for _, e := range c.all() {
		if e.msg == msg {
			return e
		}
	}
	t.Fatalf("no %q line in %v", msg, c.all())
	return entry{}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusTooManyRequests, "too many requests")

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Body.String(); got != `{"error":"too many requests"}` {
		t.Fatalf("body = %s", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("content type = %q", ct)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatal("error responses must not be cached")
	}
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"load balancer id kept", "Root=1-67891233-abcdef", true},
		{"missing", "", false},
		{"control characters", "abc\ndef", false},
		{"too long", strings.Repeat("a", 65), false},
		{"spaces", "a b", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestID("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestIDFromContext(r.Context())
			}))
			r := httptest.NewRequest(http.MethodGet, "/api/gyms", nil)
			if tt.incoming != "" {
				r.Header.Set("X-Request-Id", tt.incoming)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)

			if rec.Header().Get("X-Request-Id") != seen {
				t.Fatalf("echoed %q, context has %q", rec.Header().Get("X-Request-Id"), seen)
			}
			if tt.keep {
				if seen != tt.incoming {
					t.Fatalf("id = %q, want incoming %q", seen, tt.incoming)
				}
				return
			}
			if _, err := uuid.Parse(seen); err != nil {
				t.Fatalf("minted id %q is not a uuid", seen)
			}
		})
	}
}

func TestMaxBody(t *testing.T) {
	var readErr error
	called := false
	h := MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		_, readErr = io.ReadAll(r.Body)
	}))

	t.Run("declared length over cap", func(t *testing.T) {
		called = false
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/gyms", strings.NewReader(`{"name":"too long"}`)))
		if rec.Code != http.StatusRequestEntityTooLarge || called {
			t.Fatalf("status = %d called = %v", rec.Code, called)
		}
	})

	t.Run("streamed body over cap", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader("0123456789"))
		r.ContentLength = -1
		h.ServeHTTP(httptest.NewRecorder(), r)
		var mbe *http.MaxBytesError
		if !errors.As(readErr, &mbe) {
			t.Fatalf("read error = %v, want MaxBytesError", readErr)
		}
	})

	t.Run("under cap", func(t *testing.T) {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/gyms", strings.NewReader("{}")))
		if readErr != nil {
			t.Fatalf("read error = %v", readErr)
		}
	})
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name     string
		remote   string
		xff      []string
		hops     int
		want     string
		stripped bool
	}{
		{"public peer ignores forwarded", "203.0.113.5:4000", []string{"6.6.6.6"}, 1, "203.0.113.5", true},
		{"no trusted hops", "10.0.0.1:4000", []string{"6.6.6.6"}, 0, "10.0.0.1", true},
		{"single load balancer", "10.0.0.1:4000", []string{"6.6.6.6, 203.0.113.50"}, 1, "203.0.113.50", false},
		{"cdn and load balancer", "10.0.0.1:4000", []string{"6.6.6.6, 203.0.113.50"}, 2, "6.6.6.6", false},
		{"chain shorter than hops", "10.0.0.1:4000", []string{"203.0.113.50"}, 3, "10.0.0.1", true},
		{"no forwarded header", "10.0.0.1:4000", nil, 1, "10.0.0.1", false},
		{"garbage entry", "10.0.0.1:4000", []string{"not-an-ip"}, 1, "10.0.0.1", false},
		{"repeated header lines", "10.0.0.1:4000", []string{"6.6.6.6", "198.51.100.7"}, 1, "198.51.100.7", false},
		{"mapped private peer", "[::ffff:10.0.0.1]:4000", []string{"198.51.100.2"}, 1, "198.51.100.2", false},
		{"ipv6 public peer", "[2001:db8::1]:4000", nil, 1, "2001:db8::1", true},
		{"unparseable peer", "nonsense", []string{"198.51.100.2"}, 1, "0.0.0.0", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got, xffSeen string
			h := ClientIP(tt.hops)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = ClientIPFromContext(r.Context())
				xffSeen = r.Header.Get("X-Forwarded-For")
			}))
			r := httptest.NewRequest(http.MethodGet, "/api/gyms/nearby", nil)
			r.RemoteAddr = tt.remote
			for _, v := range tt.xff {
				r.Header.Add("X-Forwarded-For", v)
			}
			h.ServeHTTP(httptest.NewRecorder(), r)

			if got != tt.want {
				t.Fatalf("client = %q, want %q", got, tt.want)
			}
			if tt.stripped && xffSeen != "" {
				t.Fatalf("untrusted X-Forwarded-For %q reached the handler", xffSeen)
			}
		})
	}
}

func TestRequestScheme(t *testing.T) {
	tests := []struct {
		xfp  string
		tls  bool
		want string
	}{
		{"", false, "http"},
		{"", true, "https"},
		{"https", false, "https"},
		{"HTTPS, http", false, "https"},
		{"javascript", false, "http"},
		{"gopher", true, "https"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/csrf", nil)
		if tt.xfp != "" {
			r.Header.Set("X-Forwarded-Proto", tt.xfp)
		}
		r.TLS = nil
		if tt.tls {
			r.TLS = &tls.ConnectionState{}
		}
		if got := requestScheme(r); got != tt.want {
			t.Errorf("xfp=%q tls=%v: scheme = %q, want %q", tt.xfp, tt.tls, got, tt.want)
		}
	}
}

// stack builds the outer chain the way httpserver does, around router.
func stack(l log.Logger, hops int, router http.Handler) http.Handler {
	return RequestID("")(ClientIP(hops)(WithLogger(l)(router)))
}

func TestAccessLog_GymRoute(t *testing.T) {
	l := newCapture()
	r := chi.NewRouter()
	r.Use(AccessLog())
	r.With(Scope("gyms")).Post("/api/gyms/{id}/checkins", func(w http.ResponseWriter, r *http.Request) {
		Annotate(r.Context(), "user_id", "member-7")
		log.FromContext(r.Context()).Info(r.Context(), "check-in recorded")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	req := httptest.NewRequest(http.MethodPost, "/api/gyms/42/checkins?lat=40.7&lng=-73.9", strings.NewReader("{}"))
	req.RemoteAddr = "10.0.0.2:5000"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	req.Header.Set("X-Request-Id", "req-1")
	stack(l, 1, r).ServeHTTP(httptest.NewRecorder(), req)

	inner := l.find(t, "check-in recorded")
	if v, _ := inner.get("handler"); v != "gyms" {
		t.Errorf("handler = %v, want gyms", v)
	}

	line := l.find(t, "http request")
	want := map[string]any{
		"http.response.status_code": http.StatusCreated,
		"http.route":                "/api/gyms/{id}/checkins",
		"http.response.body.size":   int64(len(`{"ok":true}`)),
		"http.request.body.size":    int64(2),
		"user_id":                   "member-7",
		"client.address":            "203.0.113.9",
		"network.peer.address":      "10.0.0.2",
		"request_id":                "req-1",
		"url.path":                  "/api/gyms/42/checkins",
	}
	for k, v := range want {
		if got, _ := line.get(k); got != v {
			t.Errorf("%s = %v (%T), want %v", k, got, got, v)
		}
	}
	for _, k := range []string{"url.query", "server.address", "user_agent.original"} {
		if _, ok := line.get(k); ok {
			t.Errorf("%s must not be logged", k)
		}
	}
}

func TestAccessLog_StatusAndQuietPaths(t *testing.T) {
	l := newCapture()
	r := chi.NewRouter()
	r.Use(AccessLog())
	r.Get("/-/ready", func(w http.ResponseWriter, r *http.Request) {})
	r.Get("/api/csrf", func(w http.ResponseWriter, r *http.Request) {})
	r.NotFound(ErrorHandler(http.StatusNotFound, "not found"))
	h := stack(l, 0, r)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/-/ready", nil))
	if len(l.all()) != 0 {
		t.Fatalf("readiness check was logged: %v", l.all())
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/csrf", nil))
	if v, _ := l.find(t, "http request").get("http.response.status_code"); v != http.StatusOK {
		t.Fatalf("implicit status = %v, want 200", v)
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/nope", nil))
	last := l.all()[len(l.all())-1]
	if v, _ := last.get("http.route"); v != "/api/nope" {
		t.Fatalf("unmatched route = %v, want raw path", v)
	}
}

func TestAnnotate_OutsideAccessLog(t *testing.T) {
	ctx := context.Background()
	Annotate(ctx, "user_id", "x")
	if _, ok := AnnotationValue(ctx, "user_id"); ok {
		t.Fatal("annotation without a holder should be dropped")
	}
}

func TestTrackAnnotations_VisibleOutsideRouter(t *testing.T) {
	var stage any
	inner := AccessLog()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Annotate(r.Context(), StageAnnotation, "csrf", "dangling")
		Annotate(r.Context(), StageAnnotation, "auth")
		WriteError(w, http.StatusUnauthorized, "unauthorized")
	}))
	outer := TrackAnnotations(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner.ServeHTTP(w, r)
		stage, _ = AnnotationValue(r.Context(), StageAnnotation)
	}))
	outer.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/gyms", nil))

	if stage != "auth" {
		t.Fatalf("stage = %v, want the last annotation", stage)
	}
}

func TestRecover(t *testing.T) {
	l := newCapture()
	panics := 0
	h := Recover(l, func() { panics++ })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("gym store nil")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/gyms/1", nil))

	if rec.Code != http.StatusInternalServerError || rec.Body.String() != `{"error":"internal server error"}` {
		t.Fatalf("response = %d %s", rec.Code, rec.Body.String())
	}
	if panics != 1 {
		t.Fatalf("onPanic called %d times", panics)
	}
	e := l.find(t, "handler panicked")
	if err, _ := e.get("err"); err == nil || !strings.Contains(err.(error).Error(), "gym store nil") {
		t.Fatalf("err = %v", err)
	}
}

func TestRecover_AbortHandlerRepanics(t *testing.T) {
	h := Recover(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer func() {
		if v := recover(); v != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want ErrAbortHandler", v)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(ErrorHandler(http.StatusUnauthorized, "unauthorized")).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))

	for _, k := range []string{"Strict-Transport-Security", "Content-Security-Policy", "X-Content-Type-Options", "X-Frame-Options"} {
		if rec.Header().Get(k) == "" {
			t.Errorf("missing %s on error response", k)
		}
	}
}

func TestTracing_HeadersAndRouteName(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	ctx, span := tp.Tracer("test").Start(context.Background(), "GET /api/gyms/42")

	r := chi.NewRouter()
	r.Use(AnnotateHTTPRoute)
	r.Get("/api/gyms/{id}", func(w http.ResponseWriter, r *http.Request) {})
	h := TraceResponseHeaders("", "")(r)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/gyms/42", nil).WithContext(ctx))
	span.End()

	if got := rec.Header().Get("X-Trace-Id"); got != span.SpanContext().TraceID().String() {
		t.Fatalf("X-Trace-Id = %q", got)
	}
	ended := sr.Ended()
	if len(ended) != 1 || ended[0].Name() != "GET /api/gyms/{id}" {
		t.Fatalf("spans = %v", ended)
	}
}
