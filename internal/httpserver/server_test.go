package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/gymgate/internal/health"
	"github.com/keithlinneman/gymgate/internal/httpmw"
	"github.com/keithlinneman/gymgate/internal/ratelimit"
)

// gymRoutes stands in for the API: a read, a write and a route that panics.
func gymRoutes(r chi.Router) {
	r.Get("/api/gyms/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"id":%q,"client":%q}`, chi.URLParam(r, "id"), httpmw.ClientIPFromContext(r.Context()))
	})
	r.Post("/api/gyms", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				httpmw.WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			httpmw.WriteError(w, http.StatusBadRequest, "invalid json")
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	r.Delete("/api/gyms/{id}", func(http.ResponseWriter, *http.Request) {
		panic("owner lookup exploded")
	})
}

func send(h http.Handler, method, path, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	for _, m := range mutate {
		m(r)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestNewHandler_Responses(t *testing.T) {
	var gate health.Gate
	gate.Drain("shutting down")
	h := NewHandler(Options{
		UseRecoverMW: true,
		Health:       health.Alive(),
		Readiness:    health.All(&gate),
		APIRoutes:    gymRoutes,
	})

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCode int
		contains string
	}{
		{"gym read", "GET", "/api/gyms/g1", "", 200, `"id":"g1"`},
		{"gym create", "POST", "/api/gyms", `{"name":"Iron Temple"}`, 201, ""},
		{"bad json", "POST", "/api/gyms", `{`, 400, `{"error":"invalid json"}`},
		{"unknown path", "GET", "/api/trainers", "", 404, `{"error":"not found"}`},
		{"wrong method", "PUT", "/api/gyms", "", 405, `{"error":"method not allowed"}`},
		{"panic", "DELETE", "/api/gyms/g1", "", 500, `{"error":"internal server error"}`},
		{"healthy", "GET", "/-/healthy", "", 200, `"ok"`},
		{"draining", "GET", "/-/ready", "", 503, "shutting down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := send(h, tt.method, tt.path, tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.contains) {
				t.Fatalf("body %q missing %q", rec.Body.String(), tt.contains)
			}
			// headers from the outermost layers reach every response
			if rec.Header().Get("Strict-Transport-Security") == "" {
				t.Error("HSTS missing")
			}
			if rec.Header().Get("X-Request-Id") == "" {
				t.Error("X-Request-Id missing")
			}
		})
	}
}

func TestNewHandler_NoHealthRoutesWithoutChecks(t *testing.T) {
	h := NewHandler(Options{APIRoutes: gymRoutes})
	if rec := send(h, "GET", "/-/ready", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestNewHandler_MaxBody(t *testing.T) {
	h := NewHandler(Options{APIRoutes: gymRoutes, MaxBodyBytes: 32})
	big := `{"name":"` + strings.Repeat("x", 64) + `"}`

	if rec := send(h, "POST", "/api/gyms", big); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("declared length: status = %d, want 413", rec.Code)
	}
	// chunked body without a length is cut off while reading
	rec := send(h, "POST", "/api/gyms", big, func(r *http.Request) { r.ContentLength = -1 })
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("streamed: status = %d, want 413", rec.Code)
	}
}

func TestNewHandler_RecoverCountsPanics(t *testing.T) {
	var panics atomic.Int32
	h := NewHandler(Options{UseRecoverMW: true, OnPanic: func() { panics.Add(1) }, APIRoutes: gymRoutes})
	send(h, "DELETE", "/api/gyms/g1", "")
	if panics.Load() != 1 {
		t.Fatalf("OnPanic calls = %d, want 1", panics.Load())
	}
}

func TestNewHandler_FloodGuardKeysOnForwardedClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	var denied atomic.Int32
	guard := ratelimit.NewFloodGuard(ctx,
		ratelimit.WithRate(0.001, 1),
		ratelimit.WithFloodOnDenied(func(string) { denied.Add(1) }),
	)
	h := NewHandler(Options{FloodGuard: guard.Middleware, TrustedHops: 1, APIRoutes: gymRoutes})

	viaLB := func(client string) func(*http.Request) {
		return func(r *http.Request) {
			r.RemoteAddr = "10.0.0.5:41000"
			r.Header.Set("X-Forwarded-For", client)
		}
	}

	rec := send(h, "GET", "/api/gyms/g1", "", viaLB("198.51.100.9"))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"client":"198.51.100.9"`) {
		t.Fatalf("first = %d %s", rec.Code, rec.Body.String())
	}
	if rec := send(h, "GET", "/api/gyms/g1", "", viaLB("198.51.100.9")); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second = %d, want 429", rec.Code)
	}
	if rec := send(h, "GET", "/api/gyms/g1", "", viaLB("198.51.100.10")); rec.Code != http.StatusOK {
		t.Fatalf("other client = %d, want 200", rec.Code)
	}
	if denied.Load() != 1 {
		t.Fatalf("denied = %d, want 1", denied.Load())
	}
}

func TestNewServer_Timeouts(t *testing.T) {
	srv := NewServer(":8080", http.NotFoundHandler())
	if srv.ReadHeaderTimeout != DefaultReadHeaderTimeout || srv.WriteTimeout != DefaultWriteTimeout ||
		srv.IdleTimeout != DefaultIdleTimeout || srv.MaxHeaderBytes != DefaultMaxHeaderBytes {
		t.Fatalf("server = %+v", srv)
	}
}

func TestStart_ServeAndStop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	stop, err := Start(context.Background(), Options{Port: port, APIRoutes: gymRoutes})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := Start(context.Background(), Options{Port: port}); err == nil {
		t.Fatal("second listener on the same port should fail")
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/api/gyms/g7", port)
	var resp *http.Response
	for i := 0; i < 50; i++ {
		if resp, err = http.Get(url); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("live response = %d %v", resp.StatusCode, resp.Header)
	}

	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
