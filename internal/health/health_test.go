package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func TestAll(t *testing.T) {
	tests := []struct {
		name    string
		checks  []Check
		wantErr []string
	}{
		{"empty", nil, nil},
		{"all pass", []Check{Alive(), Alive()}, nil},
		{"nil skipped", []Check{nil, Alive()}, nil},
		{"one down", []Check{Alive(), Named("sqlite", failing("database is locked"))}, []string{"sqlite: database is locked"}},
		{"both reported", []Check{
			Named("sqlite", failing("database is locked")),
			Named("ratelimit_store", failing("dial tcp: connection refused")),
		}, []string{"sqlite: database is locked", "ratelimit_store: dial tcp: connection refused"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := All(tt.checks...).Check(context.Background())
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("err = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("err = nil")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("err %q missing %q", err, want)
				}
			}
		})
	}
}

func TestGate(t *testing.T) {
	var g Gate
	ready := All(&g, Alive())
	ctx := context.Background()

	if err := ready.Check(ctx); err != nil {
		t.Fatalf("fresh gate: %v", err)
	}
	g.Drain("")
	if err := ready.Check(ctx); err == nil || err.Error() != "draining" {
		t.Fatalf("drained: err = %v", err)
	}
	g.Drain("sigterm")
	if err := g.Check(ctx); err == nil || err.Error() != "sigterm" {
		t.Fatalf("reason = %v, want sigterm", err)
	}
	g.Resume()
	if err := ready.Check(ctx); err != nil {
		t.Fatalf("resumed: %v", err)
	}
}

func TestHandlers(t *testing.T) {
	var g Gate
	g.Drain("shutting down")

	tests := []struct {
		name       string
		h          http.HandlerFunc
		wantCode   int
		wantStatus string
		wantError  string
	}{
		{"liveness", LivenessHandler(Alive()), 200, "ok", ""},
		{"nil check", ReadinessHandler(nil), 200, "ok", ""},
		{"ready", ReadinessHandler(Named("sqlite", Alive())), 200, "ok", ""},
		{"draining", ReadinessHandler(All(&g, Alive())), 503, "unavailable", "shutting down"},
		{"store down", ReadinessHandler(Named("ratelimit_store", failing("redis: nil"))), 503, "unavailable", "ratelimit_store: redis: nil"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.h(rec, httptest.NewRequest(http.MethodGet, "/-/ready", nil))

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if got := rec.Header().Get("Cache-Control"); got != "no-store" {
				t.Errorf("Cache-Control = %q", got)
			}
			var body status
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Status != tt.wantStatus || body.Error != tt.wantError {
				t.Fatalf("body = %+v", body)
			}
		})
	}
}
