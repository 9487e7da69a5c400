package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/keithlinneman/gymgate/internal/cfg"
	"github.com/keithlinneman/gymgate/internal/log"
	"github.com/keithlinneman/gymgate/internal/metrics"
	"github.com/keithlinneman/gymgate/internal/sqlitedb"
	"github.com/keithlinneman/gymgate/internal/version"
)

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlitedb.Open(context.Background(), filepath.Join(t.TempDir(), "gymgate.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestStartProfiling_ReportsActiveState(t *testing.T) {
	tests := []struct {
		name string
		conf cfg.App
	}{
		{"disabled", cfg.App{}},
		{"enabled without server", cfg.App{EnablePyroscope: true, PyroTenantID: "gyms"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			m.SetProfilingActive(true)

			stop := startProfiling(context.Background(), log.Nop(), tt.conf, version.Info{AppName: "gymgate"}, m)
			if stop == nil {
				t.Fatal("stop is nil")
			}
			stop()
			if !strings.Contains(scrape(t, m), "\nprofiling_active 0\n") {
				t.Error("profiling_active should be 0 when the agent is not running")
			}
		})
	}
}

func TestCleanups_ReverseOrder(t *testing.T) {
	var order []string
	var c cleanups
	for _, name := range []string{"database", "ratelimit store", "api listener"} {
		c.add(name, func(context.Context) error {
			order = append(order, name)
			if name == "ratelimit store" {
				return errors.New("close failed")
			}
			return nil
		})
	}
	c.run(context.Background(), log.Nop())

	want := "api listener,ratelimit store,database"
	if got := strings.Join(order, ","); got != want {
		t.Fatalf("order = %s, want %s", got, want)
	}
}

func TestNewRateLimitStore(t *testing.T) {
	mr := miniredis.RunT(t)
	redisURL := "redis://" + mr.Addr() + "/0"

	tests := []struct {
		name      string
		conf      cfg.App
		wantCheck bool
		wantType  string
	}{
		{"memory", cfg.App{RateLimitStore: cfg.StoreMemory}, false, "*ratelimit.MemoryStore"},
		{"sql", cfg.App{RateLimitStore: cfg.StoreSQL}, false, "*ratelimit.SQLStore"},
		{"redis with fallback", cfg.App{RateLimitStore: cfg.StoreRedis, RedisURL: redisURL, RedisFallback: true}, false, "*ratelimit.FallbackStore"},
		{"redis alone", cfg.App{RateLimitStore: cfg.StoreRedis, RedisURL: redisURL}, true, "*ratelimit.RedisStore"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			store, check, err := newRateLimitStore(ctx, log.Nop(), tt.conf, openDB(t), metrics.New())
			if err != nil {
				t.Fatalf("newRateLimitStore: %v", err)
			}
			defer store.Close()

			if got := fmt.Sprintf("%T", store); got != tt.wantType {
				t.Errorf("store = %s, want %s", got, tt.wantType)
			}
			if (check != nil) != tt.wantCheck {
				t.Fatalf("readiness check present = %v, want %v", check != nil, tt.wantCheck)
			}
			if check != nil {
				if err := check.Check(ctx); err != nil {
					t.Errorf("check against live redis: %v", err)
				}
			}
		})
	}
}

func TestNewRateLimitStore_RedisDown(t *testing.T) {
	conf := cfg.App{RateLimitStore: cfg.StoreRedis, RedisURL: "redis://127.0.0.1:1/0"}
	if _, _, err := newRateLimitStore(context.Background(), log.Nop(), conf, openDB(t), metrics.New()); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestNewAuthenticator(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	_, jobs, err := newAuthenticator(ctx, cfg.App{SessionMode: cfg.SessionJWT}, db, strings.Repeat("k", 32))
	if err != nil {
		t.Fatalf("jwt: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("jwt sessions need no purge job, got %d", len(jobs))
	}
	if _, _, err := newAuthenticator(ctx, cfg.App{SessionMode: cfg.SessionJWT}, db, "short"); err == nil {
		t.Error("jwt accepted a short key")
	}

	_, jobs, err = newAuthenticator(ctx, cfg.App{SessionMode: cfg.SessionDB, SessionTTL: time.Hour}, db, "")
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Name != "sessions" {
		t.Errorf("jobs = %+v, want one sessions job", jobs)
	}
}

func TestLoadPolicies_WithoutFile(t *testing.T) {
	p, err := loadPolicies(context.Background(), log.Nop(), cfg.App{}, metrics.New())
	if err != nil {
		t.Fatalf("loadPolicies: %v", err)
	}
	if len(p.Names()) == 0 {
		t.Fatal("built-in policies missing")
	}
}
