package main

import (
	"context"
	"database/sql"

	"github.com/sony/gobreaker"

	"github.com/keithlinneman/gymgate/internal/cfg"
	"github.com/keithlinneman/gymgate/internal/health"
	"github.com/keithlinneman/gymgate/internal/janitor"
	"github.com/keithlinneman/gymgate/internal/log"
	"github.com/keithlinneman/gymgate/internal/metrics"
	"github.com/keithlinneman/gymgate/internal/ratelimit"
	"github.com/keithlinneman/gymgate/internal/session"
	"github.com/keithlinneman/gymgate/internal/xerrors"
)

const redisKeyPrefix = "gymgate:ratelimit:"

// newRateLimitStore builds the configured counter store. The check is
// non-nil when readiness depends on the store, which is only the case for
// redis without the in-memory fallback.
func newRateLimitStore(ctx context.Context, L log.Logger, conf cfg.App, db *sql.DB, m *metrics.Metrics) (ratelimit.Store, health.Check, error) {
	memory := func() *ratelimit.MemoryStore {
		return ratelimit.NewMemoryStore(ctx,
			ratelimit.WithMaxKeys(conf.RateLimitMaxKeys),
			ratelimit.WithOnCapacity(m.IncStoreCapacity),
		)
	}

	switch conf.RateLimitStore {
	case cfg.StoreMemory:
		return memory(), nil, nil
	case cfg.StoreRedis:
		rs, err := ratelimit.DialRedis(ctx, conf.RedisURL, redisKeyPrefix)
		if err != nil {
			return nil, nil, err
		}
		if !conf.RedisFallback {
			return rs, health.Named("ratelimit_store", health.CheckFunc(rs.Ping)), nil
		}
		fb := ratelimit.NewFallbackStore(rs, memory(), ratelimit.FallbackOptions{
			Name: "redis",
			OnStateChange: func(name string, from, to gobreaker.State) {
				m.SetStoreBreakerState(name, int(to))
				L.Warn(ctx, "rate limit store breaker changed state", "name", name, "from", from.String(), "to", to.String())
			},
			OnFallback: func(error) { m.IncStoreFallback() },
		})
		return fb, nil, nil
	default:
		s, err := ratelimit.NewSQLStore(ctx, db)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	}
}

// loadPolicies returns the built-in policies, overridden by the policy file
// when one is configured. The file is watched for changes until ctx ends.
func loadPolicies(ctx context.Context, L log.Logger, conf cfg.App, m *metrics.Metrics) (*ratelimit.PolicySet, error) {
	policies, err := ratelimit.NewPolicySet(nil)
	if err != nil {
		return nil, xerrors.Wrap(err, "build default rate limit policies")
	}
	if conf.PolicyFile == "" {
		return policies, nil
	}
	if err := policies.LoadFile(conf.PolicyFile); err != nil {
		return nil, xerrors.Wrapf(err, "load rate limit policy file %s", conf.PolicyFile)
	}
	L.Info(ctx, "rate limit policies loaded", "path", conf.PolicyFile, "policies", policies.Names())
	if !conf.WatchPolicyFile {
		return policies, nil
	}

	w := ratelimit.NewPolicyWatcher(conf.PolicyFile, policies, L)
	w.OnReload = m.IncPolicyReload
	go func() {
		if err := w.Run(ctx); err != nil {
			L.Error(ctx, err, "rate limit policy watcher stopped", "path", conf.PolicyFile)
		}
	}()
	return policies, nil
}

// newAuthenticator returns the session backend plus any janitor jobs it
// needs. Signed tokens expire on their own so jwt mode has none.
func newAuthenticator(ctx context.Context, conf cfg.App, db *sql.DB, key string) (session.Authenticator, []janitor.Job, error) {
	if conf.SessionMode == cfg.SessionJWT {
		a, err := session.NewJWTAuthenticator([]byte(key), session.JWTOptions{TTL: conf.SessionTTL})
		if err != nil {
			return nil, nil, xerrors.Wrap(err, "create jwt authenticator")
		}
		return a, nil, nil
	}
	s, err := session.NewSQLStore(ctx, db, session.WithTTL(conf.SessionTTL))
	if err != nil {
		return nil, nil, xerrors.Wrap(err, "create session store")
	}
	return s, []janitor.Job{{Name: "sessions", Purge: s.DeleteExpired}}, nil
}
