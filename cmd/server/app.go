package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/gymgate/internal/api"
	"github.com/keithlinneman/gymgate/internal/cfg"
	"github.com/keithlinneman/gymgate/internal/csrf"
	"github.com/keithlinneman/gymgate/internal/gyms"
	"github.com/keithlinneman/gymgate/internal/health"
	"github.com/keithlinneman/gymgate/internal/httpserver"
	"github.com/keithlinneman/gymgate/internal/janitor"
	"github.com/keithlinneman/gymgate/internal/log"
	"github.com/keithlinneman/gymgate/internal/metrics"
	"github.com/keithlinneman/gymgate/internal/opshttp"
	"github.com/keithlinneman/gymgate/internal/otelx"
	"github.com/keithlinneman/gymgate/internal/prof"
	"github.com/keithlinneman/gymgate/internal/protect"
	"github.com/keithlinneman/gymgate/internal/ratelimit"
	"github.com/keithlinneman/gymgate/internal/secrets"
	"github.com/keithlinneman/gymgate/internal/sqlitedb"
	"github.com/keithlinneman/gymgate/internal/version"
	"github.com/keithlinneman/gymgate/internal/webhook"
	"github.com/keithlinneman/gymgate/internal/xerrors"
)

const shutdownTimeout = 10 * time.Second

// cleanups runs registered shutdown steps in reverse order and logs
// failures.
type cleanups []struct {
	name string
	fn   func(context.Context) error
}

func (c *cleanups) add(name string, fn func(context.Context) error) {
	*c = append(*c, struct {
		name string
		fn   func(context.Context) error
	}{name, fn})
}

func (c cleanups) run(ctx context.Context, L log.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].fn(ctx); err != nil {
			L.Error(ctx, err, "shutdown step failed", "step", c[i].name)
		}
	}
}

// run wires every component, serves until ctx is cancelled, then drains
// and shuts down.
func run(ctx context.Context, L log.Logger, conf cfg.App, vi version.Info) error {
	var closers cleanups
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		closers.run(sctx, L)
	}()

	m := metrics.New()
	m.SetBuildInfo("server", vi)

	stopProf := startProfiling(ctx, L, conf, vi, m)
	closers.add("pyroscope", func(context.Context) error { stopProf(); return nil })

	// the collector runs on the host, so plaintext gRPC
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   vi.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, continuing without traces")
	}
	closers.add("otel", shutdownOTEL)

	ssm := secrets.Lazy()
	sessionKey, err := secrets.Resolve(ctx, secrets.Source{Value: conf.SessionKey, Param: conf.SessionKeySSMParam}, ssm)
	if err != nil {
		return xerrors.Wrap(err, "resolve session key")
	}
	webhookSecret, err := secrets.Resolve(ctx, secrets.Source{Value: conf.StripeWebhookSecret, Param: conf.StripeWebhookSecretSSMParam}, ssm)
	if err != nil {
		return xerrors.Wrap(err, "resolve stripe webhook secret")
	}

	db, err := sqlitedb.Open(ctx, conf.DBPath)
	if err != nil {
		return xerrors.Wrapf(err, "open database %s", conf.DBPath)
	}
	closers.add("database", func(context.Context) error { return db.Close() })

	store, storeCheck, err := newRateLimitStore(ctx, L, conf, db, m)
	if err != nil {
		return xerrors.Wrapf(err, "create %s rate limit store", conf.RateLimitStore)
	}
	closers.add("ratelimit store", func(context.Context) error { return store.Close() })

	policies, err := loadPolicies(ctx, L, conf, m)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(store,
		ratelimit.WithPolicies(policies),
		ratelimit.WithOnDenied(func(policy, _ string) { m.IncPolicyDenied(policy) }),
		// one log line per key per window
		ratelimit.WithOnFirstDenied(func(policy, key string) {
			L.Warn(ctx, "rate limit triggered", "policy", policy, "key", key)
		}),
		ratelimit.WithOnStoreError(func(policy string, _ error) { m.IncStoreError(policy) }),
	)

	flood := ratelimit.NewFloodGuard(ctx,
		ratelimit.WithRate(conf.FloodRate, conf.FloodBurst),
		ratelimit.WithFloodOnDenied(func(string) { m.IncFloodDenied() }),
		ratelimit.WithFloodOnFirstDenied(func(ip string) {
			L.Warn(ctx, "flood guard triggered", "ip", ip)
		}),
		ratelimit.WithFloodOnCapacity(func() {
			m.IncFloodCapacity()
			L.Warn(ctx, "flood guard full, new clients rejected until idle ones are evicted")
		}),
	)

	csrfGuard := csrf.New(csrf.Options{
		ExemptPrefixes: []string{"/api/webhooks/"},
		Secure:         conf.CSRFCookieSecure,
		OnDenied:       m.IncCSRFDenied,
	})

	auth, sessionJobs, err := newAuthenticator(ctx, conf, db, sessionKey)
	if err != nil {
		return err
	}

	guard := protect.New(limiter, csrfGuard, auth,
		protect.WithOnFailure(func(stage protect.Stage) { m.IncProtectFailure(string(stage)) }),
	)

	gymStore, err := gyms.NewStore(ctx, db)
	if err != nil {
		return xerrors.Wrap(err, "create gym store")
	}

	routeOpts := api.Options{
		Limiter: limiter,
		CSRF:    csrfGuard,
		Guard:   guard,
		Gyms:    gyms.NewAPI(gymStore, L),
	}
	if webhookSecret != "" {
		events, err := webhook.NewStore(ctx, db)
		if err != nil {
			return xerrors.Wrap(err, "create webhook event store")
		}
		h, err := webhook.NewHandler(events, webhook.Options{
			Secret:  webhookSecret,
			Logger:  L,
			OnEvent: m.IncWebhookEvent,
		})
		if err != nil {
			return xerrors.Wrap(err, "create webhook handler")
		}
		routeOpts.Webhooks = h
	} else {
		L.Info(ctx, "stripe webhook route disabled, no signing secret configured")
	}

	jan, err := janitor.New(janitor.Options{
		Schedule: conf.PurgeSchedule,
		Jobs:     append([]janitor.Job{{Name: "ratelimit", Purge: store.Purge}}, sessionJobs...),
		Logger:   L,
		OnRun:    m.ObserveJanitorRun,
	})
	if err != nil {
		return xerrors.Wrap(err, "create janitor")
	}
	if err := jan.Start(ctx); err != nil {
		return xerrors.Wrap(err, "start janitor")
	}
	closers.add("janitor", func(context.Context) error { jan.Stop(); return nil })

	var gate health.Gate
	readiness := health.All(
		&gate,
		health.Named("sqlite", health.CheckFunc(db.PingContext)),
		storeCheck,
	)

	stopAPI, err := httpserver.Start(ctx, httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncPanic,
		MetricsMW:    m.Middleware,
		FloodGuard:   flood.Middleware,
		TrustedHops:  conf.TrustedHops,
		Health:       health.Alive(),
		Readiness:    readiness,
		APIRoutes:    api.New(routeOpts).RegisterRoutes,
	})
	if err != nil {
		return xerrors.Wrap(err, "start api listener")
	}
	closers.add("api listener", stopAPI)

	// the ops listener also rejects public source addresses in case the
	// security group is ever opened up
	stopOps, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:      conf.AdminPort,
		Health:    health.Alive(),
		Readiness: readiness,
		Metrics:   m.Handler(),
		Routes: map[string]http.Handler{
			"/ratelimit/policies": policies.Handler(),
		},
		EnablePprof:  conf.EnablePprof,
		UseRecoverMW: true,
		OnPanic:      m.IncPanic,
	})
	if err != nil {
		return xerrors.Wrap(err, "start ops listener")
	}
	closers.add("ops listener", stopOps)

	if err := notifyReady(); err != nil && !errors.Is(err, errNoNotifySocket) {
		L.Warn(ctx, "systemd readiness notification failed", "error", err)
	}

	<-ctx.Done()
	drain(L, &gate, conf.DrainPeriod)
	return nil
}

// startProfiling starts the pyroscope agent when enabled and records
// whether it is running. A failed start is logged, not fatal.
func startProfiling(ctx context.Context, L log.Logger, conf cfg.App, vi version.Info, m *metrics.Metrics) func() {
	stop, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       vi.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags:          prof.BuildTags(vi, "server", nil),
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed, continuing without profiles", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	return stop
}

// drain fails readiness and waits for the load balancer to notice. A
// second signal cuts the wait short.
func drain(L log.Logger, gate *health.Gate, period time.Duration) {
	ctx := context.Background()
	gate.Drain("shutting down")
	L.Info(ctx, "readiness failing, draining", "drain_period", period)

	again := make(chan os.Signal, 1)
	signal.Notify(again, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(again)

	select {
	case <-time.After(period):
		L.Info(ctx, "drain period elapsed")
	case <-again:
		L.Warn(ctx, "second signal, skipping the rest of the drain")
	}
}
