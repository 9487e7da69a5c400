// Package cfg holds the gymgate server settings. Every field is a flag,
// and any flag not given on the command line can come from GYMGATE_*
// environment variables.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/keithlinneman/gymgate/internal/log"
	"github.com/keithlinneman/gymgate/internal/session"
	"github.com/keithlinneman/gymgate/internal/version"
)

type App struct {
	// listeners
	HTTPPort    int
	AdminPort   int
	TrustedHops int
	DrainPeriod time.Duration

	// logging
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	// profiling and tracing
	EnablePprof     bool
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64

	DBPath string

	// rate limiting
	RateLimitStore   string
	RateLimitMaxKeys int
	RedisURL         string
	RedisFallback    bool
	PolicyFile       string
	WatchPolicyFile  bool
	FloodRate        float64
	FloodBurst       int
	PurgeSchedule    string

	// csrf and sessions
	CSRFCookieSecure   bool
	SessionMode        string
	SessionKey         string
	SessionKeySSMParam string
	SessionTTL         time.Duration

	// stripe webhooks, route disabled when no secret is configured
	StripeWebhookSecret         string
	StripeWebhookSecretSSMParam string
}

// Rate limit store backends.
const (
	StoreMemory = "memory"
	StoreSQL    = "sql"
	StoreRedis  = "redis"
)

// Session backends.
const (
	SessionJWT = "jwt"
	SessionDB  = "db"
)

// EnvPrefix is prepended to flag names to form environment variable names.
const EnvPrefix = "GYMGATE_"

// Register binds every field of c to fs with its default.
func Register(fs *flag.FlagSet, c *App) {
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "public API port")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "ops port for health, metrics and pprof")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "proxies in front of the API that append to X-Forwarded-For (0..10)")
	fs.DurationVar(&c.DrainPeriod, "drain-period", time.Minute, "time readiness fails before listeners close on shutdown")

	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs, text when false")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "lowest level that logs a stack: debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "log the wrap sites of an error chain")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "wrap sites logged per error (1..64)")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "serve /debug/pprof on the ops port")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "push continuous profiles to -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server URL")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "pyroscope tenant (X-Scope-OrgID)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "export traces to -otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP gRPC collector host:port")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0, "root trace sampling ratio (0..1)")

	fs.StringVar(&c.DBPath, "db-path", "gymgate.db", "sqlite database file")

	fs.StringVar(&c.RateLimitStore, "ratelimit-store", StoreSQL, "rate limit counters: memory|sql|redis")
	fs.IntVar(&c.RateLimitMaxKeys, "ratelimit-max-keys", 100_000, "keys held by the in-memory counter store, 0 for no limit")
	fs.StringVar(&c.RedisURL, "redis-url", "", "redis://host:6379/0 for -ratelimit-store=redis")
	fs.BoolVar(&c.RedisFallback, "redis-fallback", true, "count in process memory while redis is failing")
	fs.StringVar(&c.PolicyFile, "policy-file", "", "YAML overrides for the built-in rate limit policies")
	fs.BoolVar(&c.WatchPolicyFile, "watch-policy-file", true, "reload -policy-file on change")
	fs.Float64Var(&c.FloodRate, "flood-rate", 20, "per-IP flood guard refill, requests per second")
	fs.IntVar(&c.FloodBurst, "flood-burst", 60, "per-IP flood guard burst")
	fs.StringVar(&c.PurgeSchedule, "purge-schedule", "@every 5m", "cron schedule for purging expired counters and sessions")

	fs.BoolVar(&c.CSRFCookieSecure, "csrf-cookie-secure", true, "mark the csrf cookie Secure")
	fs.StringVar(&c.SessionMode, "session-mode", SessionDB, "session backend: jwt|db")
	fs.StringVar(&c.SessionKey, "session-key", "", "HMAC key for jwt sessions, at least 32 bytes")
	fs.StringVar(&c.SessionKeySSMParam, "session-key-ssm-param", "", "SSM SecureString holding the jwt session key")
	fs.DurationVar(&c.SessionTTL, "session-ttl", 24*time.Hour, "session lifetime")

	fs.StringVar(&c.StripeWebhookSecret, "stripe-webhook-secret", "", "stripe webhook signing secret (whsec_...)")
	fs.StringVar(&c.StripeWebhookSecretSSMParam, "stripe-webhook-secret-ssm-param", "", "SSM SecureString holding the stripe webhook signing secret")
}

// EnvName is the environment variable consulted for flag name.
func EnvName(name string) string {
	return EnvPrefix + strings.ReplaceAll(strings.ToUpper(name), "-", "_")
}

// FillFromEnv sets flags that were not passed on the command line from
// their environment variables. Invalid values are reported through logf
// and the default is kept.
func FillFromEnv(fs *flag.FlagSet, logf func(string, ...any)) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvName(f.Name)
		val, ok := os.LookupEnv(key)
		switch {
		case !ok:
		case explicit[f.Name]:
			logf("-%s given on the command line, ignoring %s", f.Name, key)
		default:
			prev := f.Value.String()
			if err := fs.Set(f.Name, val); err != nil {
				_ = fs.Set(f.Name, prev)
				logf("ignoring %s=%q: %v", key, val, err)
			}
		}
	})
}

// LogOptions maps the logging settings onto log.Options for the build vi.
func (c App) LogOptions(vi version.Info) (log.Options, error) {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.Options{}, err
	}
	return log.Options{
		App:             vi.AppName,
		Version:         vi.Version,
		Commit:          vi.Commit,
		BuildID:         vi.BuildID,
		Level:           lvl,
		StacktraceLevel: c.StacktraceLevel,
		JSON:            c.LogJSON,
		ErrorLinks:      c.IncludeErrorLinks,
		MaxErrorLinks:   c.MaxErrorLinks,
	}, nil
}

// problems collects every invalid setting so one run reports them all.
type problems []error

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Errorf(format, args...))
}

// Validate reports every invalid setting joined into one error.
func Validate(c App) error {
	var p problems
	c.validateListeners(&p)
	c.validateObservability(&p)
	c.validateRateLimit(&p)
	c.validateAuth(&p)
	return errors.Join(p...)
}

func (c App) validateListeners(p *problems) {
	for name, port := range map[string]int{"HTTP_PORT": c.HTTPPort, "ADMIN_PORT": c.AdminPort} {
		if port < 1 || port > 65535 {
			p.addf("invalid %s %d (must be 1..65535)", name, port)
		}
	}
	if c.AdminPort == c.HTTPPort {
		p.addf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)
	}
	if c.TrustedHops < 0 || c.TrustedHops > 10 {
		p.addf("TRUSTED_HOPS must be 0..10 (got %d)", c.TrustedHops)
	}
	if c.DrainPeriod < 0 {
		p.addf("DRAIN_PERIOD must not be negative (got %s)", c.DrainPeriod)
	}
	if strings.TrimSpace(c.DBPath) == "" {
		p.addf("DB_PATH is required")
	}
}

func (c App) validateObservability(p *problems) {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		p.addf("invalid LOG_LEVEL: %w", err)
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			p.addf("invalid STACKTRACE_LEVEL: %w", err)
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		p.addf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks)
	}
	if c.TraceSample < 0 || c.TraceSample > 1 {
		p.addf("invalid TRACE_SAMPLE %g (must be 0..1)", c.TraceSample)
	}
	if c.EnablePyroscope {
		if u, err := url.Parse(c.PyroServer); c.PyroServer == "" || err != nil || u.Scheme == "" || u.Host == "" {
			p.addf("PYRO_SERVER must be a URL when ENABLE_PYROSCOPE=true (got %q)", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			p.addf("PYRO_TENANT required when ENABLE_PYROSCOPE=true")
		}
	}
	if c.EnableTracing {
		// the gRPC exporter takes host:port without a scheme
		if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			p.addf("OTLP_ENDPOINT must be host:port when ENABLE_TRACING=true (got %q)", c.OTLPEndpoint)
		}
	}
}

func (c App) validateRateLimit(p *problems) {
	switch c.RateLimitStore {
	case StoreMemory, StoreSQL:
	case StoreRedis:
		if u, err := url.Parse(c.RedisURL); c.RedisURL == "" || err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") || u.Host == "" {
			p.addf("REDIS_URL must be a redis:// or rediss:// URL when RATELIMIT_STORE=redis (got %q)", c.RedisURL)
		}
	default:
		p.addf("invalid RATELIMIT_STORE %q (must be memory|sql|redis)", c.RateLimitStore)
	}
	if c.RateLimitMaxKeys < 0 {
		p.addf("RATELIMIT_MAX_KEYS must not be negative (got %d)", c.RateLimitMaxKeys)
	}
	if c.FloodRate <= 0 {
		p.addf("FLOOD_RATE must be positive (got %g)", c.FloodRate)
	}
	if c.FloodBurst < 1 {
		p.addf("FLOOD_BURST must be >= 1 (got %d)", c.FloodBurst)
	}
	if _, err := cron.ParseStandard(c.PurgeSchedule); err != nil {
		p.addf("invalid PURGE_SCHEDULE %q: %w", c.PurgeSchedule, err)
	}
}

func (c App) validateAuth(p *problems) {
	switch c.SessionMode {
	case SessionDB:
	case SessionJWT:
		if c.SessionKey == "" && c.SessionKeySSMParam == "" {
			p.addf("SESSION_KEY or SESSION_KEY_SSM_PARAM required when SESSION_MODE=jwt")
		}
		if c.SessionKey != "" && len(c.SessionKey) < session.MinKeyLen {
			p.addf("SESSION_KEY must be at least %d bytes", session.MinKeyLen)
		}
	default:
		p.addf("invalid SESSION_MODE %q (must be jwt|db)", c.SessionMode)
	}
	if c.SessionKey != "" && c.SessionKeySSMParam != "" {
		p.addf("set only one of SESSION_KEY and SESSION_KEY_SSM_PARAM")
	}
	if c.SessionTTL <= 0 {
		p.addf("SESSION_TTL must be positive (got %s)", c.SessionTTL)
	}
	if c.StripeWebhookSecret != "" && c.StripeWebhookSecretSSMParam != "" {
		p.addf("set only one of STRIPE_WEBHOOK_SECRET and STRIPE_WEBHOOK_SECRET_SSM_PARAM")
	}
}
