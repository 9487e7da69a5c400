// Package protect composes the checks every state-changing API route runs:
// rate limit, then CSRF, then session authentication.
//
// The order puts the cheap in-memory or single-row checks first, so a
// flood or a forged cross-site request never costs a session lookup.
package protect

import (
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/gymgate/internal/csrf"
	"github.com/keithlinneman/gymgate/internal/httpmw"
	"github.com/keithlinneman/gymgate/internal/log"
	"github.com/keithlinneman/gymgate/internal/otelx"
	"github.com/keithlinneman/gymgate/internal/ratelimit"
	"github.com/keithlinneman/gymgate/internal/session"
	"github.com/keithlinneman/gymgate/internal/xerrors"
)

// Stage names the check that produced a Failure.
type Stage string

const (
	StageRateLimit Stage = "rate_limit"
	StageCSRF      Stage = "csrf"
	StageAuth      Stage = "auth"
)

// Failure is the first failed check of a request.
type Failure struct {
	Stage  Stage
	Status int
	Err    error

	// RetryAfter is set for rate limit failures.
	RetryAfter time.Duration
}

func (f *Failure) Error() string {
	return string(f.Stage) + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error { return f.Err }

// Write sends the failure response.
func (f *Failure) Write(w http.ResponseWriter) {
	switch f.Status {
	case http.StatusTooManyRequests:
		ratelimit.WriteTooManyRequests(w, f.RetryAfter)
	case http.StatusForbidden:
		csrf.WriteForbidden(w)
	case http.StatusUnauthorized:
		session.WriteUnauthorized(w)
	default:
		httpmw.WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}

var errRateLimited = errors.New("rate limit exceeded")

// Guard runs the protection chain. A Guard is immutable; With derives
// per-route variants.
type Guard struct {
	limiter *ratelimit.Limiter
	csrf    *csrf.Guard
	auth    session.Authenticator

	policy   string
	key      ratelimit.KeyFunc
	skipCSRF bool
	skipAuth bool

	// onFailure is called once per failed request with the failing stage
	onFailure func(stage Stage)
}

type Option func(*Guard)

// WithPolicy selects the rate limit policy. Default "mutation".
func WithPolicy(name string) Option {
	return func(g *Guard) {
		g.policy = name
	}
}

// WithKeyFunc sets the rate limit identity. Default client IP.
func WithKeyFunc(fn ratelimit.KeyFunc) Option {
	return func(g *Guard) {
		g.key = fn
	}
}

// WithoutCSRF skips the CSRF stage, for callers that authenticate by other
// means such as signed webhooks.
func WithoutCSRF() Option {
	return func(g *Guard) {
		g.skipCSRF = true
	}
}

// WithoutAuth skips session authentication, for public endpoints that still
// need rate limiting.
func WithoutAuth() Option {
	return func(g *Guard) {
		g.skipAuth = true
	}
}

// WithOnFailure sets a callback for failed requests, used for metrics.
func WithOnFailure(fn func(stage Stage)) Option {
	return func(g *Guard) {
		g.onFailure = fn
	}
}

// New builds a Guard. A nil csrf guard or authenticator disables that stage.
func New(limiter *ratelimit.Limiter, cg *csrf.Guard, auth session.Authenticator, opts ...Option) *Guard {
	g := &Guard{
		limiter: limiter,
		csrf:    cg,
		auth:    auth,
		policy:  ratelimit.PolicyMutation,
		key:     ratelimit.ByClientIP,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// With returns a copy of g with opts applied.
func (g *Guard) With(opts ...Option) *Guard {
	c := *g
	for _, o := range opts {
		o(&c)
	}
	return &c
}

// Check runs the chain against r. It returns the principal on success, or
// the first failure. An unauthenticated chain returns a zero Principal.
func (g *Guard) Check(r *http.Request) (session.Principal, *Failure) {
	if f := g.checkRateLimit(r); f != nil {
		return session.Principal{}, g.fail(f)
	}

	if g.csrf != nil && !g.skipCSRF {
		if err := g.csrf.Check(r); err != nil {
			return session.Principal{}, g.fail(&Failure{Stage: StageCSRF, Status: http.StatusForbidden, Err: err})
		}
	}

	if g.auth == nil || g.skipAuth {
		return session.Principal{}, nil
	}
	p, err := g.auth.Authenticate(r)
	if err != nil {
		status := http.StatusUnauthorized
		if !errors.Is(err, session.ErrNoSession) && !errors.Is(err, session.ErrInvalidSession) {
			// backend failure, not the caller's fault
			status = http.StatusInternalServerError
		}
		return session.Principal{}, g.fail(&Failure{Stage: StageAuth, Status: status, Err: err})
	}
	return p, nil
}

func (g *Guard) checkRateLimit(r *http.Request) *Failure {
	if g.limiter == nil {
		return nil
	}
	ctx := r.Context()
	p, ok := g.limiter.Policy(g.policy)
	if !ok {
		return &Failure{Stage: StageRateLimit, Status: http.StatusInternalServerError, Err: xerrors.Newf("unknown rate limit policy %q", g.policy)}
	}
	d, err := g.limiter.Allow(ctx, p, g.key(r))
	if err != nil {
		log.FromContext(ctx).Warn(ctx, "rate limit store unavailable, allowing request", "policy", g.policy, "error", err)
	}
	if !d.Allowed {
		return &Failure{
			Stage:      StageRateLimit,
			Status:     http.StatusTooManyRequests,
			Err:        errRateLimited,
			RetryAfter: g.limiter.RetryAfter(d),
		}
	}
	return nil
}

func (g *Guard) fail(f *Failure) *Failure {
	if g.onFailure != nil {
		g.onFailure(f.Stage)
	}
	return f
}

// Middleware runs Check and either writes the failure or calls next with
// the principal in the request context.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		p, f := g.traceCheck(r)
		if f != nil {
			httpmw.Annotate(ctx, httpmw.StageAnnotation, string(f.Stage))
			if f.Status >= http.StatusInternalServerError {
				log.FromContext(ctx).Error(ctx, f.Err, "api protection check failed", "stage", f.Stage)
			}
			f.Write(w)
			return
		}
		if p.UserID != "" {
			httpmw.Annotate(ctx, "user_id", p.UserID)
			ctx = session.WithPrincipal(ctx, p)
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("user_id", p.UserID))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// traceCheck runs Check inside a protect.check span so traces show which
// stage rejected the request and how long the store and session lookups took.
func (g *Guard) traceCheck(r *http.Request) (session.Principal, *Failure) {
	ctx, span := otelx.Tracer().Start(r.Context(), "protect.check",
		trace.WithAttributes(attribute.String("gymgate.ratelimit.policy", g.policy)))
	defer span.End()

	p, f := g.Check(r.WithContext(ctx))
	if f != nil {
		span.SetAttributes(
			attribute.String("gymgate.protect.stage", string(f.Stage)),
			attribute.Int("http.response.status_code", f.Status),
		)
		span.SetStatus(codes.Error, string(f.Stage))
	}
	return p, f
}

// UserIDFromContext returns the user id stored by Middleware.
func UserIDFromContext(r *http.Request) string {
	return session.UserIDFromContext(r.Context())
}
