// Package api mounts the public JSON routes and decides which protection
// each one runs behind.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/gymgate/internal/csrf"
	"github.com/keithlinneman/gymgate/internal/gyms"
	"github.com/keithlinneman/gymgate/internal/httpmw"
	"github.com/keithlinneman/gymgate/internal/prof"
	"github.com/keithlinneman/gymgate/internal/protect"
	"github.com/keithlinneman/gymgate/internal/ratelimit"
	"github.com/keithlinneman/gymgate/internal/session"
)

const WebhookPath = "/api/webhooks/stripe"

type Options struct {
	Limiter *ratelimit.Limiter
	CSRF    *csrf.Guard

	// Guard is the full chain for state-changing routes. Other chains are
	// derived from it with Guard.With.
	Guard *protect.Guard

	Gyms *gyms.API

	// Webhooks handles Stripe callbacks. The route is not mounted when nil.
	Webhooks http.Handler
}

// Routes implements httpserver.Options.APIRoutes.
type Routes struct {
	opts Options
}

func New(opts Options) *Routes {
	return &Routes{opts: opts}
}

// RegisterRoutes attaches every API route to r.
//
//	GET    /api/csrf              api policy
//	GET    /api/me                api policy, session
//	GET    /api/gyms...           api policy
//	POST   /api/gyms              mutation policy, csrf, session
//	DELETE /api/gyms/{id}         mutation policy, csrf, session
//	POST   /api/webhooks/stripe   webhook policy
func (rt *Routes) RegisterRoutes(r chi.Router) {
	o := rt.opts
	read := o.Limiter.Middleware(ratelimit.PolicyAPI, ratelimit.ByClientIP)
	authed := o.Guard.With(protect.WithPolicy(ratelimit.PolicyAPI), protect.WithoutCSRF())

	r.With(area("csrf"), read).Method(http.MethodGet, "/api/csrf", o.CSRF.TokenHandler())
	r.With(area("session"), authed.Middleware).Get("/api/me", handleMe)

	if o.Gyms != nil {
		r.Group(func(r chi.Router) {
			r.Use(area("gyms"))
			o.Gyms.RegisterRoutes(r, read, o.Guard.Middleware)
		})
	}

	if o.Webhooks != nil {
		hook := o.Guard.With(
			protect.WithPolicy(ratelimit.PolicyWebhook),
			protect.WithoutCSRF(),
			protect.WithoutAuth(),
		)
		r.With(area("webhook"), hook.Middleware).Method(http.MethodPost, WebhookPath, o.Webhooks)
	}
}

// area tags the logs, span and profile samples of a route group.
func area(name string) func(http.Handler) http.Handler {
	scope, label := httpmw.Scope(name), prof.Label(name)
	return func(next http.Handler) http.Handler {
		return scope(label(next))
	}
}

type meResponse struct {
	UserID    string     `json:"userId"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func handleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := session.PrincipalFromContext(r.Context())
	if !ok {
		session.WriteUnauthorized(w)
		return
	}
	resp := meResponse{UserID: p.UserID}
	if !p.ExpiresAt.IsZero() {
		resp.ExpiresAt = &p.ExpiresAt
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(resp)
}
