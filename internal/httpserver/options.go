package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/gymgate/internal/health"
	"github.com/keithlinneman/gymgate/internal/log"
)

// Options configures the public API listener.
type Options struct {
	Logger log.Logger
	Port   int

	UseRecoverMW bool
	OnPanic      func()

	MetricsMW func(http.Handler) http.Handler

	// FloodGuard sheds abusive clients before routing. The per-route
	// rate limit policies run inside APIRoutes.
	FloodGuard func(http.Handler) http.Handler

	// TrustedHops is how many proxies in front of the server append to
	// X-Forwarded-For. Zero ignores the header.
	TrustedHops int

	Health    health.Check
	Readiness health.Check

	// APIRoutes mounts the gymgate routes on the root router.
	APIRoutes func(chi.Router)

	// MaxBodyBytes caps request bodies. Default 256KB.
	MaxBodyBytes int64
}
