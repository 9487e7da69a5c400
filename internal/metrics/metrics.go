// Package metrics owns the Prometheus registry served on the ops port:
// HTTP server metrics plus counters for every gymgate protection layer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/gymgate/internal/version"
)

type Metrics struct {
	reg *prometheus.Registry

	// http
	inflight  prometheus.Gauge
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	respBytes *prometheus.HistogramVec
	panics    prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	// flood guard
	floodDenied   prometheus.Counter
	floodCapacity prometheus.Counter

	// policy limiter and its store
	policyDenied  *prometheus.CounterVec
	storeErrors   *prometheus.CounterVec
	storeCapacity prometheus.Counter
	storeFallback prometheus.Counter
	breakerState  *prometheus.GaugeVec
	reloads       *prometheus.CounterVec

	protectFailures *prometheus.CounterVec
	csrfDenied      *prometheus.CounterVec
	webhookEvents   *prometheus.CounterVec

	janitorPurged      *prometheus.CounterVec
	janitorErrors      *prometheus.CounterVec
	janitorLastSuccess *prometheus.GaugeVec
}

// New builds a private registry with the Go and process collectors. HTTP
// labels are limited to method, route pattern, status and rejecting stage
// so member ids and coordinates never become series.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		inflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Requests currently being served.",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Requests by method, route, status and the protection stage that rejected them.",
		}, []string{"method", "route", "status", "rejected_by"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "5xx responses by method and route.",
		}, []string{"method", "route"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "route"}),
		respBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response body size by method and route.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"method", "route"}),
		panics: f.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Handler panics recovered by the server.",
		}),

		buildInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata, value is always 1.",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "1 when continuous profiling started, 0 when disabled or failed.",
		}),

		floodDenied: f.NewCounter(prometheus.CounterOpts{
			Name: "floodguard_denied_total",
			Help: "Requests shed by the per-IP token bucket.",
		}),
		floodCapacity: f.NewCounter(prometheus.CounterOpts{
			Name: "floodguard_capacity_total",
			Help: "New client IPs refused because the flood guard table was full.",
		}),

		policyDenied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_denied_total",
			Help: "Requests denied by a rate limit policy.",
		}, []string{"policy"}),
		storeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_store_errors_total",
			Help: "Store failures where the request was let through.",
		}, []string{"policy"}),
		storeCapacity: f.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_store_capacity_total",
			Help: "New keys refused because the in-memory store was full.",
		}),
		storeFallback: f.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_store_fallback_total",
			Help: "Hits served by the local fallback store.",
		}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratelimit_store_breaker_state",
			Help: "Primary store breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"name"}),
		reloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_policy_reloads_total",
			Help: "Policy file reloads by result.",
		}, []string{"result"}),

		protectFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "api_protection_failures_total",
			Help: "Protected requests rejected, by stage.",
		}, []string{"stage"}),
		csrfDenied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "csrf_denied_total",
			Help: "Requests rejected by the CSRF check, by reason.",
		}, []string{"reason"}),
		webhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Stripe deliveries by event type and outcome.",
		}, []string{"type", "outcome"}),

		janitorPurged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "janitor_purged_total",
			Help: "Expired rows removed by cleanup jobs.",
		}, []string{"job"}),
		janitorErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "janitor_errors_total",
			Help: "Failed cleanup job runs.",
		}, []string{"job"}),
		janitorLastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "janitor_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run of each cleanup job.",
		}, []string{"job"}),
	}
}

// Handler serves the registry in OpenMetrics format so exemplars survive.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// SetBuildInfo is called once at startup.
func (m *Metrics) SetBuildInfo(component string, vi version.Info) {
	m.buildInfo.With(prometheus.Labels{
		"app":         vi.AppName,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildID,
		"build_date":  vi.BuildDate,
		"vcs_dirty":   vi.DirtyString(),
		"go_version":  vi.GoVersion,
	}).Set(1)
}

func (m *Metrics) SetProfilingActive(active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.profilingActive.Set(v)
}

func (m *Metrics) IncPanic() { m.panics.Inc() }

func (m *Metrics) IncFloodDenied()   { m.floodDenied.Inc() }
func (m *Metrics) IncFloodCapacity() { m.floodCapacity.Inc() }

func (m *Metrics) IncPolicyDenied(policy string) { m.policyDenied.WithLabelValues(policy).Inc() }
func (m *Metrics) IncStoreError(policy string)   { m.storeErrors.WithLabelValues(policy).Inc() }
func (m *Metrics) IncStoreCapacity()             { m.storeCapacity.Inc() }
func (m *Metrics) IncStoreFallback()             { m.storeFallback.Inc() }

// SetStoreBreakerState records a breaker transition using gobreaker.State
// ordering.
func (m *Metrics) SetStoreBreakerState(name string, state int) {
	m.breakerState.WithLabelValues(name).Set(float64(state))
}

// IncPolicyReload counts a reload attempt, nil meaning success.
func (m *Metrics) IncPolicyReload(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.reloads.WithLabelValues(result).Inc()
}

func (m *Metrics) IncProtectFailure(stage string) { m.protectFailures.WithLabelValues(stage).Inc() }
func (m *Metrics) IncCSRFDenied(reason string)    { m.csrfDenied.WithLabelValues(reason).Inc() }

func (m *Metrics) IncWebhookEvent(eventType, outcome string) {
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// ObserveJanitorRun records one run of a cleanup job.
func (m *Metrics) ObserveJanitorRun(job string, purged int64, err error, at time.Time) {
	if err != nil {
		m.janitorErrors.WithLabelValues(job).Inc()
		return
	}
	m.janitorPurged.WithLabelValues(job).Add(float64(purged))
	m.janitorLastSuccess.WithLabelValues(job).Set(float64(at.Unix()))
}
