package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/gymgate/internal/httpmw"
)

// sizeWriter counts the status and body bytes for the request metrics.
type sizeWriter struct {
	http.ResponseWriter
	status int
	n      int
}

func (w *sizeWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *sizeWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.n += n
	return n, err
}

func (w *sizeWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware records request metrics. It sits outside the router, so it
// installs the chi route context itself to read the matched pattern once
// the router is done, and reads the rejecting protection stage from the
// request annotations.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rctx := chi.RouteContext(r.Context())
		if rctx == nil {
			rctx = chi.NewRouteContext()
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
		}

		m.inflight.Inc()
		defer m.inflight.Dec()

		sw := &sizeWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		route := rctx.RoutePattern()
		if route == "" {
			// unmatched paths are caller controlled, keep them out of labels
			route = "unmatched"
		}
		stage := ""
		if v, ok := httpmw.AnnotationValue(r.Context(), httpmw.StageAnnotation); ok {
			stage, _ = v.(string)
		}

		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(status), stage).Inc()
		if status >= 500 {
			m.errors.WithLabelValues(r.Method, route).Inc()
		}
		observe(m.duration.WithLabelValues(r.Method, route), time.Since(start).Seconds(), r)
		m.respBytes.WithLabelValues(r.Method, route).Observe(float64(sw.n))
	})
}

// observe attaches the trace id as an exemplar when the request is sampled.
func observe(o prometheus.Observer, v float64, r *http.Request) {
	sc := trace.SpanContextFromContext(r.Context())
	if eo, ok := o.(prometheus.ExemplarObserver); ok && sc.IsValid() && sc.IsSampled() {
		eo.ObserveWithExemplar(v, prometheus.Labels{"trace_id": sc.TraceID().String()})
		return
	}
	o.Observe(v)
}
