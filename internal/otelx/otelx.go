// Package otelx installs the global OpenTelemetry tracer provider and
// propagators, and hands out the tracer gymgate packages start spans with.
package otelx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/gymgate/internal/xerrors"
)

const tracerName = "github.com/keithlinneman/gymgate"

type Options struct {
	Enabled  bool
	Endpoint string
	Insecure bool

	// Sample is the root sampling ratio, clamped to [0,1]. Requests that
	// arrive with a sampled parent are always kept.
	Sample float64

	Service   string
	Component string
	Version   string

	// DialTimeout bounds exporter setup. Default 3s.
	DialTimeout time.Duration
}

// Tracer is the tracer for gymgate's own spans. It resolves the global
// provider on every call so tests can swap it.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// Init installs the provider and returns its shutdown, which is never nil.
// Disabled tracing still installs an SDK provider without an exporter so
// request logs and response headers carry trace ids.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	otel.SetTextMapPropagator(propagator())
	if !o.Enabled {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		return noop, nil
	}

	dial := o.DialTimeout
	if dial <= 0 {
		dial = 3 * time.Second
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(o.Endpoint)}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	dctx, cancel := context.WithTimeout(ctx, dial)
	defer cancel()
	exp, err := otlptracegrpc.New(dctx, opts...)
	if err != nil {
		return noop, xerrors.Wrapf(err, "otlp exporter %s", o.Endpoint)
	}

	// partial resources are still useful, detector errors are not fatal
	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNamespaceKey.String(o.Service),
			semconv.ServiceNameKey.String(o.Service+"-"+o.Component),
			semconv.ServiceVersionKey.String(o.Version),
		),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler(o.Sample)),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
