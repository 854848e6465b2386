// Package tracing wraps OpenTelemetry SDK TracerProvider setup, adapted
// from the teacher's internal/telemetry package. Unlike the teacher, this
// build wires no OTLP exporter: the router module only imports
// go.opentelemetry.io/otel/sdk, not an exporter package, so spans are
// created and sampled but not shipped anywhere by default. A real deployment
// can still read them off the in-memory SpanProcessor for tests, or a future
// exporter can be attached via WithSpanProcessor without touching callers.
package tracing

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config configures Init.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// SampleRatio is the fraction of root spans sampled, in (0, 1]. Init
	// treats a value <= 0 as 1.0 (sample everything).
	SampleRatio float64

	// SpanProcessor, if set, is registered on the TracerProvider (e.g. a
	// batch span processor wrapping a real exporter). Nil means spans are
	// created and sampled but never exported anywhere.
	SpanProcessor sdktrace.SpanProcessor
}

// DefaultConfig returns a sane always-off-exporter tracing config.
func DefaultConfig(serviceName string) Config {
	return Config{ServiceName: serviceName, ServiceVersion: "dev", SampleRatio: 1.0}
}

// Providers holds the process-wide TracerProvider. Shutdown flushes and
// detaches it.
type Providers struct {
	tp *sdktrace.TracerProvider
}

// Init builds a TracerProvider from cfg and installs it as the global
// provider, matching the teacher's otel.SetTracerProvider/SetTextMapPropagator
// pattern.
func Init(cfg Config, logger *zap.Logger) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SampleRatio <= 0 {
		cfg.SampleRatio = 1.0
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRatio)),
	}
	if cfg.SpanProcessor != nil {
		opts = append(opts, sdktrace.WithSpanProcessor(cfg.SpanProcessor))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing initialized",
		zap.String("service_name", cfg.ServiceName),
		zap.Float64("sample_ratio", cfg.SampleRatio),
		zap.Bool("exporter_attached", cfg.SpanProcessor != nil),
	)

	return &Providers{tp: tp}, nil
}

// Shutdown flushes in-flight spans. Safe to call on a nil Providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	var errs []error
	if err := p.tp.ForceFlush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush tracer provider: %w", err))
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
	}
	return errors.Join(errs...)
}

// Tracer returns a named tracer off the global provider, the same handle
// router hops and async deliveries use to open spans.
func Tracer(name string) oteltrace.Tracer {
	return otel.Tracer(name)
}

// StartSpan is a small convenience wrapper used at router/async hop
// boundaries: it opens a span on the named tracer, tagging it with the
// given message_id/node_id style attributes.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return Tracer(tracerName).Start(ctx, spanName, oteltrace.WithAttributes(attrs...))
}
