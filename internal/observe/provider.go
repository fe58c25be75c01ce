// Package observe holds CodeCrew's telemetry: the OpenTelemetry provider
// setup, the engine's metric instruments, and the turn/speaker span helpers.
package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config controls telemetry initialisation.
type Config struct {
	// ServiceName is reported in telemetry resource attributes.
	// Default: "codecrew".
	ServiceName string

	// ServiceVersion is reported in telemetry resource attributes.
	ServiceVersion string

	// TraceExporter receives finished spans. When nil, spans are recorded in
	// process (so the turn/speaker parent-child structure still exists) but
	// not shipped anywhere.
	TraceExporter sdktrace.SpanExporter
}

// Shutdown flushes and stops the telemetry providers. Call it with a bounded
// context during process teardown.
type Shutdown func(context.Context) error

// Setup installs CodeCrew's global telemetry providers: a meter provider
// bridged to Prometheus (scraped via /metrics) and a tracer provider for the
// turn and speaker spans. It returns the combined [Shutdown].
func Setup(cfg Config) (Shutdown, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	mp, err := newMeterProvider(res)
	if err != nil {
		return nil, fmt.Errorf("observe: meter provider: %w", err)
	}
	otel.SetMeterProvider(mp)

	tp := newTracerProvider(res, cfg.TraceExporter)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}, nil
}

func newResource(cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "codecrew"
	}
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(name),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
}

func newMeterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exp),
	), nil
}

func newTracerProvider(res *resource.Resource, exp sdktrace.SpanExporter) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...)
}
