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

// InitOption adjusts provider initialisation.
type InitOption func(*initOptions)

type initOptions struct {
	version  string
	exporter sdktrace.SpanExporter
}

// WithServiceVersion reports the given version in the telemetry resource.
func WithServiceVersion(v string) InitOption {
	return func(o *initOptions) { o.version = v }
}

// WithTraceExporter exports spans to the given backend. Without it spans
// stay in-process, which still gives HTTP responses their correlation IDs.
func WithTraceExporter(exp sdktrace.SpanExporter) InitOption {
	return func(o *initOptions) { o.exporter = exp }
}

// InitProvider installs the global OpenTelemetry providers: a meter provider
// backed by a Prometheus exporter (scraped through the /metrics endpoint)
// and a tracer provider. An empty service name defaults to "pitchline".
//
// The returned function shuts both providers down; call it in a defer from
// main.
func InitProvider(ctx context.Context, service string, opts ...InitOption) (func(context.Context) error, error) {
	var o initOptions
	for _, opt := range opts {
		opt(&o)
	}
	if service == "" {
		service = "pitchline"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
			semconv.ServiceVersion(o.version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	bridge, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(bridge),
	)
	otel.SetMeterProvider(mp)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if o.exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(o.exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}, nil
}
