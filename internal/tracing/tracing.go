// Package tracing wires OpenTelemetry tracing for the engine and provider
// layers. Tracing is off unless an OTLP endpoint is configured; Start then
// returns spans from the global provider.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/nextlevelbuilder/goconvo"

// Options configures the exporter.
type Options struct {
	// Endpoint is the OTLP HTTP collector host:port; empty disables tracing.
	Endpoint string
	Insecure bool
	Service  string
}

// Init installs a global tracer provider exporting to the configured OTLP
// endpoint, returning a shutdown function. With no endpoint it is a no-op.
func Init(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	expOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		expOpts = append(expOpts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, expOpts...)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	service := opts.Service
	if service == "" {
		service = "goconvo"
	}
	res, err := sdkresource.Merge(sdkresource.Default(),
		sdkresource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(service)))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	slog.Info("tracing enabled", "endpoint", opts.Endpoint, "service", service)
	return tp.Shutdown, nil
}

// Start opens a span on the global tracer. With tracing uninitialised this
// is the SDK's no-op span.
func Start(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name)
}
