// Package telemetry wires the tracing the dispatch tick and intake
// process paths emit spans through.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Option adjusts tracer setup.
type Option func(*settings)

type settings struct {
	sampleRatio float64
}

// WithSampleRatio keeps the given fraction of root traces. A busy
// dispatcher emits a span per tick; sampling keeps local stdout output
// readable. Values outside (0, 1] mean keep everything.
func WithSampleRatio(ratio float64) Option {
	return func(s *settings) {
		s.sampleRatio = ratio
	}
}

// InitTracer configures a stdout tracer suitable for local development
// and returns its shutdown function.
func InitTracer(ctx context.Context, serviceName string, opts ...Option) func(context.Context) error {
	cfg := settings{sampleRatio: 1}
	for _, opt := range opts {
		opt(&cfg)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		slog.Error("telemetry exporter init failed", "error", err)
		return func(context.Context) error { return nil }
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.sampleRatio > 0 && cfg.sampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.sampleRatio)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)

	otel.SetTracerProvider(provider)

	return provider.Shutdown
}
