// Package telemetry wires the optional OTLP exporter mentioned in
// SPEC_FULL.md §2: one span per indexer flush batch, one per
// channel-summarization run, one per agent-loop tool-use iteration. Only
// traces are exported: the counters for messages indexed, summaries
// completed/failed and shares published/blocked go to an SDK meter
// provider with no reader. Disabled (no-op providers, the otel API's own
// default) whenever OTEL_EXPORTER_OTLP_ENDPOINT is unset.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Config mirrors internal/config.TelemetryConfig without an import cycle;
// cmd/serve.go copies the fields across.
type Config struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
}

// Providers bundles the tracer/meter used across the daemon plus a
// Shutdown that flushes and closes the exporter.
type Providers struct {
	Tracer   oteltrace.Tracer
	Meter    metric.Meter
	Shutdown func(context.Context) error
}

// Setup installs global tracer/meter providers per cfg. When cfg.Enabled
// is false the global otel no-op implementations are used, so every
// instrumented call site (Tracer.Start, Meter.Int64Counter) stays cheap
// and side-effect-free without a separate code path.
func Setup(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return &Providers{
			Tracer:   otel.Tracer(cfg.ServiceName),
			Meter:    otel.Meter(cfg.ServiceName),
			Shutdown: func(context.Context) error { return nil },
		}, nil
	}

	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: otlp trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	return &Providers{
		Tracer: otel.Tracer(cfg.ServiceName),
		Meter:  otel.Meter(cfg.ServiceName),
		Shutdown: func(shutdownCtx context.Context) error {
			if err := tp.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("telemetry: tracer shutdown: %w", err)
			}
			if err := mp.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("telemetry: meter shutdown: %w", err)
			}
			return nil
		},
	}, nil
}
