// Package telemetry wires OpenTelemetry metrics and tracing for the engine.
// Metrics surface through the Prometheus exporter; traces go to an optional
// OTLP endpoint.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry settings.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Service string `yaml:"service" json:"service"`
	Version string `yaml:"version" json:"version"`

	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// TracingConfig holds OTLP trace export settings.
type TracingConfig struct {
	Enabled    bool              `yaml:"enabled" json:"enabled"`
	Endpoint   string            `yaml:"endpoint" json:"endpoint"`
	Headers    map[string]string `yaml:"headers" json:"-"`
	SampleRate float64           `yaml:"sampleRate" json:"sample_rate"`
}

// Telemetry manages the OpenTelemetry providers.
type Telemetry struct {
	config   Config
	tracer   trace.Tracer
	meter    metric.Meter
	shutdown []func(context.Context) error
}

// New creates a telemetry instance. With Enabled false it returns no-op
// providers so callers never need nil checks.
func New(config Config) (*Telemetry, error) {
	t := &Telemetry{config: config}

	if !config.Enabled {
		t.tracer = otel.GetTracerProvider().Tracer("gatekeeper")
		t.meter = otel.GetMeterProvider().Meter("gatekeeper")
		return t, nil
	}

	service := config.Service
	if service == "" {
		service = "gatekeeper"
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		semconv.ServiceVersion(config.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(meterProvider)
	t.meter = meterProvider.Meter("gatekeeper")
	t.shutdown = append(t.shutdown, meterProvider.Shutdown)

	if config.Tracing.Enabled {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.Tracing.Endpoint)}
		if len(config.Tracing.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(config.Tracing.Headers))
		}
		traceExporter, err := otlptracehttp.New(context.Background(), opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}

		sampleRate := config.Tracing.SampleRate
		if sampleRate <= 0 {
			sampleRate = 1
		}
		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithSampler(sdktrace.TraceIDRatioBased(sampleRate)),
		)
		otel.SetTracerProvider(tracerProvider)
		t.tracer = tracerProvider.Tracer("gatekeeper")
		t.shutdown = append(t.shutdown, tracerProvider.Shutdown)
	} else {
		t.tracer = otel.GetTracerProvider().Tracer("gatekeeper")
	}

	return t, nil
}

// Tracer returns the tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Meter returns the meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var firstErr error
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		slog.Warn("telemetry shutdown incomplete", "error", firstErr)
	}
	return firstErr
}
