// Package otel wires OpenTelemetry traces and metrics for taskd. A disabled
// Config yields no-op providers so callers never branch on telemetry.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "taskd"
	MeterName  = "taskd"
	// Version is the taskd version reported in telemetry.
	Version = "v0.1.0"

	ExporterOTLPHTTP = "otlp-http"
	ExporterStdout   = "stdout"
	ExporterNone     = "none"

	defaultEndpoint       = "localhost:4318"
	defaultMetricInterval = 30 * time.Second
)

// Config selects where spans and metrics go. Exporter applies to both
// signals; "none" keeps the SDK but exports nothing.
type Config struct {
	Enabled        bool
	Exporter       string
	Endpoint       string
	ServiceName    string
	SampleRate     float64
	MetricInterval time.Duration

	// MetricReader replaces the exporter-derived reader. Tests pass an
	// sdkmetric.ManualReader here to collect what was recorded.
	MetricReader sdkmetric.Reader
}

// Provider holds the active tracer and meter. Shutdown flushes both.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       func(context.Context) error
}

func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:         mp.Meter(MeterName),
			MeterProvider: mp,
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}
	if cfg.Exporter == "" {
		cfg.Exporter = ExporterOTLPHTTP
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "taskd"
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		attribute.String("taskd.version", Version),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	spans, err := spanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}
	reader := cfg.MetricReader
	if reader == nil {
		if reader, err = metricReader(ctx, cfg); err != nil {
			return nil, fmt.Errorf("create metric reader: %w", err)
		}
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spans),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(tp)

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if reader != nil {
		opts = append(opts, sdkmetric.WithReader(reader))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		shutdown: func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
		},
	}, nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func spanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLPHTTP:
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterNone:
		return discardSpans{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter %q (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

// metricReader returns a periodic reader over the configured exporter, or
// nil for "none".
func metricReader(ctx context.Context, cfg Config) (sdkmetric.Reader, error) {
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = defaultMetricInterval
	}
	var (
		exp sdkmetric.Exporter
		err error
	)
	switch cfg.Exporter {
	case ExporterOTLPHTTP:
		exp, err = otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(cfg.Endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	case ExporterStdout:
		exp, err = stdoutmetric.New()
	case ExporterNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown exporter %q (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval)), nil
}

type discardSpans struct{}

func (discardSpans) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardSpans) Shutdown(context.Context) error                             { return nil }
