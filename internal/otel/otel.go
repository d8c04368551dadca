// Package otel wires OpenTelemetry for boardsync: a tracer for optimistic
// mutations, the board sync instruments, and the exporter chosen in config.
// Disabled telemetry hands out no-op providers, so callers never branch.
package otel

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
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
	// ScopeName is the instrumentation scope for boardsync traces and metrics.
	ScopeName = "boardsync"
	// Version is reported as a resource attribute.
	Version = "v0.3-dev"
)

// Exporter names accepted in otel.exporter.
const (
	ExporterOTLP   = "otlp-http"
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

// Moves are interactive: most resolve well under a second, the slowest hit
// the mutation timeout.
var mutationBuckets = []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15}

// Config holds OTel configuration.
type Config struct {
	Enabled     bool              `yaml:"enabled"`
	Exporter    string            `yaml:"exporter"`
	Endpoint    string            `yaml:"endpoint"` // host:port or a full collector URL
	Headers     map[string]string `yaml:"headers"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"`

	// Workspace is the mirrored workspace slug, attached to every span and
	// metric. Set at startup, not from the file.
	Workspace string `yaml:"-"`
}

// Provider bundles the tracer, meter and board instruments.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	Metrics        *Metrics
	shutdown       func(context.Context) error
}

// Init builds a Provider from cfg. Extra metric options (readers, views) go
// to the SDK meter provider. The Provider must be Shutdown on exit.
func Init(ctx context.Context, cfg Config, metricOpts ...sdkmetric.Option) (*Provider, error) {
	if !cfg.Enabled {
		mp := noop.NewMeterProvider()
		p := &Provider{
			Tracer:        nooptrace.NewTracerProvider().Tracer(ScopeName),
			MeterProvider: mp,
			Meter:         mp.Meter(ScopeName),
			shutdown:      func(context.Context) error { return nil },
		}
		return p, p.instrument()
	}

	res, err := boardResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate(cfg.SampleRate)))),
	}
	exporter, err := spanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	if exporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(append([]sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithView(sdkmetric.NewView(
			sdkmetric.Instrument{Name: "boardsync.mutation.duration"},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: mutationBuckets}},
		)),
	}, metricOpts...)...)

	p := &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(ScopeName),
		Meter:          mp.Meter(ScopeName),
		shutdown: func(ctx context.Context) error {
			tErr := tp.Shutdown(ctx)
			mErr := mp.Shutdown(ctx)
			if tErr != nil {
				return tErr
			}
			return mErr
		},
	}
	if err := p.instrument(); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}
	return p, nil
}

func (p *Provider) instrument() error {
	m, err := NewMetrics(p.Meter)
	if err != nil {
		return fmt.Errorf("create instruments: %w", err)
	}
	p.Metrics = m
	return nil
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func boardResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = ScopeName
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		attribute.String("boardsync.version", Version),
	}
	if cfg.Workspace != "" {
		attrs = append(attrs, attribute.String("boardsync.workspace", cfg.Workspace))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

func sampleRate(r float64) float64 {
	if r <= 0 || r > 1 {
		return 1
	}
	return r
}

// spanExporter returns nil for ExporterNone: spans are still sampled (so
// trace ids reach the logs) but never leave the process.
func spanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLP, "":
		opts := []otlptracehttp.Option{}
		switch endpoint := cfg.Endpoint; {
		case endpoint == "":
			opts = append(opts, otlptracehttp.WithEndpoint("localhost:4318"), otlptracehttp.WithInsecure())
		case strings.Contains(endpoint, "://"):
			opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
		default:
			opts = append(opts, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		return otlptracehttp.New(ctx, opts...)
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown exporter %q (supported: %s, %s, %s)", cfg.Exporter, ExporterOTLP, ExporterStdout, ExporterNone)
	}
}
