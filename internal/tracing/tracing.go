// Package tracing sets up OpenTelemetry for the read-along server and provides
// span helpers for database calls, presence events and background jobs.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Supported exporters.
const (
	ExporterOTLPHTTP = "otlp-http"
	ExporterOTLPGRPC = "otlp-grpc"
)

const (
	exporterSetupTimeout = 10 * time.Second
	batchTimeout         = 5 * time.Second
)

var (
	// ErrMissingServiceName is returned when tracing is enabled without a service name.
	ErrMissingServiceName = errors.New("tracing: service name is required")
	// ErrInvalidSamplingRate is returned for a sampling rate outside [0, 1].
	ErrInvalidSamplingRate = errors.New("tracing: sampling rate must be between 0 and 1")
	// ErrUnsupportedExporter is returned for an unknown exporter type.
	ErrUnsupportedExporter = errors.New("tracing: unsupported exporter type")
)

// Config holds the configuration for distributed tracing.
type Config struct {
	ServiceName    string
	ServiceVersion string // defaults to "dev"
	Environment    string
	Enabled        bool

	// ExporterType is ExporterOTLPHTTP (the default when empty) or ExporterOTLPGRPC.
	ExporterType string
	OTLPEndpoint string
	InsecureMode bool

	// SamplingRate is the fraction of new root traces recorded. Requests that
	// arrive with a sampled parent are always recorded.
	SamplingRate float64
}

// Validate reports the first configuration problem, if any.
func (c Config) Validate() error {
	if c.ServiceName == "" {
		return ErrMissingServiceName
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("%w, got %g", ErrInvalidSamplingRate, c.SamplingRate)
	}
	switch c.ExporterType {
	case "", ExporterOTLPHTTP, ExporterOTLPGRPC:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedExporter, c.ExporterType)
	}
}

// Provider owns the process-wide tracer provider.
type Provider struct {
	tp      *sdktrace.TracerProvider
	enabled bool
}

// NewProvider installs a global tracer provider and W3C propagator.
// When cfg.Enabled is false it returns a no-op Provider and leaves the globals alone.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		slog.Info("tracing disabled")
		return &Provider{}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	version := cfg.ServiceVersion
	if version == "" {
		version = "dev"
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), exporterSetupTimeout)
	defer cancel()
	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batchTimeout)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	slog.Info("tracing initialized",
		"service", cfg.ServiceName,
		"exporter", exporterName(cfg.ExporterType),
		"endpoint", cfg.OTLPEndpoint,
		"sampling_rate", cfg.SamplingRate,
		"environment", cfg.Environment,
	)
	return &Provider{tp: tp, enabled: true}, nil
}

func exporterName(t string) string {
	if t == "" {
		return ExporterOTLPHTTP
	}
	return t
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	if cfg.ExporterType == ExporterOTLPGRPC {
		var opts []otlptracegrpc.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.InsecureMode {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	}

	var opts []otlptracehttp.Option
	if cfg.OTLPEndpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
	}
	if cfg.InsecureMode {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, opts...)
}

// Shutdown flushes pending spans. It is safe to call on a disabled Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	slog.Info("shutting down tracer provider")
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}

// Tracer returns a named tracer from this provider, or the global one when disabled.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p.tp == nil {
		return otel.Tracer(name)
	}
	return p.tp.Tracer(name)
}

// IsEnabled reports whether spans are exported.
func (p *Provider) IsEnabled() bool {
	return p.enabled
}

