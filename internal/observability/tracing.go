package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/sandboxd/internal/config"
)

const defaultServiceName = "sandboxd"

// TracerSetup owns the tracer used for provider call spans, HTTP request
// spans and GORM query spans. It is passed to those layers explicitly and
// never installed as the global provider.
type TracerSetup struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerSetup exports spans over OTLP (grpc by default, http on request).
// It returns nil when tracing is disabled.
func NewTracerSetup(cfg *config.TracingConfig) (*TracerSetup, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	ctx := context.Background()

	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(name)))
	if err != nil {
		return nil, fmt.Errorf("building trace resource: %w", err)
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP %s exporter for %s: %w", cfg.Protocol, cfg.Endpoint, err)
	}

	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	return &TracerSetup{provider: tp, tracer: tp.Tracer(name)}, nil
}

func newExporter(ctx context.Context, cfg *config.TracingConfig) (sdktrace.SpanExporter, error) {
	if cfg.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// NewTracerSetupWithProvider wraps tp; tests pass one with an in-memory exporter.
func NewTracerSetupWithProvider(tp *sdktrace.TracerProvider, name string) *TracerSetup {
	return &TracerSetup{provider: tp, tracer: tp.Tracer(name)}
}

// Tracer returns the sandboxd tracer, or a no-op tracer on a nil setup.
func (t *TracerSetup) Tracer() trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return t.tracer
}

// Provider is handed to the GORM tracing plugin. Nil when tracing is off.
func (t *TracerSetup) Provider() trace.TracerProvider {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider
}

// Shutdown flushes buffered spans; serve calls it on exit.
func (t *TracerSetup) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
