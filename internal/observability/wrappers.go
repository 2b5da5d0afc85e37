package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sandboxd/internal/provider"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps a provider.Provider with metrics, tracing, and anomaly detection.
type InstrumentedProvider struct {
	inner   provider.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// instrumentedStreamProvider additionally forwards provider.StreamExecer.
type instrumentedStreamProvider struct {
	*InstrumentedProvider
	streamer provider.StreamExecer
}

// Instrument wraps inner with observability. The result implements
// provider.StreamExecer exactly when inner does.
func Instrument(inner provider.Provider, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) provider.Provider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	p := &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
	if s, ok := inner.(provider.StreamExecer); ok {
		return &instrumentedStreamProvider{InstrumentedProvider: p, streamer: s}
	}
	return p
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) Descriptor() provider.Descriptor { return p.inner.Descriptor() }

func (p *InstrumentedProvider) Create(ctx context.Context, spec provider.ContainerSpec) (string, error) {
	ctx, done := p.start(ctx, "create", attribute.String("sandbox.id", spec.SandboxID.String()))
	id, err := p.inner.Create(ctx, spec)
	done(err)
	return id, err
}

func (p *InstrumentedProvider) Exec(ctx context.Context, containerID string, req provider.ExecRequest) (*provider.ExecResult, error) {
	ctx, done := p.start(ctx, "exec", attribute.String("container.id", containerID))
	res, err := p.inner.Exec(ctx, containerID, req)
	if err == nil && res != nil && p.tracer != nil {
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("exec.exit_code", res.ExitCode))
	}
	done(err)
	return res, err
}

func (p *InstrumentedProvider) StreamLogs(ctx context.Context, containerID string, opts provider.LogOptions) (<-chan provider.OutputChunk, error) {
	// The span covers stream setup only.
	_, done := p.start(ctx, "logs", attribute.String("container.id", containerID))
	ch, err := p.inner.StreamLogs(ctx, containerID, opts)
	done(err)
	return ch, err
}

func (p *InstrumentedProvider) Info(ctx context.Context, containerID string) (*provider.ContainerInfo, error) {
	ctx, done := p.start(ctx, "info", attribute.String("container.id", containerID))
	info, err := p.inner.Info(ctx, containerID)
	done(err)
	return info, err
}

func (p *InstrumentedProvider) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx, done := p.start(ctx, "stop", attribute.String("container.id", containerID))
	err := p.inner.Stop(ctx, containerID, timeout)
	done(err)
	return err
}

func (p *InstrumentedProvider) Remove(ctx context.Context, containerID string, force bool) error {
	ctx, done := p.start(ctx, "remove",
		attribute.String("container.id", containerID),
		attribute.Bool("remove.force", force))
	err := p.inner.Remove(ctx, containerID, force)
	done(err)
	return err
}

func (p *InstrumentedProvider) ListManaged(ctx context.Context) ([]provider.ManagedContainer, error) {
	ctx, done := p.start(ctx, "list")
	list, err := p.inner.ListManaged(ctx)
	done(err)
	return list, err
}

func (p *instrumentedStreamProvider) ExecStream(ctx context.Context, containerID string, req provider.ExecRequest, out chan<- provider.OutputChunk) (*provider.ExecResult, error) {
	ctx, done := p.start(ctx, "exec_stream", attribute.String("container.id", containerID))
	res, err := p.streamer.ExecStream(ctx, containerID, req, out)
	done(err)
	return res, err
}

// start opens a span and returns a completion func that records metrics.
func (p *InstrumentedProvider) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	name := p.inner.Name()
	var span trace.Span
	if p.tracer != nil {
		attrs = append(attrs, attribute.String("provider.name", name))
		ctx, span = p.tracer.Start(ctx, "provider."+op, trace.WithAttributes(attrs...))
	}
	start := time.Now()

	return ctx, func(err error) {
		duration := time.Since(start).Seconds()
		status := providerStatus(err)

		if span != nil {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}

		if p.metrics != nil {
			p.metrics.ProviderRequestsTotal.WithLabelValues(name, op, status).Inc()
			p.metrics.ProviderRequestDuration.WithLabelValues(name, op).Observe(duration)
		}

		if p.anomaly != nil {
			key := "provider_" + name + "_" + op
			// Missing containers do not count against the backend.
			if err != nil && status != "not_found" {
				p.anomaly.RecordError(key)
			} else {
				p.anomaly.RecordSuccess(key)
			}
		}
	}
}

// providerStatus maps an error to a metric label by its provider error class.
func providerStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, provider.ErrContainerNotFound):
		return "not_found"
	case errors.Is(err, provider.ErrProviderUnavailable):
		return "unavailable"
	case errors.Is(err, provider.ErrResourceLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

// --- Compile-time interface checks ---

var (
	_ provider.Provider     = (*InstrumentedProvider)(nil)
	_ provider.StreamExecer = (*instrumentedStreamProvider)(nil)
)
