package observability

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jkaninda/sandboxd/internal/config"
	"github.com/jkaninda/sandboxd/internal/provider"
	"github.com/jkaninda/sandboxd/internal/provider/providertest"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil || obs.AnomalyOrNil() != nil {
		t.Error("nil Observability accessors should return nil")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestTracerSetup_NilProvider(t *testing.T) {
	var ts *TracerSetup
	if ts.Provider() != nil {
		t.Error("expected nil provider from nil TracerSetup")
	}
	if ts.Tracer() == nil {
		t.Error("nil TracerSetup should still hand out a no-op tracer")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Names(t *testing.T) {
	m := NewMetricsCollector()
	m.ObserveOperation("create_sandbox", 0.2, nil)
	m.ObserveHealth("healthy")
	m.ObserveSample("ok")
	m.ObserveMonitorCycle(0.01)
	m.ObserveCleanup("docker", 2, 1, 1)
	m.HTTPRequestsTotal.WithLabelValues("GET", "/healthz", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"sandboxd_manager_operations_total",
		"sandboxd_manager_operation_duration_seconds",
		"sandboxd_health_checks_total",
		"sandboxd_monitor_samples_total",
		"sandboxd_monitor_cycle_duration_seconds",
		"sandboxd_cleanup_orphans_total",
		"sandboxd_http_requests_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_ObserveOperationResult(t *testing.T) {
	m := NewMetricsCollector()
	m.ObserveOperation("stop_sandbox", 0.1, nil)
	m.ObserveOperation("stop_sandbox", 0.1, nil)
	m.ObserveOperation("stop_sandbox", 0.1, errors.New("boom"))

	if v := counterValue(t, m.Registry, "sandboxd_manager_operations_total", prometheus.Labels{"op": "stop_sandbox", "result": "success"}); v != 2 {
		t.Errorf("success = %v, want 2", v)
	}
	if v := counterValue(t, m.Registry, "sandboxd_manager_operations_total", prometheus.Labels{"op": "stop_sandbox", "result": "error"}); v != 1 {
		t.Errorf("error = %v, want 1", v)
	}
}

func TestMetricsCollector_NilSafe(t *testing.T) {
	var m *MetricsCollector
	m.ObserveOperation("x", 1, nil)
	m.ObserveExecution("blocking", "completed", 1)
	m.ObserveHealth("healthy")
	m.SetHealthCounts(1, 1)
	m.ObserveSample("ok")
	m.ObserveMonitorCycle(1)
	m.SetViolations(1, 1)
	m.ObserveCleanup("docker", 1, 1, 0)
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// counterValue returns the value of the counter matching name and labels, or 0.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			got := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if got[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("store", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("provider:docker", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["store"].Status != "fail" {
		t.Errorf("store check = %q, want fail", status.Checks["store"].Status)
	}
	if status.Checks["store"].Message != "connection refused" {
		t.Errorf("store message = %q", status.Checks["store"].Message)
	}
	if status.Checks["provider:docker"].Status != "ok" {
		t.Errorf("provider check = %q, want ok", status.Checks["provider:docker"].Status)
	}
}

func TestHealthChecker_HungProbeTimesOut(t *testing.T) {
	h := NewHealthChecker(nil).WithTimeout(20 * time.Millisecond)
	h.AddCheck("provider_docker", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	h.AddCheck("store", func(ctx context.Context) error { return nil })

	start := time.Now()
	status := h.CheckReady(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("CheckReady took %v, want the probe deadline to apply", elapsed)
	}
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if got := status.Checks["provider_docker"]; got.Status != "fail" || !strings.Contains(got.Message, "deadline") {
		t.Errorf("docker check = %+v, want a deadline failure", got)
	}
	if status.Checks["store"].Status != "ok" {
		t.Errorf("store check = %q, want ok", status.Checks["store"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	if a.ErrorRate("test") != 0 {
		t.Error("nil detector should report 0")
	}
}

func TestAnomalyDetector_ErrorRateWindow(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		a.RecordSuccess("op")
	}
	for i := 0; i < 6; i++ {
		a.RecordError("op")
	}
	if got := a.ErrorRate("op"); got != 0.6 {
		t.Errorf("ErrorRate = %v, want 0.6", got)
	}

	now = now.Add(2 * time.Minute)
	if got := a.ErrorRate("op"); got != 0 {
		t.Errorf("ErrorRate after window = %v, want 0", got)
	}
}

// --- InstrumentedProvider ---

func TestInstrument_RecordsMetrics(t *testing.T) {
	metrics := NewMetricsCollector()
	fake := providertest.New("fake")
	p := Instrument(fake, metrics, nil, nil)

	if p.Name() != "fake" {
		t.Errorf("Name() = %q", p.Name())
	}
	id, err := p.Create(context.Background(), provider.ContainerSpec{SandboxID: uuid.New()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := p.Info(context.Background(), "missing"); err == nil {
		t.Fatal("expected not-found error")
	}
	if err := p.Remove(context.Background(), id, true); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if v := counterValue(t, metrics.Registry, "sandboxd_provider_requests_total", prometheus.Labels{"provider": "fake", "op": "create", "status": "success"}); v != 1 {
		t.Errorf("create success = %v, want 1", v)
	}
	if v := counterValue(t, metrics.Registry, "sandboxd_provider_requests_total", prometheus.Labels{"provider": "fake", "op": "info", "status": "not_found"}); v != 1 {
		t.Errorf("info not_found = %v, want 1", v)
	}
	if fake.Calls("remove") != 1 {
		t.Errorf("inner remove calls = %d", fake.Calls("remove"))
	}
}

type streamingFake struct {
	*providertest.Fake
	streamed int
}

func (s *streamingFake) ExecStream(ctx context.Context, id string, req provider.ExecRequest, out chan<- provider.OutputChunk) (*provider.ExecResult, error) {
	s.streamed++
	return s.Exec(ctx, id, req)
}

func TestInstrument_PreservesStreamExecer(t *testing.T) {
	if _, ok := Instrument(providertest.New("plain"), nil, nil, nil).(provider.StreamExecer); ok {
		t.Error("wrapper of a non-streaming provider must not claim StreamExecer")
	}

	inner := &streamingFake{Fake: providertest.New("stream")}
	wrapped := Instrument(inner, nil, nil, nil)
	s, ok := wrapped.(provider.StreamExecer)
	if !ok {
		t.Fatal("wrapper dropped StreamExecer")
	}
	id, _ := wrapped.Create(context.Background(), provider.ContainerSpec{SandboxID: uuid.New()})
	if _, err := s.ExecStream(context.Background(), id, provider.ExecRequest{Command: "echo"}, make(chan provider.OutputChunk, 4)); err != nil {
		t.Fatalf("ExecStream: %v", err)
	}
	if inner.streamed != 1 {
		t.Errorf("inner ExecStream calls = %d, want 1", inner.streamed)
	}
}

func TestInstrument_Spans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	ts := NewTracerSetupWithProvider(tp, "test")

	fake := providertest.New("fake")
	fake.StopErr = provider.NewError("fake", "stop", "c1", provider.ErrBackend, errors.New("daemon hiccup"))
	p := Instrument(fake, nil, ts, nil)

	_ = p.Stop(context.Background(), "c1", time.Second)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "provider.stop" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	if spans[0].Status.Description == "" {
		t.Error("error status not recorded on span")
	}
}

func TestInstrument_AnomalyIgnoresNotFound(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true}, nil)
	p := Instrument(providertest.New("fake"), nil, nil, a)

	_, _ = p.Info(context.Background(), "missing")
	if got := a.ErrorRate("provider_fake_info"); got != 0 {
		t.Errorf("ErrorRate = %v, want 0 for not-found", got)
	}
}
