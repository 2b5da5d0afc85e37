package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for sandboxd.
// Uses a custom registry: no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// SandboxManager metrics.
	ManagerOperationsTotal   *prometheus.CounterVec
	ManagerOperationDuration *prometheus.HistogramVec

	// CommandExecutor metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Provider call metrics.
	ProviderRequestsTotal   *prometheus.CounterVec
	ProviderRequestDuration *prometheus.HistogramVec

	// HealthChecker metrics.
	HealthChecksTotal  *prometheus.CounterVec
	UnhealthySandboxes prometheus.Gauge
	DegradedSandboxes  prometheus.Gauge

	// ResourceMonitor metrics.
	MonitorSamplesTotal  *prometheus.CounterVec
	MonitorCycleDuration prometheus.Histogram
	ResourceViolations   *prometheus.GaugeVec

	// Orphan sweep metrics.
	CleanupOrphansTotal *prometheus.CounterVec

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ManagerOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "manager",
			Name:      "operations_total",
			Help:      "Total sandbox manager operations.",
		}, []string{"op", "result"}),

		ManagerOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandboxd",
			Subsystem: "manager",
			Name:      "operation_duration_seconds",
			Help:      "Sandbox manager operation duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"op"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Total command executions by terminal status.",
		}, []string{"mode", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandboxd",
			Subsystem: "executor",
			Name:      "execution_duration_seconds",
			Help:      "Command execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120, 300},
		}, []string{"mode"}),

		ProviderRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Total provider calls.",
		}, []string{"provider", "op", "status"}),

		ProviderRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandboxd",
			Subsystem: "provider",
			Name:      "request_duration_seconds",
			Help:      "Provider call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "op"}),

		HealthChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Total sandbox health checks by classification.",
		}, []string{"status"}),

		UnhealthySandboxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandboxd",
			Subsystem: "health",
			Name:      "unhealthy_sandboxes",
			Help:      "Sandboxes whose latest check is unhealthy.",
		}),

		DegradedSandboxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandboxd",
			Subsystem: "health",
			Name:      "degraded_sandboxes",
			Help:      "Sandboxes whose latest check is degraded.",
		}),

		MonitorSamplesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "monitor",
			Name:      "samples_total",
			Help:      "Total resource samples by result.",
		}, []string{"result"}),

		MonitorCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sandboxd",
			Subsystem: "monitor",
			Name:      "cycle_duration_seconds",
			Help:      "Resource monitor cycle duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		ResourceViolations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sandboxd",
			Subsystem: "monitor",
			Name:      "resource_violations",
			Help:      "Current resource limit violations by severity.",
		}, []string{"severity"}),

		CleanupOrphansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "cleanup",
			Name:      "orphans_total",
			Help:      "Orphaned containers by provider and outcome.",
		}, []string{"provider", "outcome"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandboxd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandboxd",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ManagerOperationsTotal,
		m.ManagerOperationDuration,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ProviderRequestsTotal,
		m.ProviderRequestDuration,
		m.HealthChecksTotal,
		m.UnhealthySandboxes,
		m.DegradedSandboxes,
		m.MonitorSamplesTotal,
		m.MonitorCycleDuration,
		m.ResourceViolations,
		m.CleanupOrphansTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// ObserveOperation records one manager operation. Nil-safe.
func (m *MetricsCollector) ObserveOperation(op string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.ManagerOperationsTotal.WithLabelValues(op, result(err)).Inc()
	m.ManagerOperationDuration.WithLabelValues(op).Observe(seconds)
}

// ObserveExecution records one finished command. Nil-safe.
func (m *MetricsCollector) ObserveExecution(mode, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(mode, status).Inc()
	m.ExecutionDuration.WithLabelValues(mode).Observe(seconds)
}

// ObserveHealth records one health classification. Nil-safe.
func (m *MetricsCollector) ObserveHealth(status string) {
	if m == nil {
		return
	}
	m.HealthChecksTotal.WithLabelValues(status).Inc()
}

// SetHealthCounts publishes the unhealthy and degraded gauges. Nil-safe.
func (m *MetricsCollector) SetHealthCounts(unhealthy, degraded int) {
	if m == nil {
		return
	}
	m.UnhealthySandboxes.Set(float64(unhealthy))
	m.DegradedSandboxes.Set(float64(degraded))
}

// ObserveSample records one resource sample outcome. Nil-safe.
func (m *MetricsCollector) ObserveSample(outcome string) {
	if m == nil {
		return
	}
	m.MonitorSamplesTotal.WithLabelValues(outcome).Inc()
}

// ObserveMonitorCycle records the duration of one monitor cycle. Nil-safe.
func (m *MetricsCollector) ObserveMonitorCycle(seconds float64) {
	if m == nil {
		return
	}
	m.MonitorCycleDuration.Observe(seconds)
}

// SetViolations publishes the current violation counts. Nil-safe.
func (m *MetricsCollector) SetViolations(critical, warning int) {
	if m == nil {
		return
	}
	m.ResourceViolations.WithLabelValues("critical").Set(float64(critical))
	m.ResourceViolations.WithLabelValues("warning").Set(float64(warning))
}

// ObserveCleanup records the outcome counts of one orphan sweep. Nil-safe.
func (m *MetricsCollector) ObserveCleanup(provider string, found, removed, failed int) {
	if m == nil {
		return
	}
	m.CleanupOrphansTotal.WithLabelValues(provider, "found").Add(float64(found))
	m.CleanupOrphansTotal.WithLabelValues(provider, "removed").Add(float64(removed))
	m.CleanupOrphansTotal.WithLabelValues(provider, "error").Add(float64(failed))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
