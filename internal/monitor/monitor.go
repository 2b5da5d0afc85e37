// Package monitor samples the resource usage of running sandboxes in the
// background, keeps a bounded in-memory history per sandbox and derives
// aggregates and limit violations from it. Violations are advisory only.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/sandboxd/internal/background"
	"github.com/jkaninda/sandboxd/internal/domain"
	"github.com/jkaninda/sandboxd/internal/observability"
	"github.com/jkaninda/sandboxd/internal/provider"
	"github.com/jkaninda/sandboxd/internal/sandbox"
	"github.com/jkaninda/sandboxd/internal/settings"
)

const (
	historyLimit = 1000
	historyDrop  = 100

	defaultConcurrency = 8

	memoryCriticalPercent = 95.0
	memoryWarningPercent  = 90.0
	cpuWarningPercent     = 90.0
)

// Snapshot is one resource sample of a sandbox.
type Snapshot struct {
	SandboxID      uuid.UUID `json:"sandbox_id"`
	Timestamp      time.Time `json:"timestamp"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryUsedMB   float64   `json:"memory_used_mb"`
	MemoryLimitMB  float64   `json:"memory_limit_mb"`
	NetworkRxBytes uint64    `json:"network_rx_bytes"`
	NetworkTxBytes uint64    `json:"network_tx_bytes"`
	Status         string    `json:"status"`
}

// MemoryPercent returns used memory as a percentage of the limit, or 0
// when the limit is unknown.
func (s Snapshot) MemoryPercent() float64 {
	if s.MemoryLimitMB <= 0 {
		return 0
	}
	return s.MemoryUsedMB / s.MemoryLimitMB * 100
}

// Aggregate summarizes the snapshots of a trailing window.
type Aggregate struct {
	SandboxID         uuid.UUID `json:"sandbox_id"`
	WindowMinutes     int       `json:"window_minutes"`
	AvgCPUPercent     float64   `json:"avg_cpu_percent"`
	AvgMemoryMB       float64   `json:"avg_memory_mb"`
	PeakCPUPercent    float64   `json:"peak_cpu_percent"`
	PeakMemoryMB      float64   `json:"peak_memory_mb"`
	MaxNetworkRxBytes uint64    `json:"max_network_rx_bytes"`
	MaxNetworkTxBytes uint64    `json:"max_network_tx_bytes"`
	SampleCount       int       `json:"sample_count"`
}

// Severity ranks a resource violation.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Violation is a sandbox close to or over its resource limits.
type Violation struct {
	SandboxID uuid.UUID `json:"sandbox_id"`
	Severity  Severity  `json:"severity"`
	Resource  string    `json:"resource"`
	Percent   float64   `json:"percent"`
	Message   string    `json:"message"`
}

// SandboxSource lists sandboxes and inspects their containers.
// *sandbox.Manager implements it.
type SandboxSource interface {
	ListSandboxes(ctx context.Context, filter sandbox.ListFilter) ([]domain.Sandbox, error)
	ContainerInfo(ctx context.Context, sb *domain.Sandbox) (*provider.ContainerInfo, error)
}

// Monitor is the background resource monitor.
type Monitor struct {
	source      SandboxSource
	settings    settings.Source
	metrics     *observability.MetricsCollector
	logger      *slog.Logger
	concurrency int
	now         func() time.Time

	runner  *background.Runner
	history *background.History[Snapshot]
}

// New creates a stopped Monitor. metrics may be nil; concurrency <= 0 uses
// the default.
func New(source SandboxSource, src settings.Source, metrics *observability.MetricsCollector, logger *slog.Logger, concurrency int) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Monitor{
		source:      source,
		settings:    src,
		metrics:     metrics,
		logger:      logger,
		concurrency: concurrency,
		now:         func() time.Time { return time.Now().UTC() },
		runner:      background.NewRunner("resource monitor", logger),
		history:     background.NewHistory[Snapshot](historyLimit, historyDrop),
	}
}

// WithClock replaces the time source. Used by tests.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Start launches the loop. It is a no-op when the loop is already running.
func (m *Monitor) Start(ctx context.Context) {
	m.runner.Start(ctx, func(ctx context.Context) {
		if err := m.SampleAll(ctx); err != nil {
			m.logger.WarnContext(ctx, "resource monitoring cycle failed", slog.String("error", err.Error()))
		}
	}, m.interval)
}

// Stop ends the loop.
func (m *Monitor) Stop() { m.runner.Stop() }

// Running reports whether the loop is active.
func (m *Monitor) Running() bool { return m.runner.Running() }

func (m *Monitor) interval(ctx context.Context) time.Duration {
	d, err := m.settings.ResourceMonitoringInterval(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "reading resource monitoring interval, using fallback",
			slog.String("fallback", d.String()),
			slog.String("error", err.Error()),
		)
	}
	return d
}

// SampleAll runs one cycle synchronously. The history of sandboxes that are
// no longer running is dropped before the running ones are sampled.
func (m *Monitor) SampleAll(ctx context.Context) error {
	start := time.Now()
	defer func() { m.metrics.ObserveMonitorCycle(time.Since(start).Seconds()) }()

	running, err := m.source.ListSandboxes(ctx, sandbox.ListFilter{Status: domain.SandboxRunning})
	if err != nil {
		return fmt.Errorf("listing running sandboxes: %w", err)
	}

	keep := make(map[uuid.UUID]struct{}, len(running))
	for _, sb := range running {
		keep[sb.ID] = struct{}{}
	}
	if n := m.history.Retain(keep); n > 0 {
		m.logger.DebugContext(ctx, "dropped resource history", slog.Int("sandboxes", n))
	}

	samples := make([]*Snapshot, len(running))
	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for i := range running {
		g.Go(func() error {
			samples[i] = m.sample(ctx, &running[i])
			return nil
		})
	}
	_ = g.Wait()

	entries := make(map[uuid.UUID]Snapshot, len(samples))
	for _, s := range samples {
		if s != nil {
			entries[s.SandboxID] = *s
		}
	}
	m.history.Append(entries)

	var critical, warning int
	for _, v := range m.CheckResourceLimits() {
		if v.Severity == SeverityCritical {
			critical++
		} else {
			warning++
		}
	}
	m.metrics.SetViolations(critical, warning)
	return nil
}

func (m *Monitor) sample(ctx context.Context, sb *domain.Sandbox) *Snapshot {
	info, err := m.source.ContainerInfo(ctx, sb)
	if err != nil {
		m.metrics.ObserveSample("error")
		m.logger.WarnContext(ctx, "sampling sandbox failed",
			slog.String("sandbox_id", sb.ID.String()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if info.Metrics == nil {
		m.metrics.ObserveSample("no_metrics")
		return nil
	}
	m.metrics.ObserveSample("ok")
	return &Snapshot{
		SandboxID:      sb.ID,
		Timestamp:      m.now(),
		CPUPercent:     info.Metrics.CPUPercent,
		MemoryUsedMB:   info.Metrics.MemoryUsedMB,
		MemoryLimitMB:  info.Metrics.MemoryLimitMB,
		NetworkRxBytes: info.Metrics.NetworkRxBytes,
		NetworkTxBytes: info.Metrics.NetworkTxBytes,
		Status:         info.Status.String(),
	}
}

// Snapshots returns up to limit snapshots of a sandbox, newest first.
// limit <= 0 returns all retained snapshots.
func (m *Monitor) Snapshots(id uuid.UUID, limit int) []Snapshot {
	return m.history.Recent(id, limit)
}

// AggregatedMetrics summarizes the snapshots of the trailing windowMinutes.
// It returns nil when no snapshot falls in the window.
func (m *Monitor) AggregatedMetrics(id uuid.UUID, windowMinutes int) *Aggregate {
	cutoff := m.now().Add(-time.Duration(windowMinutes) * time.Minute)

	agg := &Aggregate{SandboxID: id, WindowMinutes: windowMinutes}
	var cpuSum, memSum float64
	for _, s := range m.history.All(id) {
		if s.Timestamp.Before(cutoff) {
			continue
		}
		agg.SampleCount++
		cpuSum += s.CPUPercent
		memSum += s.MemoryUsedMB
		agg.PeakCPUPercent = max(agg.PeakCPUPercent, s.CPUPercent)
		agg.PeakMemoryMB = max(agg.PeakMemoryMB, s.MemoryUsedMB)
		agg.MaxNetworkRxBytes = max(agg.MaxNetworkRxBytes, s.NetworkRxBytes)
		agg.MaxNetworkTxBytes = max(agg.MaxNetworkTxBytes, s.NetworkTxBytes)
	}
	if agg.SampleCount == 0 {
		return nil
	}
	agg.AvgCPUPercent = cpuSum / float64(agg.SampleCount)
	agg.AvgMemoryMB = memSum / float64(agg.SampleCount)
	return agg
}

// CheckResourceLimits inspects the latest snapshot of every sandbox.
// Memory at 95% of the limit is critical and at 90% a warning; CPU at 90%
// is a warning. Results are ordered by sandbox id.
func (m *Monitor) CheckResourceLimits() []Violation {
	var out []Violation
	for id, s := range m.history.LatestAll() {
		if pct := s.MemoryPercent(); pct >= memoryWarningPercent {
			sev := SeverityWarning
			if pct >= memoryCriticalPercent {
				sev = SeverityCritical
			}
			out = append(out, Violation{
				SandboxID: id,
				Severity:  sev,
				Resource:  "memory",
				Percent:   pct,
				Message:   fmt.Sprintf("memory usage at %.1f%% (%.0f/%.0f MB)", pct, s.MemoryUsedMB, s.MemoryLimitMB),
			})
		}
		if s.CPUPercent >= cpuWarningPercent {
			out = append(out, Violation{
				SandboxID: id,
				Severity:  SeverityWarning,
				Resource:  "cpu",
				Percent:   s.CPUPercent,
				Message:   fmt.Sprintf("cpu usage at %.1f%%", s.CPUPercent),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SandboxID != out[j].SandboxID {
			return out[i].SandboxID.String() < out[j].SandboxID.String()
		}
		return out[i].Resource > out[j].Resource
	})
	return out
}
