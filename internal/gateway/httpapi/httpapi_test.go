package httpapi

import (
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/sandboxd/internal/health"
	"github.com/jkaninda/sandboxd/internal/monitor"
)

type stubHealth struct {
	summary map[uuid.UUID]health.Status
}

func (s stubHealth) Running() bool                        { return true }
func (s stubHealth) Summary() map[uuid.UUID]health.Status { return s.summary }
func (s stubHealth) HealthChecks(uuid.UUID, int) []health.Check {
	return nil
}

func (s stubHealth) UnhealthyCount() int { return s.count(health.StatusUnhealthy) }
func (s stubHealth) DegradedCount() int  { return s.count(health.StatusDegraded) }

func (s stubHealth) count(st health.Status) int {
	n := 0
	for _, v := range s.summary {
		if v == st {
			n++
		}
	}
	return n
}

type stubMonitor struct {
	violations []monitor.Violation
	snapshots  []monitor.Snapshot
}

func (s stubMonitor) Running() bool                            { return false }
func (s stubMonitor) CheckResourceLimits() []monitor.Violation { return s.violations }
func (s stubMonitor) Snapshots(uuid.UUID, int) []monitor.Snapshot {
	return s.snapshots
}

func (s stubMonitor) AggregatedMetrics(id uuid.UUID, window int) *monitor.Aggregate {
	if len(s.snapshots) == 0 {
		return nil
	}
	return &monitor.Aggregate{SandboxID: id, WindowMinutes: window, SampleCount: len(s.snapshots)}
}

func TestStatus(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	g := NewGateway(Config{}, stubHealth{summary: map[uuid.UUID]health.Status{
		a: health.StatusHealthy,
		b: health.StatusUnhealthy,
	}}, stubMonitor{violations: []monitor.Violation{{SandboxID: b, Severity: monitor.SeverityCritical, Resource: "memory"}}}, nil)

	resp := g.status()
	if !resp.HealthChecker.Enabled || !resp.HealthChecker.Running {
		t.Errorf("health checker = %+v", resp.HealthChecker)
	}
	if !resp.ResourceMonitor.Enabled || resp.ResourceMonitor.Running {
		t.Errorf("resource monitor = %+v", resp.ResourceMonitor)
	}
	if len(resp.Sandboxes) != 2 || resp.Sandboxes[0].SandboxID > resp.Sandboxes[1].SandboxID {
		t.Errorf("sandboxes = %+v, want 2 sorted by id", resp.Sandboxes)
	}
	if resp.Unhealthy != 1 || resp.Degraded != 0 {
		t.Errorf("unhealthy/degraded = %d/%d, want 1/0", resp.Unhealthy, resp.Degraded)
	}
	if len(resp.Violations) != 1 {
		t.Errorf("violations = %+v", resp.Violations)
	}
}

func TestStatus_LoopsDisabled(t *testing.T) {
	resp := NewGateway(Config{}, nil, nil, nil).status()
	if resp.HealthChecker.Enabled || resp.ResourceMonitor.Enabled {
		t.Errorf("loops reported enabled: %+v", resp)
	}
	if resp.Sandboxes == nil || resp.Violations == nil {
		t.Error("empty lists should encode as [] not null")
	}
}

func TestSandboxMetrics(t *testing.T) {
	id := uuid.New()
	g := NewGateway(Config{}, nil, stubMonitor{}, nil)
	resp := g.sandboxMetrics(id, 10, 5)
	if resp.Snapshots == nil || resp.Aggregate != nil {
		t.Errorf("empty metrics = %+v", resp)
	}

	g = NewGateway(Config{}, nil, stubMonitor{snapshots: []monitor.Snapshot{{SandboxID: id}}}, nil)
	resp = g.sandboxMetrics(id, 10, 5)
	if len(resp.Snapshots) != 1 || resp.Aggregate == nil || resp.Aggregate.WindowMinutes != 5 {
		t.Errorf("metrics = %+v", resp)
	}
}
