package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultReadinessTimeout bounds each readiness probe. The docker probe
// shells out to the CLI, so a hung daemon must not hold /readyz open.
const DefaultReadinessTimeout = 3 * time.Second

// HealthChecker answers /healthz and /readyz for sandboxd. Readiness means
// the store answers a ping and every registered provider can list its
// managed containers.
type HealthChecker struct {
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	probes []readinessProbe
}

type readinessProbe struct {
	name  string
	check func(ctx context.Context) error
}

// HealthStatus is the body of /healthz and /readyz.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Status    string `json:"status"` // "ok" or "fail"
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// NewHealthChecker creates a checker with no probes. logger may be nil.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger, timeout: DefaultReadinessTimeout}
}

// WithTimeout changes the per-probe deadline.
func (h *HealthChecker) WithTimeout(d time.Duration) *HealthChecker {
	if d > 0 {
		h.timeout = d
	}
	return h
}

// AddCheck registers a readiness probe, e.g. "store" or "provider_docker".
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, readinessProbe{name: name, check: check})
}

// CheckHealth is liveness: the daemon answers, so it is alive.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs every probe concurrently, each under its own deadline.
// The result is "degraded" when any probe fails.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	probes := append([]readinessProbe(nil), h.probes...)
	h.mu.RUnlock()

	if len(probes) == 0 {
		return HealthStatus{Status: "ok"}
	}

	results := make([]CheckResult, len(probes))
	var g errgroup.Group
	for i, p := range probes {
		g.Go(func() error {
			results[i] = h.run(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	status := HealthStatus{Status: "ok", Checks: make(map[string]CheckResult, len(probes))}
	for i, p := range probes {
		status.Checks[p.name] = results[i]
		if results[i].Status != "ok" {
			status.Status = "degraded"
		}
	}
	return status
}

func (h *HealthChecker) run(ctx context.Context, p readinessProbe) CheckResult {
	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	err := p.check(probeCtx)
	res := CheckResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
	if err == nil {
		return res
	}
	res.Status = "fail"
	res.Message = err.Error()
	if h.logger != nil {
		h.logger.WarnContext(ctx, "readiness probe failed",
			slog.String("check", p.name),
			slog.Int64("latency_ms", res.LatencyMS),
			slog.String("error", err.Error()),
		)
	}
	return res
}
