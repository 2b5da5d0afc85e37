// Package health runs the background health checker. Every cycle it asks
// the provider of each running sandbox for the container status, flags
// sandboxes stuck in a transition and keeps a bounded in-memory history.
// It never changes the persisted sandbox status.
package health

import (
	"context"
	"fmt"
	"log/slog"
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

// Status is the health classification of a sandbox.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

const (
	// SlowResponseThreshold is the info latency from which a running container is Degraded.
	SlowResponseThreshold = 5 * time.Second
	// StuckThreshold is how long a sandbox may stay Starting or Stopping.
	StuckThreshold = 5 * time.Minute

	historyLimit = 100
	historyDrop  = 10

	defaultConcurrency = 8
)

// Check is one health observation of a sandbox.
type Check struct {
	SandboxID       uuid.UUID `json:"sandbox_id"`
	Timestamp       time.Time `json:"timestamp"`
	Status          Status    `json:"status"`
	Message         string    `json:"message"`
	ContainerStatus string    `json:"container_status,omitempty"`
	ResponseTimeMS  int64     `json:"response_time_ms"`
}

// SandboxSource lists sandboxes and inspects their containers.
// *sandbox.Manager implements it.
type SandboxSource interface {
	ListSandboxes(ctx context.Context, filter sandbox.ListFilter) ([]domain.Sandbox, error)
	ContainerInfo(ctx context.Context, sb *domain.Sandbox) (*provider.ContainerInfo, error)
}

// Checker is the background health checker.
type Checker struct {
	source      SandboxSource
	settings    settings.Source
	metrics     *observability.MetricsCollector
	logger      *slog.Logger
	concurrency int
	slow        time.Duration
	stuck       time.Duration
	now         func() time.Time

	runner  *background.Runner
	history *background.History[Check]
}

// Option configures a Checker.
type Option func(*Checker)

// WithConcurrency bounds how many sandboxes are checked at once.
func WithConcurrency(n int) Option {
	return func(c *Checker) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithThresholds overrides the slow response and stuck state thresholds.
func WithThresholds(slow, stuck time.Duration) Option {
	return func(c *Checker) {
		if slow > 0 {
			c.slow = slow
		}
		if stuck > 0 {
			c.stuck = stuck
		}
	}
}

// WithClock replaces the time source used for timestamps and stuck detection.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// NewChecker creates a stopped Checker. metrics may be nil.
func NewChecker(source SandboxSource, src settings.Source, metrics *observability.MetricsCollector, logger *slog.Logger, opts ...Option) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Checker{
		source:      source,
		settings:    src,
		metrics:     metrics,
		logger:      logger,
		concurrency: defaultConcurrency,
		slow:        SlowResponseThreshold,
		stuck:       StuckThreshold,
		now:         func() time.Time { return time.Now().UTC() },
		runner:      background.NewRunner("health checker", logger),
		history:     background.NewHistory[Check](historyLimit, historyDrop),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the loop. It is a no-op when the loop is already running.
func (c *Checker) Start(ctx context.Context) {
	c.runner.Start(ctx, func(ctx context.Context) {
		if err := c.CheckAll(ctx); err != nil {
			c.logger.WarnContext(ctx, "health check cycle failed", slog.String("error", err.Error()))
		}
	}, c.interval)
}

// Stop ends the loop.
func (c *Checker) Stop() { c.runner.Stop() }

// Running reports whether the loop is active.
func (c *Checker) Running() bool { return c.runner.Running() }

func (c *Checker) interval(ctx context.Context) time.Duration {
	d, err := c.settings.HealthCheckInterval(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "reading health check interval, using fallback",
			slog.String("fallback", d.String()),
			slog.String("error", err.Error()),
		)
	}
	return d
}

// CheckAll runs one cycle synchronously: checks every Running sandbox,
// flags stuck Starting and Stopping sandboxes and drops the history of
// sandboxes that are gone.
func (c *Checker) CheckAll(ctx context.Context) error {
	running, err := c.source.ListSandboxes(ctx, sandbox.ListFilter{Status: domain.SandboxRunning})
	if err != nil {
		return fmt.Errorf("listing running sandboxes: %w", err)
	}
	var transitional []domain.Sandbox
	for _, st := range []domain.SandboxStatus{domain.SandboxStarting, domain.SandboxStopping} {
		list, err := c.source.ListSandboxes(ctx, sandbox.ListFilter{Status: st})
		if err != nil {
			return fmt.Errorf("listing %s sandboxes: %w", st, err)
		}
		transitional = append(transitional, list...)
	}

	results := make([]Check, len(running))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i := range running {
		g.Go(func() error {
			results[i] = c.checkContainer(ctx, &running[i])
			return nil
		})
	}
	_ = g.Wait()

	now := c.now()
	for _, sb := range transitional {
		if check, stuck := c.checkStuck(&sb, now); stuck {
			results = append(results, check)
		}
	}

	entries := make(map[uuid.UUID]Check, len(results))
	for _, r := range results {
		entries[r.SandboxID] = r
		c.metrics.ObserveHealth(string(r.Status))
		if r.Status == StatusUnhealthy {
			c.logger.WarnContext(ctx, "sandbox unhealthy",
				slog.String("sandbox_id", r.SandboxID.String()),
				slog.String("message", r.Message),
			)
		}
	}
	c.history.Append(entries)

	keep := make(map[uuid.UUID]struct{}, len(running)+len(transitional))
	for _, sb := range running {
		keep[sb.ID] = struct{}{}
	}
	for _, sb := range transitional {
		keep[sb.ID] = struct{}{}
	}
	c.history.Retain(keep)

	c.metrics.SetHealthCounts(c.UnhealthyCount(), c.DegradedCount())
	return nil
}

func (c *Checker) checkContainer(ctx context.Context, sb *domain.Sandbox) Check {
	start := time.Now()
	info, err := c.source.ContainerInfo(ctx, sb)
	elapsed := time.Since(start)

	check := Check{
		SandboxID:      sb.ID,
		Timestamp:      c.now(),
		ResponseTimeMS: elapsed.Milliseconds(),
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
		return check
	}
	check.Status, check.Message = c.classify(info.Status, elapsed)
	check.ContainerStatus = info.Status.String()
	return check
}

func (c *Checker) checkStuck(sb *domain.Sandbox, now time.Time) (Check, bool) {
	since := sb.CreatedAt
	if sb.StartedAt != nil {
		since = *sb.StartedAt
	}
	age := now.Sub(since)
	if age <= c.stuck {
		return Check{}, false
	}
	return Check{
		SandboxID: sb.ID,
		Timestamp: now,
		Status:    StatusUnhealthy,
		Message:   fmt.Sprintf("stuck in state %s for %s", sb.Status, age.Truncate(time.Second)),
	}, true
}

// Classify maps a container status and info latency to a health status
// using the default slow response threshold.
func Classify(status provider.ContainerStatus, responseTime time.Duration) (Status, string) {
	return classify(status, responseTime, SlowResponseThreshold)
}

func (c *Checker) classify(status provider.ContainerStatus, responseTime time.Duration) (Status, string) {
	return classify(status, responseTime, c.slow)
}

func classify(status provider.ContainerStatus, responseTime, slow time.Duration) (Status, string) {
	switch status.State {
	case provider.StateRunning:
		if responseTime >= slow {
			return StatusDegraded, fmt.Sprintf("slow response (%dms)", responseTime.Milliseconds())
		}
		return StatusHealthy, "container running"
	case provider.StatePaused:
		return StatusDegraded, "container paused"
	case provider.StateDead, provider.StateExited: // exited is how docker reports a dead keep-alive process
		return StatusUnhealthy, "container " + string(status.State)
	case provider.StateError:
		return StatusUnhealthy, "container error: " + status.Reason
	default:
		return StatusUnknown, "container " + string(status.State)
	}
}

// HealthChecks returns up to limit checks of a sandbox, newest first.
// limit <= 0 returns all retained checks.
func (c *Checker) HealthChecks(id uuid.UUID, limit int) []Check {
	return c.history.Recent(id, limit)
}

// LatestStatus returns the most recent check of a sandbox.
func (c *Checker) LatestStatus(id uuid.UUID) (Check, bool) {
	return c.history.Latest(id)
}

// Summary maps every tracked sandbox to its latest status.
func (c *Checker) Summary() map[uuid.UUID]Status {
	latest := c.history.LatestAll()
	out := make(map[uuid.UUID]Status, len(latest))
	for id, check := range latest {
		out[id] = check.Status
	}
	return out
}

// UnhealthyCount returns how many sandboxes are currently Unhealthy.
func (c *Checker) UnhealthyCount() int { return c.count(StatusUnhealthy) }

// DegradedCount returns how many sandboxes are currently Degraded.
func (c *Checker) DegradedCount() int { return c.count(StatusDegraded) }

func (c *Checker) count(status Status) int {
	n := 0
	for _, check := range c.history.LatestAll() {
		if check.Status == status {
			n++
		}
	}
	return n
}
