package health

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jkaninda/sandboxd/internal/domain"
	"github.com/jkaninda/sandboxd/internal/provider"
	"github.com/jkaninda/sandboxd/internal/provider/providertest"
	"github.com/jkaninda/sandboxd/internal/sandbox/sandboxtest"
	"github.com/jkaninda/sandboxd/internal/settings"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status provider.ContainerStatus
		rt     time.Duration
		want   Status
	}{
		{"running fast", provider.ContainerStatus{State: provider.StateRunning}, 100 * time.Millisecond, StatusHealthy},
		{"running slow", provider.ContainerStatus{State: provider.StateRunning}, 6000 * time.Millisecond, StatusDegraded},
		{"running at threshold", provider.ContainerStatus{State: provider.StateRunning}, 5 * time.Second, StatusDegraded},
		{"paused", provider.ContainerStatus{State: provider.StatePaused}, 0, StatusDegraded},
		{"dead", provider.ContainerStatus{State: provider.StateDead}, 0, StatusUnhealthy},
		{"exited", provider.ContainerStatus{State: provider.StateExited}, 0, StatusUnhealthy},
		{"error", provider.ContainerStatus{State: provider.StateError, Reason: "oom"}, 0, StatusUnhealthy},
		{"restarting", provider.ContainerStatus{State: provider.StateRestarting}, 0, StatusUnknown},
		{"created", provider.ContainerStatus{State: provider.StateCreated}, 0, StatusUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, msg := Classify(tt.status, tt.rt)
			if got != tt.want {
				t.Errorf("Classify = %s (%s), want %s", got, msg, tt.want)
			}
		})
	}

	if _, msg := Classify(provider.ContainerStatus{State: provider.StateRunning}, 6*time.Second); !strings.Contains(msg, "slow response") {
		t.Errorf("slow message = %q", msg)
	}
	if _, msg := Classify(provider.ContainerStatus{State: provider.StateError, Reason: "oom"}, 0); !strings.Contains(msg, "oom") {
		t.Errorf("error message = %q", msg)
	}
}

func newChecker(t *testing.T, fake *providertest.Fake, opts ...Option) (*Checker, *sandboxtest.Env) {
	t.Helper()
	env := sandboxtest.New(t, fake)
	c := NewChecker(env.Manager, settings.Static{Health: 10 * time.Millisecond}, env.Metrics, env.Logger, opts...)
	return c, env
}

func TestCheckAll(t *testing.T) {
	fake := providertest.New("fake")
	c, env := newChecker(t, fake)
	ctx := context.Background()

	healthy := env.Running(t, "fake", "alice")
	paused := env.Running(t, "fake", "alice")
	dead := env.Running(t, "fake", "bob")
	fake.SetStatus(paused.ContainerID, provider.ContainerStatus{State: provider.StatePaused})
	fake.SetStatus(dead.ContainerID, provider.ContainerStatus{State: provider.StateDead})

	if err := c.CheckAll(ctx); err != nil {
		t.Fatalf("CheckAll: %v", err)
	}

	summary := c.Summary()
	want := map[string]Status{
		healthy.ID.String(): StatusHealthy,
		paused.ID.String():  StatusDegraded,
		dead.ID.String():    StatusUnhealthy,
	}
	if len(summary) != len(want) {
		t.Fatalf("summary = %v", summary)
	}
	for id, status := range summary {
		if want[id.String()] != status {
			t.Errorf("%s = %s, want %s", id, status, want[id.String()])
		}
	}
	if c.UnhealthyCount() != 1 || c.DegradedCount() != 1 {
		t.Errorf("unhealthy/degraded = %d/%d, want 1/1", c.UnhealthyCount(), c.DegradedCount())
	}

	latest, ok := c.LatestStatus(healthy.ID)
	if !ok || latest.ContainerStatus != "running" {
		t.Errorf("latest = %+v, %v", latest, ok)
	}

	if v := testutil.ToFloat64(env.Metrics.HealthChecksTotal.WithLabelValues("healthy")); v != 1 {
		t.Errorf("healthy metric = %v, want 1", v)
	}
	if v := testutil.ToFloat64(env.Metrics.UnhealthySandboxes); v != 1 {
		t.Errorf("unhealthy gauge = %v, want 1", v)
	}
}

func TestCheckAll_InfoFailure(t *testing.T) {
	fake := providertest.New("fake")
	c, env := newChecker(t, fake)
	sb := env.Running(t, "fake", "alice")

	fake.InfoErr = provider.NewError("fake", "info", sb.ContainerID, provider.ErrProviderUnavailable, errors.New("daemon down"))
	if err := c.CheckAll(context.Background()); err != nil {
		t.Fatalf("a failing sandbox must not fail the cycle: %v", err)
	}
	check, ok := c.LatestStatus(sb.ID)
	if !ok || check.Status != StatusUnhealthy {
		t.Fatalf("check = %+v, want unhealthy", check)
	}
	if !strings.Contains(check.Message, "daemon down") {
		t.Errorf("message = %q", check.Message)
	}
}

func TestCheckAll_SlowResponse(t *testing.T) {
	fake := providertest.New("fake")
	fake.InfoDelay = 30 * time.Millisecond
	c, env := newChecker(t, fake, WithThresholds(10*time.Millisecond, 0))
	sb := env.Running(t, "fake", "alice")

	if err := c.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
	check, _ := c.LatestStatus(sb.ID)
	if check.Status != StatusDegraded {
		t.Errorf("status = %s, want degraded", check.Status)
	}
	if check.ResponseTimeMS < 30 {
		t.Errorf("response_time_ms = %d, want >= 30", check.ResponseTimeMS)
	}
}

func TestCheckAll_StuckState(t *testing.T) {
	fake := providertest.New("fake")
	now := time.Now().UTC()
	c, env := newChecker(t, fake, WithClock(func() time.Time { return now }))

	stuck := env.Running(t, "fake", "alice")
	env.SetStatus(t, stuck, domain.SandboxStarting)
	fresh := env.Running(t, "fake", "alice")
	env.SetStatus(t, fresh, domain.SandboxStopping)

	// Only the first sandbox has been in its state for longer than five minutes.
	c.now = func() time.Time { return now.Add(6 * time.Minute) }
	freshStart := now.Add(4 * time.Minute)
	fresh.StartedAt = &freshStart
	if err := env.Store.Sandboxes().Update(context.Background(), fresh); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := c.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
	check, ok := c.LatestStatus(stuck.ID)
	if !ok || check.Status != StatusUnhealthy || !strings.Contains(check.Message, "stuck in state starting") {
		t.Errorf("stuck check = %+v, %v", check, ok)
	}
	if _, ok := c.LatestStatus(fresh.ID); ok {
		t.Error("sandbox within the threshold should not be flagged")
	}

	got, _ := env.Manager.GetSandbox(context.Background(), stuck.ID)
	if got.Status != domain.SandboxStarting {
		t.Errorf("persisted status changed to %s", got.Status)
	}
}

func TestCheckAll_HistoryBounded(t *testing.T) {
	fake := providertest.New("fake")
	c, env := newChecker(t, fake)
	sb := env.Running(t, "fake", "alice")

	for i := range 150 {
		if err := c.CheckAll(context.Background()); err != nil {
			t.Fatalf("CheckAll: %v", err)
		}
		if n := len(c.HealthChecks(sb.ID, 0)); n > 100 {
			t.Fatalf("after %d checks history = %d, exceeds 100", i+1, n)
		}
	}
	if got := c.HealthChecks(sb.ID, 5); len(got) != 5 {
		t.Errorf("HealthChecks(5) = %d entries", len(got))
	}
}

func TestCheckAll_PrunesDepartedSandboxes(t *testing.T) {
	fake := providertest.New("fake")
	c, env := newChecker(t, fake)
	ctx := context.Background()
	sb := env.Running(t, "fake", "alice")

	if err := c.CheckAll(ctx); err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
	if err := env.Manager.RemoveSandbox(ctx, sb.ID, true); err != nil {
		t.Fatalf("RemoveSandbox: %v", err)
	}
	if err := c.CheckAll(ctx); err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
	if got := c.HealthChecks(sb.ID, 0); len(got) != 0 {
		t.Errorf("history of removed sandbox kept: %d entries", len(got))
	}
}

type failingSettings struct{}

func (failingSettings) HealthCheckInterval(context.Context) (time.Duration, error) {
	return 10 * time.Millisecond, errors.New("settings table missing")
}

func (failingSettings) ResourceMonitoringInterval(context.Context) (time.Duration, error) {
	return 10 * time.Millisecond, errors.New("settings table missing")
}

func TestChecker_StartStop(t *testing.T) {
	fake := providertest.New("fake")
	env := sandboxtest.New(t, fake)
	sb := env.Running(t, "fake", "alice")
	c := NewChecker(env.Manager, failingSettings{}, nil, env.Logger)

	c.Start(context.Background())
	c.Start(context.Background())
	if !c.Running() {
		t.Fatal("checker not running after Start")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(c.HealthChecks(sb.ID, 0)) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := len(c.HealthChecks(sb.ID, 0)); n < 3 {
		t.Fatalf("checks = %d, want >= 3 with the fallback interval", n)
	}

	c.Stop()
	if c.Running() {
		t.Error("checker still running after Stop")
	}
}
