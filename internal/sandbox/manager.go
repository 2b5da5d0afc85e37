// Package sandbox drives the sandbox lifecycle and the commands run inside
// sandboxes. Manager owns the sandbox state machine and dispatches to the
// provider registered under each sandbox's provider id; Executor runs commands.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sandboxd/internal/domain"
	"github.com/jkaninda/sandboxd/internal/observability"
	"github.com/jkaninda/sandboxd/internal/provider"
)

// DefaultStopTimeout is used when StopSandbox is called with a zero timeout.
const DefaultStopTimeout = 10 * time.Second

// Manager is the sandbox orchestrator. Every state transition of a sandbox
// goes through it and is persisted before the method returns.
type Manager struct {
	registry    *provider.Registry
	sandboxes   SandboxStore
	executions  ExecutionStore
	metrics     *observability.MetricsCollector
	logger      *slog.Logger
	locks       *keyedMutex
	stopTimeout time.Duration
	now         func() time.Time
}

// NewManager creates a Manager. metrics may be nil.
func NewManager(
	registry *provider.Registry,
	sandboxes SandboxStore,
	executions ExecutionStore,
	metrics *observability.MetricsCollector,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry:    registry,
		sandboxes:   sandboxes,
		executions:  executions,
		metrics:     metrics,
		logger:      logger,
		locks:       newKeyedMutex(),
		stopTimeout: DefaultStopTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithStopTimeout sets the graceful stop timeout used when callers pass zero.
func (m *Manager) WithStopTimeout(d time.Duration) *Manager {
	if d > 0 {
		m.stopTimeout = d
	}
	return m
}

// WithClock replaces the time source. Used by tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Registry returns the provider registry the manager dispatches through.
func (m *Manager) Registry() *provider.Registry { return m.registry }

// CreateSandboxRequest describes a sandbox to provision.
type CreateSandboxRequest struct {
	Name       string                `json:"name"`
	ProviderID string                `json:"provider_id"`
	AgentID    string                `json:"agent_id"`
	UserID     string                `json:"user_id"`
	ProjectID  string                `json:"project_id,omitempty"`
	Image      string                `json:"image,omitempty"`
	Resources  domain.ResourceConfig `json:"resources"`
	Env        map[string]string     `json:"env,omitempty"`
	Volumes    []domain.VolumeMount  `json:"volumes,omitempty"`
	Ports      []domain.PortMapping  `json:"ports,omitempty"`
}

func (r CreateSandboxRequest) validate() error {
	var problems []string
	if r.ProviderID == "" {
		problems = append(problems, "provider_id is required")
	}
	if r.UserID == "" {
		problems = append(problems, "user_id is required")
	}
	if r.Resources.CPUCores <= 0 {
		problems = append(problems, "resources.cpu_cores must be positive")
	}
	if r.Resources.MemoryMB == 0 {
		problems = append(problems, "resources.memory_mb must be positive")
	}
	if r.Resources.GPUModel != "" && !r.Resources.GPUEnabled {
		problems = append(problems, "resources.gpu_model set without gpu_enabled")
	}
	for _, v := range r.Volumes {
		if v.HostPath == "" || v.ContainerPath == "" {
			problems = append(problems, "volumes need host_path and container_path")
			break
		}
	}
	for _, p := range r.Ports {
		if p.ContainerPort == 0 {
			problems = append(problems, "ports need container_port")
			break
		}
		if p.Protocol != "" && p.Protocol != "tcp" && p.Protocol != "udp" {
			problems = append(problems, fmt.Sprintf("port protocol %q must be tcp or udp", p.Protocol))
			break
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

// ListFilter narrows ListSandboxes. Empty fields match everything; set
// fields are combined with AND.
type ListFilter struct {
	UserID     string
	Status     domain.SandboxStatus
	ProviderID string
}

// CleanupResult reports an orphan sweep of one provider.
type CleanupResult struct {
	Provider string   `json:"provider"`
	DryRun   bool     `json:"dry_run"`
	Found    int      `json:"found"`
	Removed  int      `json:"removed"`
	Orphans  []string `json:"orphans,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// CreateSandbox validates req against the provider limits, persists a
// Creating row and asks the provider for a container. On provider failure the
// sandbox is kept in Error status and returned together with the error.
func (m *Manager) CreateSandbox(ctx context.Context, req CreateSandboxRequest) (_ *domain.Sandbox, err error) {
	defer m.observe("create_sandbox", time.Now(), &err)

	if err := req.validate(); err != nil {
		return nil, err
	}
	p, err := m.provider(req.ProviderID)
	if err != nil {
		return nil, err
	}
	if err := p.Descriptor().CheckResources(req.Resources); err != nil {
		return nil, err
	}

	now := m.now()
	sb := &domain.Sandbox{
		ID:         uuid.New(),
		Name:       req.Name,
		ProviderID: req.ProviderID,
		AgentID:    req.AgentID,
		UserID:     req.UserID,
		ProjectID:  req.ProjectID,
		Image:      req.Image,
		Resources:  req.Resources,
		Env:        req.Env,
		Volumes:    req.Volumes,
		Ports:      req.Ports,
		Status:     domain.SandboxCreating,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if sb.Name == "" {
		sb.Name = "sandbox-" + sb.ID.String()[:8]
	}

	unlock := m.locks.Lock(sb.ID)
	defer unlock()

	if err := m.sandboxes.Create(ctx, sb); err != nil {
		return nil, fmt.Errorf("persisting sandbox %s: %w", sb.ID, err)
	}
	m.logger.InfoContext(ctx, "creating sandbox",
		slog.String("sandbox_id", sb.ID.String()),
		slog.String("provider", sb.ProviderID),
		slog.String("user_id", sb.UserID),
	)

	containerID, err := p.Create(ctx, provider.ContainerSpec{
		SandboxID: sb.ID,
		Name:      sb.Name,
		Image:     sb.Image,
		Resources: sb.Resources,
		Env:       sb.Env,
		Volumes:   sb.Volumes,
		Ports:     sb.Ports,
	})
	if err != nil {
		createErr := fmt.Errorf("creating container for sandbox %s: %w", sb.ID, err)
		sb.Status = domain.SandboxError
		sb.ErrorMessage = err.Error()
		sb.UpdatedAt = m.now()
		if uerr := m.sandboxes.Update(context.WithoutCancel(ctx), sb); uerr != nil {
			return sb, errors.Join(createErr, fmt.Errorf("recording failure: %w", uerr))
		}
		return sb, createErr
	}

	// The container exists now; its transitions must be recorded even if the
	// caller goes away.
	persist := context.WithoutCancel(ctx)

	sb.ContainerID = containerID
	sb.Status = domain.SandboxStarting
	sb.UpdatedAt = m.now()
	if err := m.sandboxes.Update(persist, sb); err != nil {
		m.discardContainer(ctx, p, containerID)
		return sb, m.fail(ctx, sb, "record start", containerID, fmt.Errorf("persisting sandbox: %w", err))
	}

	started := m.now()
	sb.Status = domain.SandboxRunning
	sb.StartedAt = &started
	sb.UpdatedAt = started
	if err := m.sandboxes.Update(persist, sb); err != nil {
		m.discardContainer(ctx, p, containerID)
		sb.StartedAt = nil
		return sb, m.fail(ctx, sb, "record start", containerID, fmt.Errorf("persisting sandbox: %w", err))
	}

	m.logger.InfoContext(ctx, "sandbox running",
		slog.String("sandbox_id", sb.ID.String()),
		slog.String("container_id", containerID),
	)
	return sb, nil
}

// StopSandbox stops a Running or Starting sandbox. Other states fail with
// domain.ErrNotRunning and are left untouched. A zero timeout uses the
// manager default.
func (m *Manager) StopSandbox(ctx context.Context, id uuid.UUID, timeout time.Duration) (err error) {
	defer m.observe("stop_sandbox", time.Now(), &err)

	unlock := m.locks.Lock(id)
	defer unlock()

	sb, err := m.sandboxes.Get(ctx, id)
	if err != nil {
		return err
	}
	if sb.Status != domain.SandboxRunning && sb.Status != domain.SandboxStarting {
		return fmt.Errorf("%w: sandbox %s is %s", domain.ErrNotRunning, id, sb.Status)
	}
	p, err := m.provider(sb.ProviderID)
	if err != nil {
		return err
	}
	return m.stopLocked(ctx, p, sb, timeout)
}

func (m *Manager) stopLocked(ctx context.Context, p provider.Provider, sb *domain.Sandbox, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = m.stopTimeout
	}

	sb.Status = domain.SandboxStopping
	sb.UpdatedAt = m.now()
	if err := m.sandboxes.Update(ctx, sb); err != nil {
		return fmt.Errorf("persisting sandbox %s: %w", sb.ID, err)
	}

	if err := p.Stop(ctx, sb.ContainerID, timeout); err != nil {
		return m.fail(ctx, sb, "stop", sb.ContainerID, err)
	}

	stopped := m.now()
	sb.Status = domain.SandboxStopped
	sb.StoppedAt = &stopped
	sb.UpdatedAt = stopped
	if err := m.sandboxes.Update(context.WithoutCancel(ctx), sb); err != nil {
		return m.fail(ctx, sb, "record stop", sb.ContainerID, fmt.Errorf("persisting sandbox: %w", err))
	}
	m.logger.InfoContext(ctx, "sandbox stopped", slog.String("sandbox_id", sb.ID.String()))
	return nil
}

// RemoveSandbox removes the container and deletes the sandbox row. Without
// force, a sandbox that is Running, Starting or Stopping is rejected with
// domain.ErrInvalidRequest. With force it is stopped first, best effort.
func (m *Manager) RemoveSandbox(ctx context.Context, id uuid.UUID, force bool) (err error) {
	defer m.observe("remove_sandbox", time.Now(), &err)

	unlock := m.locks.Lock(id)
	defer unlock()

	sb, err := m.sandboxes.Get(ctx, id)
	if err != nil {
		return err
	}

	var p provider.Provider
	if sb.ContainerID != "" {
		if p, err = m.provider(sb.ProviderID); err != nil {
			return err
		}
	}

	switch sb.Status {
	case domain.SandboxRunning, domain.SandboxStarting, domain.SandboxStopping:
		if !force {
			return fmt.Errorf("%w: sandbox %s is %s, stop it first or force removal", domain.ErrInvalidRequest, id, sb.Status)
		}
		if sb.Status != domain.SandboxStopping {
			if err := p.Stop(ctx, sb.ContainerID, m.stopTimeout); err != nil {
				m.logger.WarnContext(ctx, "stop before forced removal failed",
					slog.String("sandbox_id", id.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	containerID := sb.ContainerID
	sb.Status = domain.SandboxRemoving
	sb.ContainerID = ""
	sb.UpdatedAt = m.now()
	if err := m.sandboxes.Update(ctx, sb); err != nil {
		return fmt.Errorf("persisting sandbox %s: %w", id, err)
	}

	if containerID != "" {
		err := p.Remove(ctx, containerID, force)
		if err != nil && !errors.Is(err, provider.ErrContainerNotFound) {
			return m.fail(ctx, sb, "remove", containerID, err)
		}
	}

	if err := m.sandboxes.Delete(context.WithoutCancel(ctx), id); err != nil {
		return fmt.Errorf("deleting sandbox %s: %w", id, err)
	}
	m.logger.InfoContext(ctx, "sandbox removed",
		slog.String("sandbox_id", id.String()),
		slog.Bool("force", force),
	)
	return nil
}

// GetSandbox returns the persisted sandbox.
func (m *Manager) GetSandbox(ctx context.Context, id uuid.UUID) (*domain.Sandbox, error) {
	return m.sandboxes.Get(ctx, id)
}

// ListSandboxes returns the sandboxes matching filter, newest first.
func (m *Manager) ListSandboxes(ctx context.Context, filter ListFilter) ([]domain.Sandbox, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidRequest, filter.Status)
	}
	return m.sandboxes.List(ctx, domain.SandboxFilter{
		UserID:     filter.UserID,
		Status:     filter.Status,
		ProviderID: filter.ProviderID,
	})
}

// GetContainerInfo asks the owning provider for the container status and
// metrics. A sandbox without a container fails with domain.ErrNotRunning.
func (m *Manager) GetContainerInfo(ctx context.Context, id uuid.UUID) (*provider.ContainerInfo, error) {
	sb, err := m.sandboxes.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.ContainerInfo(ctx, sb)
}

// ContainerInfo is GetContainerInfo for an already loaded sandbox.
func (m *Manager) ContainerInfo(ctx context.Context, sb *domain.Sandbox) (*provider.ContainerInfo, error) {
	if sb.ContainerID == "" {
		return nil, fmt.Errorf("%w: sandbox %s has no container", domain.ErrNotRunning, sb.ID)
	}
	p, err := m.provider(sb.ProviderID)
	if err != nil {
		return nil, err
	}
	info, err := p.Info(ctx, sb.ContainerID)
	if err != nil {
		return nil, fmt.Errorf("inspecting sandbox %s: %w", sb.ID, err)
	}
	return info, nil
}

// CleanupOrphanedContainers removes managed containers of providerID that no
// sandbox row references. Containers labelled with a sandbox still in
// Creating are skipped. With dryRun the orphans are only reported. A failed
// removal is recorded in the result and the sweep continues.
func (m *Manager) CleanupOrphanedContainers(ctx context.Context, providerID string, dryRun bool) (_ *CleanupResult, err error) {
	defer m.observe("cleanup_orphans", time.Now(), &err)

	p, err := m.provider(providerID)
	if err != nil {
		return nil, err
	}
	containers, err := p.ListManaged(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing %s containers: %w", providerID, err)
	}
	known, err := m.sandboxes.List(ctx, domain.SandboxFilter{ProviderID: providerID})
	if err != nil {
		return nil, fmt.Errorf("listing sandboxes: %w", err)
	}

	byContainer := make(map[string]struct{}, len(known))
	statusByID := make(map[string]domain.SandboxStatus, len(known))
	for _, sb := range known {
		if sb.ContainerID != "" {
			byContainer[sb.ContainerID] = struct{}{}
		}
		statusByID[sb.ID.String()] = sb.Status
	}

	result := &CleanupResult{Provider: providerID, DryRun: dryRun}
	for _, c := range containers {
		if _, ok := byContainer[c.ID]; ok {
			continue
		}
		if statusByID[c.SandboxID] == domain.SandboxCreating {
			continue
		}

		result.Found++
		result.Orphans = append(result.Orphans, c.ID)
		if dryRun {
			continue
		}

		if err := p.Remove(ctx, c.ID, true); err != nil && !errors.Is(err, provider.ErrContainerNotFound) {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", c.ID, err))
			m.logger.WarnContext(ctx, "orphan removal failed",
				slog.String("provider", providerID),
				slog.String("container_id", c.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.Removed++
	}

	m.metrics.ObserveCleanup(providerID, result.Found, result.Removed, len(result.Errors))
	m.logger.InfoContext(ctx, "orphan sweep finished",
		slog.String("provider", providerID),
		slog.Bool("dry_run", dryRun),
		slog.Int("found", result.Found),
		slog.Int("removed", result.Removed),
		slog.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// --- Executions ---

// CreateExecutionRequest describes an execution record to create.
type CreateExecutionRequest struct {
	SandboxID        uuid.UUID
	Command          string
	WorkingDir       string
	CreatedBy        string
	AgentExecutionID string
}

// CreateExecution persists a Queued execution for an existing sandbox.
func (m *Manager) CreateExecution(ctx context.Context, req CreateExecutionRequest) (*domain.SandboxExecution, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("%w: command is required", domain.ErrInvalidRequest)
	}
	if _, err := m.sandboxes.Get(ctx, req.SandboxID); err != nil {
		return nil, err
	}
	exec := &domain.SandboxExecution{
		ID:               uuid.New(),
		SandboxID:        req.SandboxID,
		Command:          req.Command,
		WorkingDir:       req.WorkingDir,
		Status:           domain.ExecutionQueued,
		CreatedBy:        req.CreatedBy,
		AgentExecutionID: req.AgentExecutionID,
		CreatedAt:        m.now(),
	}
	if err := m.executions.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("persisting execution: %w", err)
	}
	return exec, nil
}

// UpdateExecutionStatus applies upd to the execution unconditionally.
func (m *Manager) UpdateExecutionStatus(ctx context.Context, id uuid.UUID, upd domain.ExecutionUpdate) error {
	if upd.Status == "" {
		return fmt.Errorf("%w: status is required", domain.ErrInvalidRequest)
	}
	return m.executions.Update(ctx, id, upd)
}

// GetExecution returns the persisted execution.
func (m *Manager) GetExecution(ctx context.Context, id uuid.UUID) (*domain.SandboxExecution, error) {
	return m.executions.Get(ctx, id)
}

// ListExecutions returns the executions of a sandbox, newest first.
// limit <= 0 returns all of them.
func (m *Manager) ListExecutions(ctx context.Context, sandboxID uuid.UUID, limit int) ([]domain.SandboxExecution, error) {
	return m.executions.ListBySandbox(ctx, sandboxID, limit)
}

// --- helpers ---

func (m *Manager) provider(name string) (provider.Provider, error) {
	p, err := m.registry.Get(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	return p, nil
}

// fail moves sb to Error after a provider failure or a lost transition. The container id is
// cleared and kept in the error message so the orphan sweep can reclaim it.
func (m *Manager) fail(ctx context.Context, sb *domain.Sandbox, op, containerID string, cause error) error {
	opErr := fmt.Errorf("%s sandbox %s: %w", op, sb.ID, cause)

	sb.Status = domain.SandboxError
	sb.ContainerID = ""
	sb.ErrorMessage = fmt.Sprintf("%s failed for container %s: %v", op, containerID, cause)
	sb.UpdatedAt = m.now()
	if err := m.sandboxes.Update(context.WithoutCancel(ctx), sb); err != nil {
		return errors.Join(opErr, fmt.Errorf("recording failure: %w", err))
	}
	m.logger.ErrorContext(ctx, "sandbox operation failed",
		slog.String("sandbox_id", sb.ID.String()),
		slog.String("op", op),
		slog.String("container_id", containerID),
		slog.String("error", cause.Error()),
	)
	return opErr
}

// discardContainer removes a container whose sandbox could not be persisted.
func (m *Manager) discardContainer(ctx context.Context, p provider.Provider, containerID string) {
	if err := p.Remove(context.WithoutCancel(ctx), containerID, true); err != nil {
		m.logger.WarnContext(ctx, "discarding unrecorded container failed",
			slog.String("container_id", containerID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) observe(op string, start time.Time, err *error) {
	m.metrics.ObserveOperation(op, time.Since(start).Seconds(), *err)
}
