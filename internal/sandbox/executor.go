package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sandboxd/internal/domain"
	"github.com/jkaninda/sandboxd/internal/provider"
)

// streamBuffer is the capacity of streaming output channels.
const streamBuffer = 64

// Execution modes used as metric labels.
const (
	modeBlocking  = "blocking"
	modeStreaming = "streaming"
)

// activeStatuses are the execution states a finalization may overwrite.
var activeStatuses = []domain.ExecutionStatus{domain.ExecutionQueued, domain.ExecutionRunning}

// ExecuteRequest is a command to run inside a running sandbox.
type ExecuteRequest struct {
	SandboxID        uuid.UUID         `json:"sandbox_id"`
	Command          string            `json:"command"`
	WorkingDir       string            `json:"working_dir,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	Timeout          time.Duration     `json:"timeout,omitempty"` // Zero uses the executor default.
	CreatedBy        string            `json:"created_by,omitempty"`
	AgentExecutionID string            `json:"agent_execution_id,omitempty"`
}

// ExecutionResult is the outcome of a blocking execution.
type ExecutionResult struct {
	ExecutionID uuid.UUID              `json:"execution_id"`
	Status      domain.ExecutionStatus `json:"status"`
	ExitCode    int                    `json:"exit_code"`
	Stdout      string                 `json:"stdout"`
	Stderr      string                 `json:"stderr"`
	Duration    time.Duration          `json:"duration"`
}

// Executor runs commands inside sandboxes and keeps their execution records.
// In-flight commands started by this process can be interrupted with
// CancelExecution.
type Executor struct {
	manager        *Manager
	logger         *slog.Logger
	defaultTimeout time.Duration

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc
}

// NewExecutor creates an Executor. defaultTimeout applies to requests
// without their own timeout; zero means no limit.
func NewExecutor(manager *Manager, defaultTimeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = manager.logger
	}
	return &Executor{
		manager:        manager,
		logger:         logger,
		defaultTimeout: defaultTimeout,
		running:        make(map[uuid.UUID]context.CancelFunc),
	}
}

// ExecuteCommand runs req to completion. The execution ends Completed on
// exit code 0 and Failed otherwise. A provider error is returned together
// with the Failed result.
func (e *Executor) ExecuteCommand(ctx context.Context, req ExecuteRequest) (*ExecutionResult, error) {
	sb, p, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	exec, err := e.start(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	runCtx, release := e.track(ctx, exec.ID, req.Timeout)
	res, execErr := p.Exec(runCtx, sb.ContainerID, e.providerRequest(req))
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	release()

	status, err := e.finalize(context.WithoutCancel(ctx), exec.ID, res, execErr, timedOut)
	duration := time.Since(start)
	e.manager.metrics.ObserveExecution(modeBlocking, string(status), duration.Seconds())
	if err != nil {
		return nil, err
	}

	result := &ExecutionResult{
		ExecutionID: exec.ID,
		Status:      status,
		Duration:    duration,
	}
	if res != nil {
		result.ExitCode = res.ExitCode
		result.Stdout = res.Stdout
		result.Stderr = res.Stderr
	}
	if execErr != nil && status != domain.ExecutionCancelled {
		return result, fmt.Errorf("executing in sandbox %s: %w", sb.ID, execErr)
	}
	return result, nil
}

// ExecuteCommandStreaming starts req in the background and returns the
// Running execution with a channel of its output. The channel is closed when
// the command finishes. A provider failure is reported as a StreamError
// chunk. The execution is finalized even if ctx is cancelled; in that case
// the remaining output is dropped.
func (e *Executor) ExecuteCommandStreaming(ctx context.Context, req ExecuteRequest) (*domain.SandboxExecution, <-chan provider.OutputChunk, error) {
	sb, p, err := e.prepare(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	exec, err := e.start(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	background := context.WithoutCancel(ctx)
	runCtx, release := e.track(background, exec.ID, req.Timeout)
	out := make(chan provider.OutputChunk, streamBuffer)

	go func() {
		defer close(out)
		start := time.Now()

		raw := make(chan provider.OutputChunk, streamBuffer)
		forwarded := make(chan struct{})
		go forward(ctx, raw, out, forwarded)

		res, execErr := provider.ExecStream(runCtx, p, sb.ContainerID, e.providerRequest(req), raw)
		timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
		release()
		if execErr != nil {
			raw <- provider.OutputChunk{
				Timestamp: time.Now().UTC(),
				Stream:    provider.StreamError,
				Data:      []byte(execErr.Error()),
			}
		}
		close(raw)

		status, err := e.finalize(background, exec.ID, res, execErr, timedOut)
		if err != nil {
			e.logger.ErrorContext(background, "finalizing streamed execution failed",
				slog.String("execution_id", exec.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		e.manager.metrics.ObserveExecution(modeStreaming, string(status), time.Since(start).Seconds())
		<-forwarded
	}()

	return exec, out, nil
}

// forward copies chunks from in to out until ctx is done, then drains in.
func forward(ctx context.Context, in <-chan provider.OutputChunk, out chan<- provider.OutputChunk, done chan<- struct{}) {
	defer close(done)
	for c := range in {
		if !provider.Send(ctx, out, c) {
			break
		}
	}
	for range in {
	}
}

// StreamLogs returns the container output of a sandbox. Cancelling ctx ends
// the stream.
func (e *Executor) StreamLogs(ctx context.Context, sandboxID uuid.UUID, follow, timestamps bool) (<-chan provider.OutputChunk, error) {
	sb, err := e.manager.GetSandbox(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if sb.ContainerID == "" {
		return nil, fmt.Errorf("%w: sandbox %s has no container", domain.ErrNotRunning, sandboxID)
	}
	p, err := e.manager.provider(sb.ProviderID)
	if err != nil {
		return nil, err
	}
	ch, err := p.StreamLogs(ctx, sb.ContainerID, provider.LogOptions{Follow: follow, Timestamps: timestamps})
	if err != nil {
		return nil, fmt.Errorf("streaming logs of sandbox %s: %w", sandboxID, err)
	}
	return ch, nil
}

// CancelExecution marks a Queued or Running execution Cancelled and
// interrupts its command when it was started by this executor. Cancelling a
// finished execution fails with domain.ErrInvalidRequest.
func (e *Executor) CancelExecution(ctx context.Context, id uuid.UUID) error {
	exec, err := e.manager.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return fmt.Errorf("%w: execution %s is already %s", domain.ErrInvalidRequest, id, exec.Status)
	}

	now := e.manager.now()
	msg := "cancelled"
	changed, err := e.manager.executions.Transition(ctx, id, activeStatuses, domain.ExecutionUpdate{
		Status:       domain.ExecutionCancelled,
		ErrorMessage: &msg,
		CompletedAt:  &now,
	})
	if err != nil {
		return fmt.Errorf("cancelling execution %s: %w", id, err)
	}
	if !changed {
		return fmt.Errorf("%w: execution %s finished before it could be cancelled", domain.ErrInvalidRequest, id)
	}

	e.mu.Lock()
	cancel, inFlight := e.running[id]
	e.mu.Unlock()
	if inFlight {
		cancel()
	}
	e.logger.InfoContext(ctx, "execution cancelled",
		slog.String("execution_id", id.String()),
		slog.Bool("interrupted", inFlight),
	)
	return nil
}

// InFlight returns the number of commands currently running.
func (e *Executor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// prepare checks that the sandbox is Running and resolves its provider.
func (e *Executor) prepare(ctx context.Context, req ExecuteRequest) (*domain.Sandbox, provider.Provider, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, nil, fmt.Errorf("%w: command is required", domain.ErrInvalidRequest)
	}
	if req.Timeout < 0 {
		return nil, nil, fmt.Errorf("%w: timeout must not be negative", domain.ErrInvalidRequest)
	}
	sb, err := e.manager.GetSandbox(ctx, req.SandboxID)
	if err != nil {
		return nil, nil, err
	}
	if sb.Status != domain.SandboxRunning {
		return nil, nil, fmt.Errorf("%w: sandbox %s is %s", domain.ErrNotRunning, sb.ID, sb.Status)
	}
	p, err := e.manager.provider(sb.ProviderID)
	if err != nil {
		return nil, nil, err
	}
	return sb, p, nil
}

// start creates the execution record and moves it to Running.
func (e *Executor) start(ctx context.Context, req ExecuteRequest) (*domain.SandboxExecution, error) {
	exec, err := e.manager.CreateExecution(ctx, CreateExecutionRequest{
		SandboxID:        req.SandboxID,
		Command:          req.Command,
		WorkingDir:       req.WorkingDir,
		CreatedBy:        req.CreatedBy,
		AgentExecutionID: req.AgentExecutionID,
	})
	if err != nil {
		return nil, err
	}

	started := e.manager.now()
	changed, err := e.manager.executions.Transition(ctx, exec.ID,
		[]domain.ExecutionStatus{domain.ExecutionQueued},
		domain.ExecutionUpdate{Status: domain.ExecutionRunning, StartedAt: &started})
	if err != nil {
		return nil, fmt.Errorf("starting execution %s: %w", exec.ID, err)
	}
	if !changed {
		return nil, fmt.Errorf("%w: execution %s was cancelled before it started", domain.ErrInvalidRequest, exec.ID)
	}
	exec.Status = domain.ExecutionRunning
	exec.StartedAt = &started

	e.logger.InfoContext(ctx, "execution started",
		slog.String("execution_id", exec.ID.String()),
		slog.String("sandbox_id", req.SandboxID.String()),
	)
	return exec, nil
}

// track derives the command context and registers its cancel func.
// The returned release func must be called once the command returns.
func (e *Executor) track(ctx context.Context, id uuid.UUID, timeout time.Duration) (context.Context, func()) {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	e.mu.Lock()
	e.running[id] = cancel
	e.mu.Unlock()

	return runCtx, func() {
		e.mu.Lock()
		delete(e.running, id)
		e.mu.Unlock()
		cancel()
	}
}

func (e *Executor) providerRequest(req ExecuteRequest) provider.ExecRequest {
	return provider.ExecRequest{
		Command:    req.Command,
		WorkingDir: req.WorkingDir,
		Env:        req.Env,
	}
}

// finalize records the terminal status of an execution unless it was
// cancelled meanwhile, and returns the status the record ends with.
func (e *Executor) finalize(ctx context.Context, id uuid.UUID, res *provider.ExecResult, execErr error, timedOut bool) (domain.ExecutionStatus, error) {
	completed := e.manager.now()
	upd := domain.ExecutionUpdate{CompletedAt: &completed}

	switch {
	case execErr != nil:
		msg := execErr.Error()
		if timedOut {
			msg = "timed out: " + msg
		}
		upd.Status = domain.ExecutionFailed
		upd.ErrorMessage = &msg
	case res == nil:
		msg := "provider returned no result"
		upd.Status = domain.ExecutionFailed
		upd.ErrorMessage = &msg
	default:
		upd.Status = domain.ExecutionCompleted
		if res.ExitCode != 0 {
			upd.Status = domain.ExecutionFailed
		}
	}
	if res != nil {
		code := res.ExitCode
		upd.ExitCode = &code
		upd.Stdout = &res.Stdout
		upd.Stderr = &res.Stderr
		upd.CPUTimeSeconds = res.CPUTimeSeconds
		upd.MemoryPeakMB = res.MemoryPeakMB
	}

	changed, err := e.manager.executions.Transition(ctx, id, activeStatuses, upd)
	if err != nil {
		return upd.Status, fmt.Errorf("finalizing execution %s: %w", id, err)
	}
	if !changed {
		return domain.ExecutionCancelled, nil
	}

	e.logger.InfoContext(ctx, "execution finished",
		slog.String("execution_id", id.String()),
		slog.String("status", string(upd.Status)),
	)
	return upd.Status, nil
}
