// Package provider defines the contract every container backend implements
// and the runtime registry the sandbox manager dispatches through.
package provider

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sandboxd/internal/domain"
)

// Labels attached to every container a provider creates for a sandbox.
const (
	LabelManaged   = "io.sandboxd.managed"
	LabelSandboxID = "io.sandboxd.sandbox_id"
)

// Provider realizes sandbox operations against one container runtime.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name is the registry key, e.g. "docker".
	Name() string

	// Descriptor returns the static capability, limit and pricing metadata.
	Descriptor() Descriptor

	// Create materializes and starts a container for spec.
	// Errors are classified as ErrProviderUnavailable, ErrResourceLimitExceeded or ErrBackend.
	Create(ctx context.Context, spec ContainerSpec) (string, error)

	// Exec runs a command to completion inside the container.
	Exec(ctx context.Context, containerID string, req ExecRequest) (*ExecResult, error)

	// StreamLogs returns the container output. With Follow unset the channel
	// is closed after the existing output; otherwise it stays open until ctx is done.
	StreamLogs(ctx context.Context, containerID string, opts LogOptions) (<-chan OutputChunk, error)

	// Info reports the container status and, when available, a metrics sample.
	Info(ctx context.Context, containerID string) (*ContainerInfo, error)

	// Stop asks the container to exit, forcing it after timeout.
	Stop(ctx context.Context, containerID string, timeout time.Duration) error

	// Remove deletes the container. force removes a running container.
	Remove(ctx context.Context, containerID string, force bool) error

	// ListManaged lists containers carrying LabelManaged.
	ListManaged(ctx context.Context) ([]ManagedContainer, error)
}

// StreamExecer is implemented by providers that can emit command output
// while the command is still running.
type StreamExecer interface {
	ExecStream(ctx context.Context, containerID string, req ExecRequest, out chan<- OutputChunk) (*ExecResult, error)
}

// ContainerSpec describes the container to create for a sandbox.
type ContainerSpec struct {
	SandboxID uuid.UUID
	Name      string
	Image     string
	Resources domain.ResourceConfig
	Env       map[string]string
	Volumes   []domain.VolumeMount
	Ports     []domain.PortMapping
}

// Labels returns the provider labels identifying the spec's sandbox.
func (s ContainerSpec) Labels() map[string]string {
	return map[string]string{
		LabelManaged:   "true",
		LabelSandboxID: s.SandboxID.String(),
	}
}

// ExecRequest is a command to run inside a container.
type ExecRequest struct {
	Command    string // Passed to /bin/sh -c.
	WorkingDir string
	Env        map[string]string
	Timeout    time.Duration // Zero means no provider-side timeout.
}

// ExecResult is the outcome of a completed command.
type ExecResult struct {
	ExitCode       int
	Stdout         string
	Stderr         string
	Duration       time.Duration
	CPUTimeSeconds *float64
	MemoryPeakMB   *uint64
}

// StreamKind identifies the origin of an output chunk.
type StreamKind string

const (
	StreamStdout StreamKind = "stdout"
	StreamStderr StreamKind = "stderr"
	// StreamError carries a failure message produced by the engine, not the command.
	StreamError StreamKind = "error"
)

// OutputChunk is one piece of command or container output.
type OutputChunk struct {
	Timestamp time.Time  `json:"timestamp"`
	Stream    StreamKind `json:"stream"`
	Data      []byte     `json:"data"`
}

// LogOptions controls StreamLogs.
type LogOptions struct {
	Follow     bool
	Timestamps bool
}

// ContainerState is the runtime state reported by a provider.
type ContainerState string

const (
	StateCreated    ContainerState = "created"
	StateRunning    ContainerState = "running"
	StatePaused     ContainerState = "paused"
	StateRestarting ContainerState = "restarting"
	StateExited     ContainerState = "exited"
	StateDead       ContainerState = "dead"
	StateError      ContainerState = "error"
	StateUnknown    ContainerState = "unknown"
)

// ContainerStatus is a state plus an optional reason (set for StateError).
type ContainerStatus struct {
	State  ContainerState `json:"state"`
	Reason string         `json:"reason,omitempty"`
}

func (s ContainerStatus) String() string {
	if s.Reason != "" {
		return string(s.State) + ": " + s.Reason
	}
	return string(s.State)
}

// ContainerMetrics is a point-in-time resource sample.
type ContainerMetrics struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryUsedMB   float64 `json:"memory_used_mb"`
	MemoryLimitMB  float64 `json:"memory_limit_mb"`
	NetworkRxBytes uint64  `json:"network_rx_bytes"`
	NetworkTxBytes uint64  `json:"network_tx_bytes"`
}

// ContainerInfo is what Info reports about a container.
type ContainerInfo struct {
	ID        string            `json:"id"`
	Status    ContainerStatus   `json:"status"`
	Metrics   *ContainerMetrics `json:"metrics,omitempty"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
}

// ManagedContainer is a provider-native container tagged as sandbox-managed.
type ManagedContainer struct {
	ID        string
	Name      string
	SandboxID string // Value of LabelSandboxID, empty when missing.
	State     ContainerState
}
