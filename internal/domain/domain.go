// Package domain defines the sandbox and execution entities shared by the
// orchestration engine, the providers and the storage layer.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// SandboxStatus is a state of the sandbox lifecycle.
type SandboxStatus string

const (
	SandboxCreating SandboxStatus = "creating"
	SandboxStarting SandboxStatus = "starting"
	SandboxRunning  SandboxStatus = "running"
	SandboxStopping SandboxStatus = "stopping"
	SandboxStopped  SandboxStatus = "stopped"
	SandboxRemoving SandboxStatus = "removing"
	SandboxError    SandboxStatus = "error"
)

// HasContainer reports whether a sandbox in this status owns a container id.
func (s SandboxStatus) HasContainer() bool {
	switch s {
	case SandboxStarting, SandboxRunning, SandboxStopping, SandboxStopped:
		return true
	}
	return false
}

// Transitional reports whether the status is a short-lived intermediate state.
func (s SandboxStatus) Transitional() bool {
	return s == SandboxStarting || s == SandboxStopping
}

// Valid reports whether s is a known status.
func (s SandboxStatus) Valid() bool {
	switch s {
	case SandboxCreating, SandboxStarting, SandboxRunning, SandboxStopping,
		SandboxStopped, SandboxRemoving, SandboxError:
		return true
	}
	return false
}

// ResourceConfig is the resource shape requested for a sandbox.
type ResourceConfig struct {
	CPUCores   float64 `json:"cpu_cores"`
	MemoryMB   uint64  `json:"memory_mb"`
	StorageGB  uint64  `json:"storage_gb"`
	GPUEnabled bool    `json:"gpu_enabled"`
	GPUModel   string  `json:"gpu_model,omitempty"`
}

// VolumeMount binds a host path into the sandbox.
type VolumeMount struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	ReadOnly      bool   `json:"read_only,omitempty"`
}

// PortMapping publishes a container port on the host.
type PortMapping struct {
	HostPort      uint16 `json:"host_port"`
	ContainerPort uint16 `json:"container_port"`
	Protocol      string `json:"protocol,omitempty"` // "tcp" (default) or "udp"
}

// Sandbox is a provisioned execution environment.
// ContainerID is non-empty exactly when Status.HasContainer() is true.
type Sandbox struct {
	ID           uuid.UUID
	Name         string
	ProviderID   string
	AgentID      string
	UserID       string
	ProjectID    string
	ContainerID  string
	Image        string
	Resources    ResourceConfig
	Env          map[string]string
	Volumes      []VolumeMount
	Ports        []PortMapping
	Status       SandboxStatus
	ErrorMessage string
	CreatedAt    time.Time
	StartedAt    *time.Time
	StoppedAt    *time.Time
	UpdatedAt    time.Time
}

// ExecutionStatus is a state of a command execution.
type ExecutionStatus string

const (
	ExecutionQueued    ExecutionStatus = "queued"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// SandboxExecution is one command run inside a sandbox.
type SandboxExecution struct {
	ID               uuid.UUID
	SandboxID        uuid.UUID
	Command          string
	WorkingDir       string
	Status           ExecutionStatus
	ExitCode         *int
	Stdout           string
	Stderr           string
	ErrorMessage     string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CPUTimeSeconds   *float64
	MemoryPeakMB     *uint64
	CreatedBy        string
	AgentExecutionID string
	CreatedAt        time.Time
}

// SandboxFilter selects sandboxes in list queries. Zero fields match everything;
// set fields are combined with AND.
type SandboxFilter struct {
	UserID     string
	Status     SandboxStatus
	ProviderID string
}

// ExecutionUpdate carries the fields written by a status transition.
// Nil pointers leave the stored value untouched.
type ExecutionUpdate struct {
	Status       ExecutionStatus
	ExitCode     *int
	Stdout       *string
	Stderr       *string
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time

	CPUTimeSeconds *float64
	MemoryPeakMB   *uint64
}
