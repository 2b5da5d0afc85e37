package postgres

import (
	"gorm.io/datatypes"

	"github.com/jkaninda/sandboxd/internal/domain"
)

// --- Sandbox ---

func toSandboxModel(sb *domain.Sandbox) SandboxModel {
	return SandboxModel{
		ID:           sb.ID,
		Name:         sb.Name,
		ProviderID:   sb.ProviderID,
		AgentID:      sb.AgentID,
		UserID:       sb.UserID,
		ProjectID:    sb.ProjectID,
		ContainerID:  sb.ContainerID,
		Image:        sb.Image,
		CPUCores:     sb.Resources.CPUCores,
		MemoryMB:     sb.Resources.MemoryMB,
		StorageGB:    sb.Resources.StorageGB,
		GPUEnabled:   sb.Resources.GPUEnabled,
		GPUModel:     sb.Resources.GPUModel,
		Env:          datatypes.NewJSONType(sb.Env),
		Volumes:      datatypes.NewJSONType(sb.Volumes),
		Ports:        datatypes.NewJSONType(sb.Ports),
		Status:       string(sb.Status),
		ErrorMessage: sb.ErrorMessage,
		CreatedAt:    sb.CreatedAt,
		StartedAt:    sb.StartedAt,
		StoppedAt:    sb.StoppedAt,
		UpdatedAt:    sb.UpdatedAt,
	}
}

func toSandboxDomain(m *SandboxModel) *domain.Sandbox {
	return &domain.Sandbox{
		ID:          m.ID,
		Name:        m.Name,
		ProviderID:  m.ProviderID,
		AgentID:     m.AgentID,
		UserID:      m.UserID,
		ProjectID:   m.ProjectID,
		ContainerID: m.ContainerID,
		Image:       m.Image,
		Resources: domain.ResourceConfig{
			CPUCores:   m.CPUCores,
			MemoryMB:   m.MemoryMB,
			StorageGB:  m.StorageGB,
			GPUEnabled: m.GPUEnabled,
			GPUModel:   m.GPUModel,
		},
		Env:          m.Env.Data(),
		Volumes:      m.Volumes.Data(),
		Ports:        m.Ports.Data(),
		Status:       domain.SandboxStatus(m.Status),
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt,
		StartedAt:    m.StartedAt,
		StoppedAt:    m.StoppedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

// --- Execution ---

func toExecutionModel(e *domain.SandboxExecution) ExecutionModel {
	return ExecutionModel{
		ID:               e.ID,
		SandboxID:        e.SandboxID,
		Command:          e.Command,
		WorkingDir:       e.WorkingDir,
		Status:           string(e.Status),
		ExitCode:         e.ExitCode,
		Stdout:           e.Stdout,
		Stderr:           e.Stderr,
		ErrorMessage:     e.ErrorMessage,
		StartedAt:        e.StartedAt,
		CompletedAt:      e.CompletedAt,
		CPUTimeSeconds:   e.CPUTimeSeconds,
		MemoryPeakMB:     e.MemoryPeakMB,
		CreatedBy:        e.CreatedBy,
		AgentExecutionID: e.AgentExecutionID,
		CreatedAt:        e.CreatedAt,
	}
}

func toExecutionDomain(m *ExecutionModel) *domain.SandboxExecution {
	return &domain.SandboxExecution{
		ID:               m.ID,
		SandboxID:        m.SandboxID,
		Command:          m.Command,
		WorkingDir:       m.WorkingDir,
		Status:           domain.ExecutionStatus(m.Status),
		ExitCode:         m.ExitCode,
		Stdout:           m.Stdout,
		Stderr:           m.Stderr,
		ErrorMessage:     m.ErrorMessage,
		StartedAt:        m.StartedAt,
		CompletedAt:      m.CompletedAt,
		CPUTimeSeconds:   m.CPUTimeSeconds,
		MemoryPeakMB:     m.MemoryPeakMB,
		CreatedBy:        m.CreatedBy,
		AgentExecutionID: m.AgentExecutionID,
		CreatedAt:        m.CreatedAt,
	}
}

// executionUpdates renders the non-nil fields of upd as a column map.
func executionUpdates(upd domain.ExecutionUpdate) map[string]any {
	cols := map[string]any{"status": string(upd.Status)}
	if upd.ExitCode != nil {
		cols["exit_code"] = *upd.ExitCode
	}
	if upd.Stdout != nil {
		cols["stdout"] = *upd.Stdout
	}
	if upd.Stderr != nil {
		cols["stderr"] = *upd.Stderr
	}
	if upd.ErrorMessage != nil {
		cols["error_message"] = *upd.ErrorMessage
	}
	if upd.StartedAt != nil {
		cols["started_at"] = *upd.StartedAt
	}
	if upd.CompletedAt != nil {
		cols["completed_at"] = *upd.CompletedAt
	}
	if upd.CPUTimeSeconds != nil {
		cols["cpu_time_seconds"] = *upd.CPUTimeSeconds
	}
	if upd.MemoryPeakMB != nil {
		cols["memory_peak_mb"] = *upd.MemoryPeakMB
	}
	return cols
}
