package postgres

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/jkaninda/sandboxd/internal/domain"
)

// SandboxModel maps to the "sandboxes" table.
type SandboxModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name         string    `gorm:"not null"`
	ProviderID   string    `gorm:"not null;index"`
	AgentID      string    `gorm:"not null;default:''"`
	UserID       string    `gorm:"not null;index"`
	ProjectID    string    `gorm:"not null;default:''"`
	ContainerID  string    `gorm:"not null;default:'';index"`
	Image        string    `gorm:"not null;default:''"`
	CPUCores     float64   `gorm:"not null"`
	MemoryMB     uint64    `gorm:"not null"`
	StorageGB    uint64    `gorm:"not null"`
	GPUEnabled   bool      `gorm:"not null;default:false"`
	GPUModel     string    `gorm:"not null;default:''"`
	Env          datatypes.JSONType[map[string]string]
	Volumes      datatypes.JSONType[[]domain.VolumeMount]
	Ports        datatypes.JSONType[[]domain.PortMapping]
	Status       string `gorm:"not null;index"`
	ErrorMessage string `gorm:"type:text;not null;default:''"`
	CreatedAt    time.Time
	StartedAt    *time.Time
	StoppedAt    *time.Time
	UpdatedAt    time.Time
}

func (SandboxModel) TableName() string { return "sandboxes" }

// ExecutionModel maps to the "sandbox_executions" table. Rows are kept after
// their sandbox is deleted, so sandbox_id carries no foreign key.
type ExecutionModel struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	SandboxID        uuid.UUID `gorm:"type:uuid;not null;index:idx_exec_sandbox_created,priority:1"`
	Command          string    `gorm:"type:text;not null"`
	WorkingDir       string    `gorm:"not null;default:''"`
	Status           string    `gorm:"not null;index"`
	ExitCode         *int
	Stdout           string `gorm:"type:text;not null;default:''"`
	Stderr           string `gorm:"type:text;not null;default:''"`
	ErrorMessage     string `gorm:"type:text;not null;default:''"`
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CPUTimeSeconds   *float64 `gorm:"column:cpu_time_seconds"`
	MemoryPeakMB     *uint64  `gorm:"column:memory_peak_mb"`
	CreatedBy        string `gorm:"not null;default:''"`
	AgentExecutionID string `gorm:"not null;default:''"`
	CreatedAt        time.Time `gorm:"index:idx_exec_sandbox_created,priority:2"`
}

func (ExecutionModel) TableName() string { return "sandbox_executions" }

// SettingModel maps to the "settings" table.
type SettingModel struct {
	Key       string `gorm:"primaryKey"`
	Value     string `gorm:"not null"`
	UpdatedAt time.Time
}

func (SettingModel) TableName() string { return "settings" }

// AllModels lists every model in migration order.
func AllModels() []any {
	return []any{
		&SandboxModel{},
		&ExecutionModel{},
		&SettingModel{},
	}
}
