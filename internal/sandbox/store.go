package sandbox

import (
	"context"

	"github.com/google/uuid"

	"github.com/jkaninda/sandboxd/internal/domain"
)

// SandboxStore persists sandbox rows. Get, Update and Delete return an error
// wrapping domain.ErrNotFound for unknown ids.
type SandboxStore interface {
	Create(ctx context.Context, sb *domain.Sandbox) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Sandbox, error)
	Update(ctx context.Context, sb *domain.Sandbox) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, filter domain.SandboxFilter) ([]domain.Sandbox, error)
}

// ExecutionStore persists execution rows.
type ExecutionStore interface {
	Create(ctx context.Context, exec *domain.SandboxExecution) error
	Get(ctx context.Context, id uuid.UUID) (*domain.SandboxExecution, error)

	// Update applies upd unconditionally.
	Update(ctx context.Context, id uuid.UUID, upd domain.ExecutionUpdate) error

	// Transition applies upd only while the stored status is one of from.
	// It reports whether a row was changed.
	Transition(ctx context.Context, id uuid.UUID, from []domain.ExecutionStatus, upd domain.ExecutionUpdate) (bool, error)

	// ListBySandbox returns executions newest first. limit <= 0 means all.
	ListBySandbox(ctx context.Context, sandboxID uuid.UUID, limit int) ([]domain.SandboxExecution, error)
}
