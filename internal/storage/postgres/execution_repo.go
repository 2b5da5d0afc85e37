package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/sandboxd/internal/domain"
)

// ExecutionRepository implements sandbox.ExecutionStore with GORM.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates an ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

func (r *ExecutionRepository) Create(ctx context.Context, exec *domain.SandboxExecution) error {
	model := toExecutionModel(exec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("%w: creating execution %s: %v", domain.ErrStorage, exec.ID, err)
	}
	exec.CreatedAt = model.CreatedAt
	return nil
}

func (r *ExecutionRepository) Get(ctx context.Context, id uuid.UUID) (*domain.SandboxExecution, error) {
	var model ExecutionModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: getting execution %s: %v", domain.ErrStorage, id, err)
	}
	return toExecutionDomain(&model), nil
}

func (r *ExecutionRepository) Update(ctx context.Context, id uuid.UUID, upd domain.ExecutionUpdate) error {
	result := r.db.WithContext(ctx).
		Model(&ExecutionModel{}).
		Where("id = ?", id).
		Updates(executionUpdates(upd))
	if result.Error != nil {
		return fmt.Errorf("%w: updating execution %s: %v", domain.ErrStorage, id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Transition applies upd in a single conditional UPDATE so a concurrent
// cancellation is never overwritten by a late finalization.
func (r *ExecutionRepository) Transition(ctx context.Context, id uuid.UUID, from []domain.ExecutionStatus, upd domain.ExecutionUpdate) (bool, error) {
	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}
	result := r.db.WithContext(ctx).
		Model(&ExecutionModel{}).
		Where("id = ? AND status IN ?", id, statuses).
		Updates(executionUpdates(upd))
	if result.Error != nil {
		return false, fmt.Errorf("%w: transitioning execution %s: %v", domain.ErrStorage, id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *ExecutionRepository) ListBySandbox(ctx context.Context, sandboxID uuid.UUID, limit int) ([]domain.SandboxExecution, error) {
	q := r.db.WithContext(ctx).
		Where("sandbox_id = ?", sandboxID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var models []ExecutionModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("%w: listing executions for %s: %v", domain.ErrStorage, sandboxID, err)
	}

	result := make([]domain.SandboxExecution, 0, len(models))
	for i := range models {
		result = append(result, *toExecutionDomain(&models[i]))
	}
	return result, nil
}
