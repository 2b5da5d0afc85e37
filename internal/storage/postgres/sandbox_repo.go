package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/sandboxd/internal/domain"
)

// SandboxRepository implements sandbox.SandboxStore with GORM.
type SandboxRepository struct {
	db *gorm.DB
}

// NewSandboxRepository creates a SandboxRepository.
func NewSandboxRepository(db *gorm.DB) *SandboxRepository {
	return &SandboxRepository{db: db}
}

func (r *SandboxRepository) Create(ctx context.Context, sb *domain.Sandbox) error {
	model := toSandboxModel(sb)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("%w: creating sandbox %s: %v", domain.ErrStorage, sb.ID, err)
	}
	sb.CreatedAt = model.CreatedAt
	sb.UpdatedAt = model.UpdatedAt
	return nil
}

func (r *SandboxRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Sandbox, error) {
	var model SandboxModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("sandbox %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: getting sandbox %s: %v", domain.ErrStorage, id, err)
	}
	return toSandboxDomain(&model), nil
}

// Update overwrites every mutable column of the row.
func (r *SandboxRepository) Update(ctx context.Context, sb *domain.Sandbox) error {
	model := toSandboxModel(sb)
	result := r.db.WithContext(ctx).
		Model(&SandboxModel{}).
		Where("id = ?", sb.ID).
		Select("*").
		Omit("id", "created_at").
		Updates(&model)
	if result.Error != nil {
		return fmt.Errorf("%w: updating sandbox %s: %v", domain.ErrStorage, sb.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("sandbox %s: %w", sb.ID, domain.ErrNotFound)
	}
	sb.UpdatedAt = model.UpdatedAt
	return nil
}

func (r *SandboxRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&SandboxModel{})
	if result.Error != nil {
		return fmt.Errorf("%w: deleting sandbox %s: %v", domain.ErrStorage, id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("sandbox %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// List returns sandboxes matching filter, newest first.
func (r *SandboxRepository) List(ctx context.Context, filter domain.SandboxFilter) ([]domain.Sandbox, error) {
	var models []SandboxModel
	if err := r.db.WithContext(ctx).
		Scopes(SandboxFilterScope(filter)).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("%w: listing sandboxes: %v", domain.ErrStorage, err)
	}

	result := make([]domain.Sandbox, 0, len(models))
	for i := range models {
		result = append(result, *toSandboxDomain(&models[i]))
	}
	return result, nil
}
