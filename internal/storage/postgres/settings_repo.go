package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/sandboxd/internal/settings"
)

// SettingsRepository implements settings.Store with GORM.
type SettingsRepository struct {
	db *gorm.DB
}

// NewSettingsRepository creates a SettingsRepository.
func NewSettingsRepository(db *gorm.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

func (r *SettingsRepository) Get(ctx context.Context, key string) (string, error) {
	var model SettingModel
	err := r.db.WithContext(ctx).Where("key = ?", key).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%s: %w", key, settings.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting setting %s: %w", key, err)
	}
	return model.Value, nil
}

// Set upserts key.
func (r *SettingsRepository) Set(ctx context.Context, key, value string) error {
	model := SettingModel{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

func (r *SettingsRepository) List(ctx context.Context) (map[string]string, error) {
	var models []SettingModel
	if err := r.db.WithContext(ctx).Order("key").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing settings: %w", err)
	}
	out := make(map[string]string, len(models))
	for _, m := range models {
		out[m.Key] = m.Value
	}
	return out, nil
}
