package postgres

import (
	"gorm.io/gorm"

	"github.com/jkaninda/sandboxd/internal/domain"
)

// SandboxFilterScope returns a GORM scope applying the set fields of f with AND semantics.
func SandboxFilterScope(f domain.SandboxFilter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if f.UserID != "" {
			db = db.Where("user_id = ?", f.UserID)
		}
		if f.Status != "" {
			db = db.Where("status = ?", string(f.Status))
		}
		if f.ProviderID != "" {
			db = db.Where("provider_id = ?", f.ProviderID)
		}
		return db
	}
}
