// Package sqlite implements the unified Store interface using SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM driver.
//
// Key differences from the PostgreSQL backend:
//   - WAL mode enabled by default for concurrent reads
//   - JSON columns use the SQLite JSON type (stored as text)
//   - No connection pooling (single file, WAL handles concurrency)
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/jkaninda/sandboxd/internal/sandbox"
	"github.com/jkaninda/sandboxd/internal/settings"
	"github.com/jkaninda/sandboxd/internal/storage"
	pgstore "github.com/jkaninda/sandboxd/internal/storage/postgres"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // WAL mode by default.
}

// Store implements storage.Store backed by SQLite.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	path   string

	// Sub-store instances (created lazily on first access).
	mu         sync.Mutex
	sandboxes  sandbox.SandboxStore
	executions sandbox.ExecutionStore
	settings   settings.Store
}

// Open creates a new SQLite-backed Store.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  pgstore.NewGormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY under concurrent transitions.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: slogger,
		path:   cfg.Path,
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return s, nil
}

// Migrate runs GORM AutoMigrate to create/update tables.
// Uses the same models as the PostgreSQL backend.
func (s *Store) Migrate(_ context.Context) error {
	return pgstore.AutoMigrate(s.db)
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite".
func (s *Store) Driver() string {
	return storage.DriverSQLite
}

// EnableTracing instruments every query with spans from tp.
func (s *Store) EnableTracing(tp trace.TracerProvider) error {
	return pgstore.UseTracing(s.db, tp)
}

// GormDB returns the underlying GORM DB for sub-store construction.
func (s *Store) GormDB() *gorm.DB {
	return s.db
}

// --- Sub-store accessors ---
// All sub-stores reuse the PostgreSQL repository implementations
// since they operate on the same GORM models.

func (s *Store) Sandboxes() sandbox.SandboxStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sandboxes == nil {
		s.sandboxes = pgstore.NewSandboxRepository(s.db)
	}
	return s.sandboxes
}

func (s *Store) Executions() sandbox.ExecutionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.executions == nil {
		s.executions = pgstore.NewExecutionRepository(s.db)
	}
	return s.executions
}

func (s *Store) Settings() settings.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		s.settings = pgstore.NewSettingsRepository(s.db)
	}
	return s.settings
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
