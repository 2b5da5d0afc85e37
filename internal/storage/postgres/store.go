package postgres

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sandboxd/internal/sandbox"
	"github.com/jkaninda/sandboxd/internal/settings"
	"github.com/jkaninda/sandboxd/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu         sync.Mutex
	sandboxes  sandbox.SandboxStore
	executions sandbox.ExecutionStore
	settings   settings.Store
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via AutoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// EnableTracing instruments every query with spans from tp.
func (s *Store) EnableTracing(tp trace.TracerProvider) error {
	return UseTracing(s.pgDB.GormDB(), tp)
}

// GormDB returns the underlying GORM DB for direct access when needed.
func (s *Store) GormDB() *DB {
	return s.pgDB
}

// --- Sub-store accessors ---

func (s *Store) Sandboxes() sandbox.SandboxStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sandboxes == nil {
		s.sandboxes = NewSandboxRepository(s.pgDB.GormDB())
	}
	return s.sandboxes
}

func (s *Store) Executions() sandbox.ExecutionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.executions == nil {
		s.executions = NewExecutionRepository(s.pgDB.GormDB())
	}
	return s.executions
}

func (s *Store) Settings() settings.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		s.settings = NewSettingsRepository(s.pgDB.GormDB())
	}
	return s.settings
}

// compile-time interface checks
var (
	_ storage.Store          = (*Store)(nil)
	_ sandbox.SandboxStore   = (*SandboxRepository)(nil)
	_ sandbox.ExecutionStore = (*ExecutionRepository)(nil)
	_ settings.Store         = (*SettingsRepository)(nil)
)
