// Package storage defines the unified Store interface that abstracts all persistence operations.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL (production).
package storage

import (
	"context"

	"github.com/jkaninda/sandboxd/internal/sandbox"
	"github.com/jkaninda/sandboxd/internal/settings"
)

// Store is the unified persistence interface for sandboxd.
// Both SQLite and PostgreSQL backends implement this interface.
type Store interface {
	// Sub-store accessors. The returned stores share the same connection pool.
	Sandboxes() sandbox.SandboxStore
	Executions() sandbox.ExecutionStore
	Settings() settings.Store

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
