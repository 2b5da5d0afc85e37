// Package sandboxtest wires a Manager over a temporary SQLite store for tests.
package sandboxtest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/jkaninda/sandboxd/internal/domain"
	"github.com/jkaninda/sandboxd/internal/observability"
	"github.com/jkaninda/sandboxd/internal/provider"
	"github.com/jkaninda/sandboxd/internal/sandbox"
	"github.com/jkaninda/sandboxd/internal/storage/sqlite"
)

// Env is a manager backed by a throwaway database.
type Env struct {
	Manager  *sandbox.Manager
	Store    *sqlite.Store
	Registry *provider.Registry
	Metrics  *observability.MetricsCollector
	Logger   *slog.Logger
}

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// New opens a migrated SQLite store under t.TempDir and builds a Manager
// over the given providers. The store is closed on cleanup.
func New(t *testing.T, providers ...provider.Provider) *Env {
	t.Helper()
	logger := Logger()
	store, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "sandboxd.db")}, logger)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := provider.NewRegistry(providers...)
	metrics := observability.NewMetricsCollector()
	return &Env{
		Manager:  sandbox.NewManager(registry, store.Sandboxes(), store.Executions(), metrics, logger),
		Store:    store,
		Registry: registry,
		Metrics:  metrics,
		Logger:   logger,
	}
}

// Request returns a valid create request for providerID.
func Request(providerID, userID string) sandbox.CreateSandboxRequest {
	return sandbox.CreateSandboxRequest{
		ProviderID: providerID,
		UserID:     userID,
		AgentID:    "agent-1",
		Image:      "alpine:3.20",
		Resources:  domain.ResourceConfig{CPUCores: 1, MemoryMB: 512, StorageGB: 5},
	}
}

// Running creates a sandbox and fails the test unless it ends Running.
func (e *Env) Running(t *testing.T, providerID, userID string) *domain.Sandbox {
	t.Helper()
	sb, err := e.Manager.CreateSandbox(context.Background(), Request(providerID, userID))
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}
	if sb.Status != domain.SandboxRunning {
		t.Fatalf("status = %s, want running", sb.Status)
	}
	return sb
}

// SetStatus overwrites the persisted status of a sandbox, bypassing the manager.
func (e *Env) SetStatus(t *testing.T, sb *domain.Sandbox, status domain.SandboxStatus) {
	t.Helper()
	sb.Status = status
	if err := e.Store.Sandboxes().Update(context.Background(), sb); err != nil {
		t.Fatalf("updating sandbox: %v", err)
	}
}
