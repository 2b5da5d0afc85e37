package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sandboxd/internal/config"
	"github.com/jkaninda/sandboxd/internal/observability"
	"github.com/jkaninda/sandboxd/internal/provider"
	"github.com/jkaninda/sandboxd/internal/provider/docker"
	"github.com/jkaninda/sandboxd/internal/provider/process"
	"github.com/jkaninda/sandboxd/internal/sandbox"
	"github.com/jkaninda/sandboxd/internal/settings"
	"github.com/jkaninda/sandboxd/internal/storage"
	pgstore "github.com/jkaninda/sandboxd/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/sandboxd/internal/storage/sqlite"
)

// SharedComponents holds the subsystems every command needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    storage.Store
	Obs      *observability.Observability
	Registry *provider.Registry
	Manager  *sandbox.Manager
	Settings settings.Source

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// tracingStore is implemented by stores that can instrument their queries.
type tracingStore interface {
	EnableTracing(tp trace.TracerProvider) error
}

// newLogger builds the process logger. The long-running server logs JSON;
// one-shot commands log text.
func newLogger(jsonOutput bool) *slog.Logger {
	name := logLevel
	if name == "" {
		name = goutils.Env("SANDBOXD_LOG_LEVEL", "info")
	}
	level := slog.LevelInfo
	switch strings.ToLower(name) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// loadConfig resolves the config path from --config, SANDBOXD_CONFIG and the
// default location, in that order.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = goutils.Env("SANDBOXD_CONFIG", config.DefaultConfigPath())
	}
	return config.Load(path)
}

// initShared performs the initialization shared by all commands.
// Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})

	// Storage (SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(ctx); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if ts := obs.TracerOrNil(); ts != nil {
		if s, ok := store.(tracingStore); ok {
			if err := s.EnableTracing(ts.Provider()); err != nil {
				logger.Warn("database tracing disabled", slog.String("error", err.Error()))
			}
		}
	}

	// Providers.
	registry, err := buildRegistry(cfg, obs, logger)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	sc.Registry = registry

	sc.Manager = sandbox.NewManager(registry, store.Sandboxes(), store.Executions(), obs.MetricsOrNil(), logger).
		WithStopTimeout(cfg.Sandbox.StopTimeout())
	sc.Settings = settings.NewStoreSource(store.Settings(), settings.Defaults{
		HealthCheckInterval:        cfg.Monitoring.HealthCheckInterval(),
		ResourceMonitoringInterval: cfg.Monitoring.ResourceMonitoringInterval(),
	})

	logger.Debug("shared components initialized",
		slog.String("storage", store.Driver()),
		slog.Any("providers", registry.Names()),
		slog.Bool("metrics", obs.MetricsOrNil() != nil),
		slog.Bool("tracing", obs.TracerOrNil() != nil),
	)
	return sc, nil
}

// initStore creates the storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or SANDBOXD_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if p := cfg.Storage.Postgres; p != nil {
		pgCfg.MaxOpenConns = p.MaxOpenConns
		pgCfg.MaxIdleConns = p.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(p.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}

// buildRegistry creates the enabled providers, each wrapped with metrics,
// tracing and error-rate detection when those are enabled.
func buildRegistry(cfg *config.Config, obs *observability.Observability, logger *slog.Logger) (*provider.Registry, error) {
	var providers []provider.Provider

	if d := cfg.Providers.Docker; d != nil && d.Enabled {
		providers = append(providers, docker.New(docker.Config{
			Binary:     d.Binary,
			Image:      d.Image,
			Network:    d.Network,
			PIDsLimit:  d.PIDsLimit,
			StorageOpt: d.StorageOpt,
			Descriptor: d.Descriptor(),
		}, logger))
	}
	if p := cfg.Providers.Process; p != nil && p.Enabled {
		proc, err := process.New(process.Config{
			BaseDir:    cfg.ProcessBaseDir(),
			CPUSeconds: p.CPUSeconds,
			Descriptor: p.Descriptor(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing process provider: %w", err)
		}
		providers = append(providers, proc)
	}

	registry := provider.NewRegistry()
	for _, p := range providers {
		registry.Register(observability.Instrument(p, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil()))
	}
	return registry, nil
}

// readinessChecks registers the store and every provider on the readiness checker.
func readinessChecks(sc *SharedComponents, hc *observability.HealthChecker) {
	hc.AddCheck("store", sc.Store.Ping)
	for _, name := range sc.Registry.Names() {
		hc.AddCheck("provider_"+name, func(ctx context.Context) error {
			p, err := sc.Registry.Get(name)
			if err != nil {
				return err
			}
			_, err = p.ListManaged(ctx)
			return err
		})
	}
}
