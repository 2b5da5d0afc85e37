package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sandboxd/internal/gateway/httpapi"
	"github.com/jkaninda/sandboxd/internal/health"
	"github.com/jkaninda/sandboxd/internal/janitor"
	"github.com/jkaninda/sandboxd/internal/monitor"
	"github.com/jkaninda/sandboxd/internal/observability"
)

var (
	serveAddr     string
	serveDocs     bool
	serveNoHealth bool
	serveNoMon    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background loops and the operational HTTP endpoints",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `sandboxd --addr :9090` and `sandboxd serve --addr :9090` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. :9090)")
		cmd.Flags().BoolVar(&serveDocs, "docs", false, "serve OpenAPI documentation")
		cmd.Flags().BoolVar(&serveNoHealth, "no-health", false, "disable the health checker")
		cmd.Flags().BoolVar(&serveNoMon, "no-monitor", false, "disable the resource monitor")
	}
}

// runServe starts the health checker, the resource monitor, the orphan
// janitor and the HTTP gateway, and blocks until a signal arrives.
func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger(true)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.HTTP.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	metrics := sc.Obs.MetricsOrNil()
	concurrency := cfg.Monitoring.MaxConcurrent()

	var hv httpapi.HealthView
	if !serveNoHealth {
		checker := health.NewChecker(sc.Manager, sc.Settings, metrics, logger, health.WithConcurrency(concurrency))
		checker.Start(ctx)
		defer checker.Stop()
		hv = checker
	}

	var mv httpapi.MonitorView
	if !serveNoMon {
		mon := monitor.New(sc.Manager, sc.Settings, metrics, logger, concurrency)
		mon.Start(ctx)
		defer mon.Stop()
		mv = mon
	}

	if cfg.Cleanup != nil && cfg.Cleanup.Enabled {
		j, err := janitor.New(sc.Manager, cfg.Cleanup, sc.Registry.Names(), logger)
		if err != nil {
			return fmt.Errorf("initializing orphan janitor: %w", err)
		}
		j.Start(ctx)
		defer j.Stop()
	}

	readiness := observability.NewHealthChecker(logger)
	if sc.Obs != nil && sc.Obs.Health != nil {
		readiness = sc.Obs.Health
	}
	readinessChecks(sc, readiness)

	gwCfg := httpapi.Config{
		ListenAddr: cfg.HTTP.ListenAddr(),
		EnableDocs: serveDocs,
		Readiness:  readiness,
		Metrics:    metrics,
	}
	if metrics != nil {
		gwCfg.MetricsRegistry = metrics.Registry
		if o := cfg.Observability; o != nil && o.Metrics != nil {
			gwCfg.MetricsPath = o.Metrics.Path
		}
	}
	var tracer trace.Tracer
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		tracer = ts.Tracer()
	}
	gwCfg.Tracer = tracer

	gw := httpapi.NewGateway(gwCfg, hv, mv, logger)
	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	logger.Info("sandboxd started",
		slog.String("addr", gwCfg.ListenAddr),
		slog.Any("providers", sc.Registry.Names()),
		slog.String("storage", sc.Store.Driver()),
	)

	// Wait for signal or gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("http gateway exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http gateway", slog.String("error", err.Error()))
	}
	return nil
}
