// Package janitor runs the scheduled orphan container sweep. On every
// tick it asks the sandbox manager to reconcile each configured provider
// against the persisted sandboxes.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/sandboxd/internal/config"
	"github.com/jkaninda/sandboxd/internal/sandbox"
)

// Cleaner reconciles one provider. *sandbox.Manager implements it.
type Cleaner interface {
	CleanupOrphanedContainers(ctx context.Context, providerID string, dryRun bool) (*sandbox.CleanupResult, error)
}

// Janitor sweeps orphaned containers on a cron schedule.
type Janitor struct {
	cleaner   Cleaner
	providers []string
	dryRun    bool
	schedule  cron.Schedule
	logger    *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates a stopped Janitor. providers lists the providers to sweep;
// when cfg.Providers is empty every name in providers is swept.
func New(cleaner Cleaner, cfg *config.CleanupConfig, providers []string, logger *slog.Logger) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(cfg.CronSchedule())
	if err != nil {
		return nil, fmt.Errorf("parsing cleanup schedule %q: %w", cfg.CronSchedule(), err)
	}
	if cfg != nil && len(cfg.Providers) > 0 {
		providers = cfg.Providers
	}
	j := &Janitor{
		cleaner:   cleaner,
		providers: providers,
		schedule:  schedule,
		logger:    logger,
	}
	if cfg != nil {
		j.dryRun = cfg.DryRun
	}
	return j, nil
}

// Start schedules the sweep. Ticks that fire while a sweep is still in
// progress are skipped. It is a no-op when already started.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return
	}
	j.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	j.cron.Schedule(j.schedule, cron.FuncJob(func() {
		if _, err := j.Sweep(ctx); err != nil {
			j.logger.WarnContext(ctx, "orphan sweep finished with errors", slog.String("error", err.Error()))
		}
	}))
	j.cron.Start()
	j.logger.InfoContext(ctx, "orphan janitor started",
		slog.Any("providers", j.providers),
		slog.Bool("dry_run", j.dryRun),
	)
}

// Stop unschedules the sweep and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	j.logger.Info("orphan janitor stopped")
}

// Sweep reconciles every configured provider once. A failing provider does
// not stop the others; their errors are joined.
func (j *Janitor) Sweep(ctx context.Context) ([]*sandbox.CleanupResult, error) {
	var (
		results []*sandbox.CleanupResult
		errs    []error
	)
	for _, name := range j.providers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := j.cleaner.CleanupOrphanedContainers(ctx, name, j.dryRun)
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", name, err))
			continue
		}
		results = append(results, res)
		if len(res.Errors) > 0 {
			errs = append(errs, fmt.Errorf("provider %s: %d containers could not be removed", name, len(res.Errors)))
		}
	}
	return results, errors.Join(errs...)
}
