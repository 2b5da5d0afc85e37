package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sandboxd/internal/config"
	"github.com/jkaninda/sandboxd/internal/janitor"
)

var (
	cleanupProviders []string
	cleanupDryRun    bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove provider containers that no sandbox record owns",
	Long: `cleanup reconciles each provider against the persisted sandboxes and
removes the managed containers no record refers to. Containers of sandboxes
still being created are left alone.`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().StringSliceVar(&cleanupProviders, "provider", nil, "provider to sweep (repeatable; default: all enabled)")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "report orphans without removing them")
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	logger := newLogger(false)
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	j, err := janitor.New(sc.Manager, &config.CleanupConfig{
		DryRun:    cleanupDryRun,
		Providers: cleanupProviders,
	}, sc.Registry.Names(), logger)
	if err != nil {
		return err
	}

	results, sweepErr := j.Sweep(ctx)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return err
	}
	return sweepErr
}
