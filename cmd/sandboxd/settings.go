package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sandboxd/internal/settings"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read and change runtime settings of the background loops",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Print one setting, or all known settings",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSettingsGet,
}

var settingsSetCmd = &cobra.Command{
	Use:     "set <key> <value>",
	Short:   "Change a setting; running loops pick it up on their next cycle",
	Example: "  sandboxd settings set health_check_interval_seconds 30",
	Args:    cobra.ExactArgs(2),
	RunE:    runSettingsSet,
}

func init() {
	settingsCmd.AddCommand(settingsGetCmd, settingsSetCmd)
}

func withSettingsStore(cmd *cobra.Command, fn func(ctx context.Context, store settings.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger(false)
	store, err := initStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return fn(ctx, store.Settings())
}

func runSettingsGet(cmd *cobra.Command, args []string) error {
	return withSettingsStore(cmd, func(ctx context.Context, store settings.Store) error {
		if len(args) == 1 {
			v, err := store.Get(ctx, args[0])
			if errors.Is(err, settings.ErrNotFound) {
				return fmt.Errorf("%s is not set", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		}

		values, err := store.List(ctx)
		if err != nil {
			return err
		}
		keys := settings.Keys()
		known := make(map[string]bool, len(keys))
		for _, k := range keys {
			known[k] = true
		}
		for k := range values {
			if !known[k] {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, k := range keys {
			v, ok := values[k]
			if !ok {
				v = "(default)"
			}
			fmt.Fprintf(w, "%s\t%s\n", k, v)
		}
		return w.Flush()
	})
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	if err := settings.Validate(key, value); err != nil {
		return err
	}
	return withSettingsStore(cmd, func(ctx context.Context, store settings.Store) error {
		if err := store.Set(ctx, key, value); err != nil {
			return err
		}
		fmt.Printf("%s = %s\n", key, value)
		return nil
	})
}
