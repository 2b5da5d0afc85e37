// sandboxd provisions, monitors and tears down isolated execution sandboxes
// for coding agents.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "sandboxd: sandbox orchestration engine for coding agents.",
	Long: `sandboxd provisions isolated execution sandboxes on pluggable providers
(local docker, host processes), runs commands inside them, watches their
health and resource usage in the background and prices their runtime.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	configPath string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: $SANDBOXD_CONFIG or ~/.sandboxd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (default: $SANDBOXD_LOG_LEVEL or info)")
	rootCmd.AddCommand(serveCmd, sandboxCmd, cleanupCmd, estimateCmd, settingsCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
