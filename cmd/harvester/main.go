package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/timmy/harvest/internal/app"
	"github.com/timmy/harvest/internal/config"
	"github.com/timmy/harvest/internal/logger"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "harvester",
	Short: "Harvest remote catalogs into the local ledger",
	Long: `harvester - gather, fetch and import datasets from remote catalogs.

Examples:
  harvester initdb                                  # Create the ledger tables
  harvester source http://demo.ckan.org ckan        # Register a source
  harvester job <source-id>                         # Queue a harvest of one source
  harvester gather-consumer & harvester fetch-consumer
  harvester run                                     # Settle jobs, send new ones
  harvester import --segments 0123                  # Import a quarter of the objects again`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger.SetDefaultLogger(logger.NewFromEnv(logger.LoadFromEnv()))
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "Path to config file")

	rootCmd.AddCommand(initdbCmd)
	rootCmd.AddCommand(sourceCmd, rmsourceCmd, sourcesCmd)
	rootCmd.AddCommand(jobCmd, jobsCmd, jobAllCmd, jobAbortCmd, runCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(gatherConsumerCmd, fetchConsumerCmd, schedulerCmd)
}

// withApp opens the application for one command and closes it afterwards.
// The context is cancelled on SIGINT or SIGTERM.
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
