// Command pulsectl runs the administrative actions of the paper-pulse
// pipeline from a shell: ingestion, backfill, facet recomputation, the stuck
// run sweep and trend reports.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"paper-pulse/app"
	"paper-pulse/config"
)

// pipeline is built once by the root command before any subcommand runs.
var pipeline *app.App

var rootCmd = &cobra.Command{
	Use:   "pulsectl",
	Short: "Operate the paper-pulse ingestion pipeline",
	Long: `pulsectl talks to the same database and external APIs as the paper-pulse
server, configured through the same environment variables (and .env file).

Each administrative action is a subcommand: ingest, backfill, sweep, facets
and trends. Results are printed as JSON on stdout; logs go to stderr.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		logger, err := newLogger(verbose)
		if err != nil {
			return err
		}
		pipeline, err = buildApp(cmd.Context(), logger)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if pipeline != nil {
			_ = pipeline.Logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log at debug level")
}

// buildApp assembles the pipeline from the environment.
var buildApp = func(ctx context.Context, logger *zap.Logger) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return app.Build(ctx, cfg, logger)
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
