package main

import (
	"github.com/spf13/cobra"

	"paper-pulse/services"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run one ingestion pass over the feed",
	Long: `Ingest fetches new preprints, annotates them and stores them. Without
--days the window is derived from the latest run, capped at INGEST_MAX_DAYS.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts services.RunOptions
		if cmd.Flags().Changed("days") {
			days, _ := cmd.Flags().GetInt("days")
			opts.DaysBack = services.DaysBack(days)
		}
		res, err := pipeline.Orchestrator.Run(cmd.Context(), opts)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Annotate stored papers that have no summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		res, err := pipeline.Orchestrator.Backfill(cmd.Context(), limit)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark stuck in_progress runs as interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if !cmd.Flags().Changed("older-than") {
			olderThan = pipeline.Config.StaleRunAfter
		}
		n, err := pipeline.Orchestrator.MarkStuckRuns(cmd.Context(), olderThan)
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]int64{"interrupted": n})
	},
}

var facetsCmd = &cobra.Command{
	Use:   "facets",
	Short: "Recompute the keyword and organism facet tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := pipeline.Facets.Recompute(cmd.Context()); err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("show")
		if limit == 0 {
			return nil
		}
		kw, err := pipeline.Facets.KeywordFacets(cmd.Context(), services.FacetQuery{Limit: limit})
		if err != nil {
			return err
		}
		return printJSON(cmd, kw)
	},
}

var trendsCmd = &cobra.Command{
	Use:       "trends [day|week|month|year|momentum|cooccurrence|authors]",
	Short:     "Print a trend report",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"day", "week", "month", "year", "momentum", "cooccurrence", "authors"},
	RunE: func(cmd *cobra.Command, args []string) error {
		report := string(services.PeriodWeek)
		if len(args) == 1 {
			report = args[0]
		}
		ctx := cmd.Context()
		var (
			out any
			err error
		)
		switch report {
		case "momentum":
			out, err = pipeline.Trends.TopicMomentum(ctx)
		case "cooccurrence":
			out, err = pipeline.Trends.KeywordCooccurrence(ctx)
		case "authors":
			out, err = pipeline.Trends.AuthorNetwork(ctx)
		default:
			out, err = pipeline.Trends.Trends(ctx, services.Period(report))
		}
		if err != nil {
			return err
		}
		return printJSON(cmd, out)
	},
}

func init() {
	ingestCmd.Flags().Int("days", 0, "look back this many days instead of using the run history")
	backfillCmd.Flags().Int("limit", 50, "maximum number of papers to annotate")
	sweepCmd.Flags().Duration("older-than", 0, "age after which an in_progress run counts as stuck (default STALE_RUN_AFTER)")
	facetsCmd.Flags().Int("show", 0, "print this many top keywords after recomputing")

	rootCmd.AddCommand(ingestCmd, backfillCmd, sweepCmd, facetsCmd, trendsCmd)
}
