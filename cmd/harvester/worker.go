package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/timmy/harvest/internal/action"
	"github.com/timmy/harvest/internal/app"
	"github.com/timmy/harvest/internal/errors"
	"github.com/timmy/harvest/internal/logger"
)

var importOpts action.ObjectsImportRequest

var importCmd = &cobra.Command{
	Use:   "import [source-id]",
	Short: "Run the import stage again over stored objects",
	Long: `Run the import stage again over the current objects of a source, or of
every source. Use --segments to split a large reimport across processes:
each object belongs to one of 16 segments named 0-f.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := importOpts
		if len(args) == 1 {
			req.SourceID = args[0]
		}
		return withApp(func(ctx context.Context, a *app.App) error {
			stats, err := a.Actions.HarvestObjectsImport(ctx, &req)
			if err != nil {
				return err
			}
			return printJSON(stats)
		})
	},
}

var gatherConsumerCmd = &cobra.Command{
	Use:   "gather-consumer",
	Short: "Consume the gather queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			logger.CtxInfo(ctx, "Gather consumer started on %s", a.Publisher.GatherQueue())
			return ignoreCancel(a.Dispatcher.ConsumeGather(ctx))
		})
	},
}

var fetchConsumerCmd = &cobra.Command{
	Use:   "fetch-consumer",
	Short: "Consume the fetch queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			logger.CtxInfo(ctx, "Fetch consumer started on %s", a.Publisher.FetchQueue())
			return ignoreCancel(a.Dispatcher.ConsumeFetch(ctx))
		})
	},
}

var (
	schedulerInterval time.Duration
	schedulerWorkers  bool
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Call run on a fixed interval",
	Long: `Call run on a fixed interval, creating jobs for sources that are due.
With --workers the gather and fetch consumers run in the same process,
which is what a single node deployment on the in-memory queue needs.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		interval := schedulerInterval
		if interval <= 0 {
			interval = cfg.Harvest.SchedulerInterval
		}
		return withApp(func(ctx context.Context, a *app.App) error {
			if schedulerWorkers {
				go func() { _ = a.Dispatcher.ConsumeGather(ctx) }()
				go func() { _ = a.Dispatcher.ConsumeFetch(ctx) }()
			}
			logger.With(logger.Fields{"interval": interval.String()}).
				Info(ctx, "Scheduler started")

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				if _, err := a.Jobs.RunJobs(ctx, ""); err != nil {
					logger.FromContext(ctx).WithError(err).Error("Scheduled run failed")
				}
				select {
				case <-ctx.Done():
					logger.CtxInfo(ctx, "Scheduler stopped")
					return nil
				case <-ticker.C:
				}
			}
		})
	},
}

// ignoreCancel treats shutdown by signal as a clean exit.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func init() {
	f := importCmd.Flags()
	f.StringVarP(&importOpts.GUID, "guid", "g", "", "Only the object with this guid")
	f.StringVarP(&importOpts.ObjectID, "object", "o", "", "Only this harvest object id")
	f.StringVarP(&importOpts.PackageID, "package", "p", "", "Only the object of this package id or name")
	f.StringVar(&importOpts.Segments, "segments", "", "Only objects in these segments, e.g. 0123")

	schedulerCmd.Flags().DurationVar(&schedulerInterval, "interval", 0, "Time between runs (default harvest.scheduler_interval)")
	schedulerCmd.Flags().BoolVar(&schedulerWorkers, "workers", false, "Also run the gather and fetch consumers")
}
