package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/timmy/harvest/internal/action"
	"github.com/timmy/harvest/internal/app"
	"github.com/timmy/harvest/internal/domain"
	"github.com/timmy/harvest/internal/logger"
	"github.com/timmy/harvest/internal/repository"
)

var initdbCmd = &cobra.Command{
	Use:   "initdb",
	Short: "Create or migrate the ledger tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := repository.InitDB(&cfg.Database)
		if err != nil {
			return err
		}
		if err := repository.Migrate(db); err != nil {
			return err
		}
		logger.With(logger.Fields{"driver": cfg.Database.Driver}).
			Info(cmd.Context(), "DB tables created")
		return nil
	},
}

var sourceOpts struct {
	title       string
	notes       string
	frequency   string
	config      string
	publisherID string
	inactive    bool
}

var sourceCmd = &cobra.Command{
	Use:   "source <url> <type>",
	Short: "Register a harvest source",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		active := !sourceOpts.inactive
		return withApp(func(ctx context.Context, a *app.App) error {
			src, err := a.Actions.HarvestSourceCreate(ctx, &action.SourceRequest{
				URL:         args[0],
				Type:        args[1],
				Title:       sourceOpts.title,
				Description: sourceOpts.notes,
				Frequency:   domain.Frequency(sourceOpts.frequency),
				Config:      sourceOpts.config,
				PublisherID: sourceOpts.publisherID,
				Active:      &active,
			})
			if err != nil {
				return err
			}
			return printJSON(src)
		})
	},
}

var rmsourceCmd = &cobra.Command{
	Use:   "rmsource <source-id>",
	Short: "Deactivate a harvest source and abort its pending jobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			src, err := a.Actions.HarvestSourceDelete(ctx, &action.IDRequest{ID: args[0]})
			if err != nil {
				return err
			}
			return printJSON(src)
		})
	},
}

var sourcesAll bool

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List harvest sources",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			sources, err := a.Actions.HarvestSourceList(ctx, !sourcesAll)
			if err != nil {
				return err
			}
			return printJSON(sources)
		})
	},
}

func init() {
	f := sourceCmd.Flags()
	f.StringVar(&sourceOpts.title, "title", "", "Source title")
	f.StringVar(&sourceOpts.notes, "notes", "", "Source description")
	f.StringVar(&sourceOpts.frequency, "frequency", "", "MANUAL, ALWAYS, DAILY, WEEKLY, BIWEEKLY or MONTHLY")
	f.StringVar(&sourceOpts.config, "source-config", "", "Harvester configuration JSON")
	f.StringVar(&sourceOpts.publisherID, "owner-org", "", "Publishing organization id")
	f.BoolVar(&sourceOpts.inactive, "inactive", false, "Register the source inactive")

	sourcesCmd.Flags().BoolVar(&sourcesAll, "all", false, "Include inactive sources")
}
