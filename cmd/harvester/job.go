package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/timmy/harvest/internal/action"
	"github.com/timmy/harvest/internal/app"
	"github.com/timmy/harvest/internal/domain"
	"github.com/timmy/harvest/internal/repository"
)

var noRun bool

var jobCmd = &cobra.Command{
	Use:   "job <source-id>",
	Short: "Create a harvest job for a source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		run := !noRun
		return withApp(func(ctx context.Context, a *app.App) error {
			job, err := a.Actions.HarvestJobCreate(ctx, &action.JobCreateRequest{SourceID: args[0], Run: &run})
			if err != nil {
				return err
			}
			return printJSON(job)
		})
	},
}

var jobAllCmd = &cobra.Command{
	Use:   "job-all",
	Short: "Create a harvest job for every active source",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		run := !noRun
		return withApp(func(ctx context.Context, a *app.App) error {
			jobs, err := a.Actions.HarvestJobCreateAll(ctx, &action.JobCreateAllRequest{Run: &run})
			if err != nil {
				return err
			}
			return printJSON(jobs)
		})
	},
}

var jobsFilter struct {
	sourceID string
	status   string
	limit    int
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List harvest jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			jobs, err := a.Actions.HarvestJobList(ctx, repository.JobFilter{
				SourceID: jobsFilter.sourceID,
				Status:   domain.JobStatus(jobsFilter.status),
				Limit:    jobsFilter.limit,
			})
			if err != nil {
				return err
			}
			return printJSON(jobs)
		})
	},
}

var jobAbortCmd = &cobra.Command{
	Use:   "job-abort <source-id>",
	Short: "Abort the latest job of a source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			job, err := a.Actions.HarvestJobAbort(ctx, &action.JobAbortRequest{SourceID: args[0]})
			if err != nil {
				return err
			}
			return printJSON(job)
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run [source-id]",
	Short: "Settle finished jobs, resubmit stuck work and send new jobs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &action.JobsRunRequest{}
		if len(args) == 1 {
			req.SourceID = args[0]
		}
		return withApp(func(ctx context.Context, a *app.App) error {
			jobs, err := a.Actions.HarvestJobsRun(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(jobs)
		})
	},
}

func init() {
	jobCmd.Flags().BoolVar(&noRun, "no-run", false, "Leave the job New instead of queueing it")
	jobAllCmd.Flags().BoolVar(&noRun, "no-run", false, "Leave the jobs New instead of queueing them")

	f := jobsCmd.Flags()
	f.StringVar(&jobsFilter.sourceID, "source", "", "Only jobs of this source")
	f.StringVar(&jobsFilter.status, "status", "", "Only jobs in this status (New, Running, Finished, Aborted)")
	f.IntVar(&jobsFilter.limit, "limit", 0, "Maximum number of jobs")
}
