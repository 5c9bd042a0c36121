package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cuongbtq/ingest-engine/internal/app"
	"github.com/cuongbtq/ingest-engine/internal/domain"
	"github.com/cuongbtq/ingest-engine/internal/ledger"
	"github.com/cuongbtq/ingest-engine/internal/runner"
	"github.com/spf13/cobra"
)

func (c *cli) jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Start and supervise batch enrichment jobs",
		Long: `Start and supervise batch enrichment jobs.

Examples:
  etlctl jobs start player_stats                 # Create and run inline
  etlctl jobs start release_dates --enqueue \
      --config '{"source":"s3://datasets/applications.csv"}'
  etlctl jobs list --status paused
  etlctl jobs pause <job-id>
  etlctl jobs run <job-id>                       # Resume a paused job inline`,
	}
	cmd.AddCommand(c.jobsStartCmd())
	cmd.AddCommand(c.jobsRunCmd())
	cmd.AddCommand(c.jobsStatusCmd())
	cmd.AddCommand(c.jobsListCmd())
	cmd.AddCommand(c.jobsTransitionCmd("pause", "Pause a running job", (*ledger.Ledger).Pause))
	cmd.AddCommand(c.jobsResumeCmd())
	cmd.AddCommand(c.jobsTransitionCmd("cancel", "Cancel a job that has not finished", (*ledger.Ledger).Cancel))
	return cmd
}

func (c *cli) jobsStartCmd() *cobra.Command {
	var (
		rawConfig    string
		enqueue      bool
		resumeActive bool
	)
	cmd := &cobra.Command{
		Use:   "start JOB_TYPE",
		Short: "Create a job and run it inline or enqueue it",
		Long: `Create a job and run it inline or enqueue it.

Only one job of a type may be running or paused at a time. With
--resume-active an existing one is continued instead of refused, which is
how the pipeline picks up a job left behind by an interrupted run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := c.services(ctx)
			if err != nil {
				return err
			}
			jobType := args[0]
			out := cmd.OutOrStdout()

			active, err := svc.Ledger.Active(ctx, jobType)
			switch {
			case err == nil && resumeActive:
				fmt.Fprintf(out, "Resuming %s job %s\n", active.Status, active.ID)
				return c.continueJob(ctx, out, svc, active, enqueue)
			case err == nil:
				return fmt.Errorf("job %s of type %s is already %s", active.ID, jobType, active.Status)
			case !errors.Is(err, domain.ErrJobNotFound):
				return err
			}

			var raw json.RawMessage
			if rawConfig != "" {
				raw = json.RawMessage(rawConfig)
			}
			total, err := svc.Jobs.Count(ctx, jobType, raw)
			if err != nil {
				return err
			}
			job, err := svc.Ledger.Create(ctx, jobType, total, raw)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Created job %s (%d items)\n", job.ID, job.TotalItems)
			if job.Status != domain.JobStatusPending {
				printJob(out, job)
				return nil
			}
			if enqueue {
				return c.enqueue(ctx, job.ID)
			}
			return c.runJob(ctx, out, svc, job)
		},
	}
	cmd.Flags().StringVar(&rawConfig, "config", "", "job configuration as JSON")
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "hand the job to the worker service instead of running it here")
	cmd.Flags().BoolVar(&resumeActive, "resume-active", false, "continue the running or paused job of this type if there is one")
	return cmd
}

// continueJob runs an existing job inline, or resumes and enqueues it
func (c *cli) continueJob(ctx context.Context, out io.Writer, svc *app.Services, job *domain.JobRecord, enqueue bool) error {
	if !enqueue {
		return c.runJob(ctx, out, svc, job)
	}
	if job.Status == domain.JobStatusPaused {
		resumed, err := svc.Ledger.Resume(ctx, job.ID)
		if err != nil {
			return err
		}
		job = resumed
	}
	printJob(out, job)
	return c.enqueue(ctx, job.ID)
}

func (c *cli) jobsRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run JOB_ID",
		Short: "Run an existing pending, paused or orphaned running job inline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := c.services(ctx)
			if err != nil {
				return err
			}
			job, err := svc.Ledger.Status(ctx, args[0])
			if err != nil {
				return err
			}
			return c.runJob(ctx, cmd.OutOrStdout(), svc, job)
		},
	}
}

func (c *cli) jobsStatusCmd() *cobra.Command {
	var showErrors bool
	cmd := &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show a job's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := c.services(cmd.Context())
			if err != nil {
				return err
			}
			job, err := svc.Ledger.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printJob(out, job)
			if showErrors && len(job.ErrorLog) > 0 {
				fmt.Fprintf(out, "\nErrors (%d):\n", len(job.ErrorLog))
				for _, e := range job.ErrorLog {
					fmt.Fprintf(out, "  %s  %-10s %s\n", e.Timestamp.Format(time.RFC3339), e.ItemID, e.Message)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showErrors, "errors", false, "print the error log")
	return cmd
}

func (c *cli) jobsListCmd() *cobra.Command {
	var (
		jobType string
		status  string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" && !domain.JobStatus(status).Valid() {
				return fmt.Errorf("invalid status %q", status)
			}
			svc, err := c.services(cmd.Context())
			if err != nil {
				return err
			}
			jobs, err := svc.Ledger.List(cmd.Context(), ledger.ListFilter{
				JobType:  jobType,
				Status:   status,
				PageSize: limit,
			})
			if err != nil {
				return err
			}
			if len(jobs) > limit {
				jobs = jobs[:limit]
			}

			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found")
				return nil
			}
			fmt.Fprintf(out, "%-36s %-14s %-10s %-12s %s\n", "ID", "TYPE", "STATUS", "PROGRESS", "CREATED")
			for _, job := range jobs {
				progress := fmt.Sprintf("%d/%d", job.Attempted(), job.TotalItems)
				fmt.Fprintf(out, "%-36s %-14s %-10s %-12s %s\n",
					job.ID, job.JobType, job.Status, progress, job.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "", "only jobs of this type")
	cmd.Flags().StringVar(&status, "status", "", "only jobs with this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum jobs to list")
	return cmd
}

func (c *cli) jobsResumeCmd() *cobra.Command {
	var enqueue bool
	cmd := &cobra.Command{
		Use:   "resume JOB_ID",
		Short: "Mark a paused job running again",
		Long: `Mark a paused job running again.

With --enqueue the worker service picks it up; otherwise run it here with
"etlctl jobs run".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := c.services(ctx)
			if err != nil {
				return err
			}
			job, err := svc.Ledger.Resume(ctx, args[0])
			if err != nil {
				return err
			}
			printJob(cmd.OutOrStdout(), job)
			if enqueue {
				return c.enqueue(ctx, job.ID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "hand the job to the worker service")
	return cmd
}

func (c *cli) jobsTransitionCmd(use, short string, transition func(*ledger.Ledger, context.Context, string) (*domain.JobRecord, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " JOB_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := c.services(cmd.Context())
			if err != nil {
				return err
			}
			job, err := transition(svc.Ledger, cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
}

// runJob runs job in this process. A job that ends failed or interrupted
// exits non-zero so the pipeline reports it.
func (c *cli) runJob(ctx context.Context, out io.Writer, svc *app.Services, job *domain.JobRecord) error {
	src, proc, err := svc.Jobs.Build(ctx, job)
	if err != nil {
		return err
	}
	res, err := svc.Runner.Run(ctx, job.ID, src, proc)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Run ended: %s\n", res.Outcome)
	printJob(out, res.Job)
	switch res.Outcome {
	case runner.OutcomeCompleted, runner.OutcomeExhausted, runner.OutcomePaused:
		return nil
	default:
		return &ExitError{Code: 1}
	}
}

func (c *cli) enqueue(ctx context.Context, jobID string) error {
	pub, err := c.opts.Publish(c.cfg, c.log.Logger)
	if err != nil {
		return fmt.Errorf("failed to connect to queue: %w", err)
	}
	defer pub.Close()

	if err := pub.PublishJSON(ctx, domain.JobMessage{JobID: jobID}); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}
	c.log.Info("Job enqueued", slog.String("job_id", jobID))
	return nil
}

func printJob(w io.Writer, job *domain.JobRecord) {
	fmt.Fprintf(w, "Job: %s\n", job.ID)
	fmt.Fprintf(w, "  Type: %s\n", job.JobType)
	fmt.Fprintf(w, "  Status: %s\n", job.Status)
	fmt.Fprintf(w, "  Progress: %d/%d (%.1f%%), %d failed\n",
		job.Attempted(), job.TotalItems, job.ProgressPercentage, job.FailedItems)
	if job.StartedAt != nil {
		fmt.Fprintf(w, "  Started: %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.EstimatedCompletion != nil && !job.Status.IsTerminal() {
		fmt.Fprintf(w, "  ETA: %s\n", job.EstimatedCompletion.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Fprintf(w, "  Finished: %s\n", job.CompletedAt.Format(time.RFC3339))
	}
	if job.Message != "" {
		fmt.Fprintf(w, "  Message: %s\n", job.Message)
	}
	if s := job.ResultsSummary; s != nil {
		fmt.Fprintf(w, "  Success rate: %.1f%%\n", s.SuccessRate*100)
	}
}
