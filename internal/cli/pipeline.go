package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuongbtq/ingest-engine/internal/config"
	"github.com/cuongbtq/ingest-engine/internal/pipeline"
	"github.com/spf13/cobra"
)

func (c *cli) pipelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run the configured import pipeline",
	}
	cmd.AddCommand(c.pipelineRunCmd())
	cmd.AddCommand(c.pipelineListCmd())
	return cmd
}

func (c *cli) pipelineRunCmd() *cobra.Command {
	var stopOnFailure bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every enabled pipeline job in order",
		Long: `Run every enabled pipeline job in order.

Each job runs as a separate etlctl process bounded by its max runtime. The
exit code is non-zero when any job failed, timed out or errored.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("stop-on-failure") {
				stopOnFailure = c.cfg.Pipeline.StopOnFailure
			}

			p, err := c.buildPipeline()
			if err != nil {
				return err
			}
			results := p.RunAll(cmd.Context(), stopOnFailure)
			printResults(cmd.OutOrStdout(), results)

			if code := results.ExitCode(); code != 0 {
				return &ExitError{Code: code}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&stopOnFailure, "stop-on-failure", false, "stop at the first job that does not succeed")
	return cmd
}

func (c *cli) pipelineListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the pipeline jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, spec := range pipelineSpecs(c.cfg) {
				state := "enabled"
				if !spec.Enabled {
					state = "disabled"
				}
				fmt.Fprintf(out, "%-28s %-9s %-8s %s\n", spec.Name, state, spec.MaxRuntime, strings.Join(spec.Args, " "))
			}
			return nil
		},
	}
}

// buildPipeline registers the configured jobs, or the default pipeline when
// none are configured. Child processes inherit this config file.
func (c *cli) buildPipeline() (*pipeline.Pipeline, error) {
	executable := c.cfg.Pipeline.Executable
	if executable == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate etlctl executable: %w", err)
		}
		executable = self
	}

	configPath, err := filepath.Abs(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	env := []string{ConfigPathEnv + "=" + configPath}

	p := pipeline.New(c.log.Logger)
	for _, spec := range pipelineSpecs(c.cfg) {
		if err := p.Register(spec.Descriptor(executable, env)); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func pipelineSpecs(cfg *config.Config) []pipeline.JobSpec {
	if len(cfg.Pipeline.Jobs) == 0 {
		return pipeline.DefaultJobs()
	}
	specs := make([]pipeline.JobSpec, len(cfg.Pipeline.Jobs))
	for i, j := range cfg.Pipeline.Jobs {
		specs[i] = pipeline.JobSpec{
			Name:        j.Name,
			Description: j.Description,
			Args:        j.Args,
			Enabled:     j.Enabled,
			MaxRuntime:  j.MaxRuntime,
		}
	}
	return specs
}

func printResults(w io.Writer, results pipeline.Results) {
	fmt.Fprintf(w, "%-28s %-8s %-10s %s\n", "JOB", "STATUS", "DURATION", "ERROR")
	for _, r := range results {
		fmt.Fprintf(w, "%-28s %-8s %-10s %s\n", r.Name, r.Status, r.Duration.Round(time.Millisecond), r.Error)
	}
}
