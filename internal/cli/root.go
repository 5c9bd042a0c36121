// Package cli implements etlctl, the operator command line for the imports,
// the batch jobs and the pipeline.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cuongbtq/ingest-engine/internal/app"
	"github.com/cuongbtq/ingest-engine/internal/config"
	"github.com/cuongbtq/ingest-engine/shared/logger"
	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "0.1.0"

const (
	// ConfigPathEnv names the config file for etlctl and the pipeline's
	// child processes
	ConfigPathEnv     = "ETLCTL_CONFIG_PATH"
	defaultConfigPath = "configs/etlctl/config.yaml"
)

// Publisher enqueues job messages for the worker service
type Publisher interface {
	PublishJSON(ctx context.Context, v any) error
	Close() error
}

// Options replaces the outputs and the service connections
type Options struct {
	Out io.Writer
	Err io.Writer
	// Connect builds the service graph, app.New when nil
	Connect func(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app.Services, error)
	// Publish connects to the job queue, RabbitMQ when nil
	Publish func(cfg *config.Config, log *slog.Logger) (Publisher, error)
}

// ExitError ends the process with Code after its output was already printed
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

type cli struct {
	opts       Options
	configPath string
	cfg        *config.Config
	log        *logger.Logger
	svc        *app.Services
}

// Execute runs etlctl with args and returns the process exit code
func Execute(ctx context.Context, args []string, opts Options) int {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	if opts.Connect == nil {
		opts.Connect = app.New
	}
	if opts.Publish == nil {
		opts.Publish = func(cfg *config.Config, log *slog.Logger) (Publisher, error) {
			return app.InitRabbitMQ(&cfg.RabbitMQ, log)
		}
	}

	c := &cli{opts: opts}
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetOut(opts.Out)
	root.SetErr(opts.Err)

	err := root.ExecuteContext(ctx)
	c.close()
	if err == nil {
		return 0
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	fmt.Fprintf(opts.Err, "Error: %v\n", err)
	return 1
}

func (c *cli) rootCmd() *cobra.Command {
	defaultPath := os.Getenv(ConfigPathEnv)
	if defaultPath == "" {
		defaultPath = defaultConfigPath
	}

	root := &cobra.Command{
		Use:   "etlctl",
		Short: "Run and supervise ingest imports and batch jobs",
		Long: `etlctl drives the ingest engine from the command line.

It runs the resumable catalog and dataset imports, starts and supervises
batch enrichment jobs, and runs the configured import pipeline.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config-file", "c", defaultPath, "path to configuration file")

	root.AddCommand(c.migrateCmd())
	root.AddCommand(c.importCmd())
	root.AddCommand(c.jobsCmd())
	root.AddCommand(c.pipelineCmd())
	root.AddCommand(c.datasetCmd())
	return root
}

func (c *cli) load() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateCLIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := app.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	c.cfg = cfg
	c.log = log
	return nil
}

// services connects on first use so commands that need no database stay
// offline
func (c *cli) services(ctx context.Context) (*app.Services, error) {
	if c.svc != nil {
		return c.svc, nil
	}
	svc, err := c.opts.Connect(ctx, c.cfg, c.log.Logger)
	if err != nil {
		return nil, err
	}
	c.svc = svc
	return svc, nil
}

func (c *cli) close() {
	if c.svc != nil {
		if err := c.svc.Close(); err != nil {
			fmt.Fprintf(c.opts.Err, "Warning: failed to close connections: %v\n", err)
		}
	}
	if c.log != nil {
		c.log.Close()
	}
}
