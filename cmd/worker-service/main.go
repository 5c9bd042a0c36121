package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/ingest-engine/internal/app"
	"github.com/cuongbtq/ingest-engine/internal/config"
	"github.com/cuongbtq/ingest-engine/internal/worker"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := app.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := app.New(ctx, cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer services.Close()

	appLogger.Info("Database connection established")

	rabbitClient, err := app.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	w := worker.NewWorker(&worker.Config{
		Logger:      appLogger.Logger,
		Consumer:    rabbitClient,
		Jobs:        services.Ledger,
		Builder:     services.Jobs,
		Runner:      services.Runner,
		Concurrency: cfg.Worker.Concurrency,
	})

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	g := new(errgroup.Group)
	g.Go(func() error {
		return w.Start(runCtx)
	})

	appLogger.Info("Worker service started successfully")

	// the running job stops at its next unit boundary once runCtx is
	// cancelled, and is requeued for the next worker
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case <-ctx.Done():
		appLogger.Info("Received signal, shutting down gracefully")
	case err := <-done:
		if err != nil {
			appLogger.Error("Worker error", slog.Any("error", err))
		}
		return err
	}

	cancelRun()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}
