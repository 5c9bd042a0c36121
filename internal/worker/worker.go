// Package worker consumes job messages from RabbitMQ and drives each job
// through the runner, one at a time.
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/ingest-engine/internal/domain"
	"github.com/cuongbtq/ingest-engine/internal/runner"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// Consumer delivers queued job messages
type Consumer interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// JobLoader reads job records
type JobLoader interface {
	Status(ctx context.Context, id string) (*domain.JobRecord, error)
}

// JobBuilder returns the work source and processor for a job
type JobBuilder interface {
	Build(ctx context.Context, job *domain.JobRecord) (runner.WorkSource, runner.Processor, error)
}

// JobRunner runs a job to a stopping point
type JobRunner interface {
	Run(ctx context.Context, jobID string, src runner.WorkSource, proc runner.Processor) (*runner.Result, error)
}

// Config holds worker configuration
type Config struct {
	Logger      *slog.Logger
	Consumer    Consumer
	Jobs        JobLoader
	Builder     JobBuilder
	Runner      JobRunner
	Concurrency int
	// WorkerID is the consumer tag, generated when empty
	WorkerID string
}

// task is one delivery waiting for a worker goroutine
type task struct {
	msg      domain.JobMessage
	delivery amqp.Delivery
}

// Worker represents the background job worker
type Worker struct {
	logger      *slog.Logger
	consumer    Consumer
	jobs        JobLoader
	builder     JobBuilder
	runner      JobRunner
	concurrency int
	workerID    string
	tasks       chan task
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		logger:      cfg.Logger.With(slog.String("worker_id", workerID)),
		consumer:    cfg.Consumer,
		jobs:        cfg.Jobs,
		builder:     cfg.Builder,
		runner:      cfg.Runner,
		concurrency: concurrency,
		workerID:    workerID,
		tasks:       make(chan task),
	}
}

// Start consumes until ctx is cancelled or the delivery channel closes.
// A job interrupted by shutdown is requeued and adopted on the next start.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker", slog.Int("concurrency", w.concurrency))

	deliveries, err := w.consumer.Consume(w.workerID)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(w.tasks)
		w.dispatch(gctx, deliveries)
		return nil
	})
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			w.workerLoop(gctx, i)
			return nil
		})
	}

	err = g.Wait()
	w.logger.Info("Worker stopped")
	return err
}
