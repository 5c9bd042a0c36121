package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/ingest-engine/internal/domain"
	"github.com/cuongbtq/ingest-engine/internal/runner"
)

// processJob runs one job to its next stopping point. A nil return acks the
// message: the job finished, was paused, was cancelled or no longer needs
// running.
func (w *Worker) processJob(ctx context.Context, msg domain.JobMessage) error {
	logger := w.logger.With(slog.String("job_id", msg.JobID))

	job, err := w.jobs.Status(ctx, msg.JobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		return fmt.Errorf("%w: job %s does not exist", domain.ErrInvalidPayload, msg.JobID)
	}
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to load job: %w", err))
	}

	switch job.Status {
	case domain.JobStatusCompleted, domain.JobStatusFailed:
		logger.Info("Job already finished, dropping message", slog.String("status", string(job.Status)))
		return nil
	case domain.JobStatusPaused:
		logger.Info("Job is paused, waiting for resume")
		return nil
	}

	src, proc, err := w.builder.Build(ctx, job)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidConfig) || errors.Is(err, domain.ErrUnknownJobType) {
			return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		return domain.NewRetryableError(fmt.Errorf("failed to build job: %w", err))
	}

	res, err := w.runner.Run(ctx, job.ID, src, proc)
	if err != nil {
		if runner.IsStopped(err) {
			logger.Info("Job can no longer run", slog.String("reason", err.Error()))
			return nil
		}
		var retryable *domain.RetryableError
		if errors.As(err, &retryable) {
			return err
		}
		return domain.NewRetryableError(fmt.Errorf("job run failed: %w", err))
	}

	logger.Info("Job run returned",
		slog.String("outcome", string(res.Outcome)),
		slog.Int("attempted", res.Attempted),
		slog.Int("processed", res.Job.ProcessedItems),
		slog.Int("failed", res.Job.FailedItems),
	)

	if res.Outcome == runner.OutcomeInterrupted {
		return domain.NewRetryableError(errors.New("job interrupted by shutdown"))
	}
	return nil
}
