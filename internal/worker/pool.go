package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cuongbtq/ingest-engine/internal/domain"
)

// workerLoop processes tasks until the dispatcher closes the channel
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	logger := w.logger.With(slog.Int("worker_num", workerNum))

	for t := range w.tasks {
		logger.Info("Worker received job",
			slog.String("job_id", t.msg.JobID),
			slog.Uint64("delivery_tag", t.msg.DeliveryTag),
		)

		err := w.processJob(ctx, t.msg)
		if err == nil {
			if ackErr := t.delivery.Ack(false); ackErr != nil {
				logger.Error("Failed to ACK message",
					slog.String("job_id", t.msg.JobID),
					slog.String("error", ackErr.Error()),
				)
			}
			continue
		}

		requeue := shouldRequeueJob(err)
		logger.Error("Job processing failed",
			slog.String("job_id", t.msg.JobID),
			slog.String("error", err.Error()),
			slog.Bool("requeue", requeue),
		)
		if nackErr := t.delivery.Nack(false, requeue); nackErr != nil {
			logger.Error("Failed to NACK message",
				slog.String("job_id", t.msg.JobID),
				slog.String("error", nackErr.Error()),
			)
		}
	}
}

// shouldRequeueJob requeues only transient failures. Invalid payloads,
// missing jobs and operator cancellations are dropped.
func shouldRequeueJob(err error) bool {
	if errors.Is(err, domain.ErrInvalidPayload) || errors.Is(err, domain.ErrCanceled) {
		return false
	}
	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}
