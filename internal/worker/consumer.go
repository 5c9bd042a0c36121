package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/cuongbtq/ingest-engine/internal/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// dispatch parses deliveries and hands them to the worker goroutines.
// Malformed messages are rejected without requeue.
func (w *Worker) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			msg, ok := w.parse(delivery)
			if !ok {
				if err := delivery.Nack(false, false); err != nil {
					w.logger.Error("Failed to NACK malformed message", slog.String("error", err.Error()))
				}
				continue
			}

			select {
			case w.tasks <- task{msg: msg, delivery: delivery}:
				w.logger.Debug("Job dispatched",
					slog.String("job_id", msg.JobID),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				if err := delivery.Nack(false, true); err != nil {
					w.logger.Error("Failed to NACK message on shutdown", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

func (w *Worker) parse(delivery amqp.Delivery) (domain.JobMessage, bool) {
	var msg domain.JobMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		w.logger.Error("Failed to parse message JSON",
			slog.String("error", err.Error()),
			slog.String("body", string(delivery.Body)),
		)
		return msg, false
	}

	if _, err := uuid.Parse(msg.JobID); err != nil {
		w.logger.Error("Invalid job_id format - not a UUID",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		return msg, false
	}

	msg.DeliveryTag = delivery.DeliveryTag
	return msg, true
}
