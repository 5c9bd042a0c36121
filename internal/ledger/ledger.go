// Package ledger is the persistent state machine for batch jobs:
//
//	pending -> running -> {paused -> running}* -> {completed | failed}
//
// Every status change is a conditional transition in the Store, so a
// runner's checkpoint never overwrites a pause or cancel issued elsewhere.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/ingest-engine/internal/domain"
	"github.com/google/uuid"
)

// Ledger applies job lifecycle operations to a Store
type Ledger struct {
	store   Store
	signals *Signals
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Ledger
type Option func(*Ledger)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithSignals shares a signal registry between ledgers in one process
func WithSignals(s *Signals) Option {
	return func(l *Ledger) {
		l.signals = s
	}
}

// New creates a Ledger over store
func New(store Store, logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		signals: NewSignals(),
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create records a new pending job with a fixed item count. A job with no
// items is completed immediately.
func (l *Ledger) Create(ctx context.Context, jobType string, totalItems int, rawConfig json.RawMessage) (*domain.JobRecord, error) {
	if totalItems < 0 {
		return nil, fmt.Errorf("%w: total_items must not be negative", domain.ErrInvalidConfig)
	}
	if _, err := domain.ParseJobConfig(jobType, rawConfig); err != nil {
		return nil, err
	}
	if len(rawConfig) == 0 {
		rawConfig = json.RawMessage(`{}`)
	}

	now := l.now()
	job := &domain.JobRecord{
		ID:         uuid.NewString(),
		JobType:    jobType,
		TotalItems: totalItems,
		Status:     domain.JobStatusPending,
		Config:     rawConfig,
		ErrorLog:   domain.ErrorLog{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := l.store.Insert(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	l.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.String("job_type", jobType),
		slog.Int("total_items", totalItems),
	)

	if totalItems == 0 {
		return l.transition(ctx, TransitionRequest{
			ID:      job.ID,
			From:    []domain.JobStatus{domain.JobStatusPending},
			To:      domain.JobStatusCompleted,
			Message: "no items to process",
			Summary: job.Summarize(),
		})
	}
	return job, nil
}

// Start moves a pending or paused job to running
func (l *Ledger) Start(ctx context.Context, id string) (*domain.JobRecord, error) {
	job, err := l.transition(ctx, TransitionRequest{
		ID:   id,
		From: []domain.JobStatus{domain.JobStatusPending, domain.JobStatusPaused},
		To:   domain.JobStatusRunning,
	})
	if err != nil {
		return nil, err
	}
	l.signals.Reset(id)
	return job, nil
}

// Claim makes owner the job's single writer and moves it to running. A
// running or paused job held by another owner is adopted only once that
// owner's heartbeat is older than ttl, so a crashed runner's job can be
// picked up again while a live one is left alone.
func (l *Ledger) Claim(ctx context.Context, id, owner string, ttl time.Duration) (*domain.JobRecord, error) {
	if owner == "" {
		return nil, fmt.Errorf("claim owner is required")
	}
	now := l.now()
	job, err := l.store.Claim(ctx, ClaimRequest{
		ID:          id,
		Owner:       owner,
		At:          now,
		StaleBefore: now.Add(-ttl),
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobClaimed):
			l.logger.Warn("Job already claimed, skipping",
				slog.String("job_id", id),
				slog.String("owner", owner),
			)
			return nil, fmt.Errorf("%w: job %s", err, id)
		case errors.Is(err, domain.ErrInvalidTransition):
			return nil, fmt.Errorf("%w: job %s is finished", err, id)
		case errors.Is(err, domain.ErrJobNotFound):
			return nil, err
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	l.signals.Reset(id)
	l.logger.Info("Job claimed",
		slog.String("job_id", id),
		slog.String("owner", owner),
	)
	return job, nil
}

// Heartbeat refreshes the claim held by job.ClaimedBy
func (l *Ledger) Heartbeat(ctx context.Context, job *domain.JobRecord) error {
	if err := l.store.Heartbeat(ctx, job.ID, job.ClaimedBy, l.now()); err != nil {
		if errors.Is(err, domain.ErrJobClaimed) || errors.Is(err, domain.ErrJobNotFound) {
			return err
		}
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}
	return nil
}

// Release gives up the claim held by job.ClaimedBy so the job can be
// adopted without waiting for the heartbeat to go stale
func (l *Ledger) Release(ctx context.Context, job *domain.JobRecord) error {
	if job.ClaimedBy == "" {
		return nil
	}
	if err := l.store.Release(ctx, job.ID, job.ClaimedBy); err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	return nil
}

// Forget drops the in-process stop signal of a finished job
func (l *Ledger) Forget(id string) {
	l.signals.Forget(id)
}

// Pause moves a running job to paused and asks any in-flight runner to stop
// at the next unit boundary
func (l *Ledger) Pause(ctx context.Context, id string) (*domain.JobRecord, error) {
	job, err := l.transition(ctx, TransitionRequest{
		ID:   id,
		From: []domain.JobStatus{domain.JobStatusRunning},
		To:   domain.JobStatusPaused,
	})
	if err != nil {
		return nil, err
	}
	l.signals.Raise(id, StopPause)
	return job, nil
}

// Resume moves a paused job back to running
func (l *Ledger) Resume(ctx context.Context, id string) (*domain.JobRecord, error) {
	job, err := l.transition(ctx, TransitionRequest{
		ID:   id,
		From: []domain.JobStatus{domain.JobStatusPaused},
		To:   domain.JobStatusRunning,
	})
	if err != nil {
		return nil, err
	}
	l.signals.Reset(id)
	return job, nil
}

// Cancel fails any non-terminal job. Cancelled jobs are never retried.
func (l *Ledger) Cancel(ctx context.Context, id string) (*domain.JobRecord, error) {
	current, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	job, err := l.transition(ctx, TransitionRequest{
		ID:      id,
		From:    domain.NonTerminalStatuses(),
		To:      domain.JobStatusFailed,
		Message: domain.ErrCanceled.Error(),
		Summary: current.Summarize(),
	})
	if err != nil {
		return nil, err
	}
	l.signals.Raise(id, StopCancel)
	return job, nil
}

// Status returns a snapshot of the job
func (l *Ledger) Status(ctx context.Context, id string) (*domain.JobRecord, error) {
	return l.store.Get(ctx, id)
}

// List returns jobs matching filter, newest first
func (l *Ledger) List(ctx context.Context, filter ListFilter) ([]domain.JobRecord, error) {
	return l.store.List(ctx, filter)
}

// Active returns the running or paused job of jobType, if any
func (l *Ledger) Active(ctx context.Context, jobType string) (*domain.JobRecord, error) {
	return l.store.Active(ctx, jobType)
}

// Latest returns the most recently created job of jobType
func (l *Ledger) Latest(ctx context.Context, jobType string) (*domain.JobRecord, error) {
	return l.store.Latest(ctx, jobType)
}

// Signal returns the live stop signal for id
func (l *Ledger) Signal(id string) *Signal {
	return l.signals.Get(id)
}

// RecordProgress applies counter deltas to job in memory and recomputes the
// percentage and ETA. Nothing is persisted until Checkpoint.
func (l *Ledger) RecordProgress(job *domain.JobRecord, processedDelta, failedDelta int) error {
	if processedDelta < 0 || failedDelta < 0 {
		return fmt.Errorf("progress deltas must not be negative")
	}
	processed := job.ProcessedItems + processedDelta
	failed := job.FailedItems + failedDelta
	if processed+failed > job.TotalItems {
		return fmt.Errorf("%w: %d+%d > %d", domain.ErrCounterOverflow, processed, failed, job.TotalItems)
	}

	now := l.now()
	job.ProcessedItems = processed
	job.FailedItems = failed
	job.UpdatedAt = now

	done := job.Attempted()
	if job.TotalItems > 0 {
		job.ProgressPercentage = float64(done) / float64(job.TotalItems) * 100
	}

	if job.StartedAt != nil && done > 0 {
		elapsed := now.Sub(*job.StartedAt)
		perItem := elapsed / time.Duration(done)
		eta := now.Add(perItem * time.Duration(job.Remaining()))
		job.EstimatedCompletion = &eta
	}
	return nil
}

// RecordFailure counts one failed item and appends it to the error log
func (l *Ledger) RecordFailure(job *domain.JobRecord, itemID string, cause error) error {
	if err := l.RecordProgress(job, 0, 1); err != nil {
		return err
	}
	job.ErrorLog = append(job.ErrorLog, domain.ErrorEntry{
		ItemID:    itemID,
		Message:   cause.Error(),
		Timestamp: l.now(),
	})
	return nil
}

// Checkpoint persists counters, ETA and the error log, then returns the
// persisted status so pauses and cancels from other processes are observed.
// A writer that lost its claim gets domain.ErrJobClaimed unless the job has
// already finished, in which case the finished status is returned.
func (l *Ledger) Checkpoint(ctx context.Context, job *domain.JobRecord) (domain.JobStatus, error) {
	saveErr := l.store.SaveProgress(ctx, job)
	if saveErr != nil && !errors.Is(saveErr, domain.ErrInvalidTransition) {
		return "", fmt.Errorf("failed to save progress: %w", saveErr)
	}

	current, err := l.store.Get(ctx, job.ID)
	if err != nil {
		return "", fmt.Errorf("failed to reload job: %w", err)
	}
	if saveErr != nil {
		if current.Status.IsTerminal() {
			job.Status = current.Status
			job.Message = current.Message
			return current.Status, nil
		}
		return "", fmt.Errorf("%w: job %s lost its claim", domain.ErrJobClaimed, job.ID)
	}
	job.Status = current.Status
	job.PausedAt = current.PausedAt
	job.CompletedAt = current.CompletedAt
	job.Message = current.Message

	l.logger.Debug("Checkpoint saved",
		slog.String("job_id", job.ID),
		slog.Int("processed", job.ProcessedItems),
		slog.Int("failed", job.FailedItems),
		slog.Float64("progress", job.ProgressPercentage),
	)
	return current.Status, nil
}

// CompleteIfDone completes the job once every item has been attempted
func (l *Ledger) CompleteIfDone(ctx context.Context, job *domain.JobRecord) (bool, error) {
	if job.Attempted() != job.TotalItems {
		return false, nil
	}
	msg := fmt.Sprintf("processed %d of %d items (%d failed)", job.ProcessedItems, job.TotalItems, job.FailedItems)
	if err := l.finish(ctx, job, domain.JobStatusCompleted, msg); err != nil {
		return false, err
	}
	return true, nil
}

// Complete completes the job before every item was attempted, for example
// when the work source ran dry
func (l *Ledger) Complete(ctx context.Context, job *domain.JobRecord, message string) error {
	return l.finish(ctx, job, domain.JobStatusCompleted, message)
}

// FailOnErrorThreshold fails the job once failed items exceed maxErrors,
// persisting the error log snapshot
func (l *Ledger) FailOnErrorThreshold(ctx context.Context, job *domain.JobRecord, maxErrors int) (bool, error) {
	if job.FailedItems <= maxErrors {
		return false, nil
	}
	msg := fmt.Sprintf("%s: %d failed items (max %d)", domain.ErrThresholdExceeded, job.FailedItems, maxErrors)
	if err := l.finish(ctx, job, domain.JobStatusFailed, msg); err != nil {
		return false, err
	}
	return true, nil
}

func (l *Ledger) finish(ctx context.Context, job *domain.JobRecord, to domain.JobStatus, message string) error {
	if err := l.store.SaveProgress(ctx, job); err != nil {
		return fmt.Errorf("failed to save progress: %w", err)
	}

	from := []domain.JobStatus{domain.JobStatusRunning}
	if to == domain.JobStatusFailed {
		from = append(from, domain.JobStatusPaused)
	}

	owner := job.ClaimedBy
	updated, err := l.transition(ctx, TransitionRequest{
		ID:      job.ID,
		From:    from,
		To:      to,
		Message: message,
		Summary: job.Summarize(),
		Owner:   &owner,
	})
	if err != nil {
		return err
	}
	*job = *updated
	return nil
}

func (l *Ledger) transition(ctx context.Context, req TransitionRequest) (*domain.JobRecord, error) {
	req.At = l.now()

	job, err := l.store.Transition(ctx, req)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			l.logger.Warn("Rejected job transition",
				slog.String("job_id", req.ID),
				slog.String("to", string(req.To)),
			)
			return nil, fmt.Errorf("%w: cannot move job %s to %s", err, req.ID, req.To)
		}
		if errors.Is(err, domain.ErrJobNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update job status: %w", err)
	}

	l.logger.Info("Job status updated",
		slog.String("job_id", job.ID),
		slog.String("status", string(job.Status)),
	)
	return job, nil
}
