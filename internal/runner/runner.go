// Package runner drives a job's work items through the ledger one at a time.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/ingest-engine/internal/domain"
	"github.com/cuongbtq/ingest-engine/internal/ledger"
	"github.com/google/uuid"
)

// WorkSource lists items still needing processing. It must exclude items
// already processed successfully, so a resumed job skips completed work.
type WorkSource interface {
	Pending(ctx context.Context, limit int) ([]domain.WorkItem, error)
}

// Processor handles one item. A returned error counts the item as failed.
type Processor interface {
	Process(ctx context.Context, item domain.WorkItem) error
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc func(ctx context.Context, item domain.WorkItem) error

func (f ProcessorFunc) Process(ctx context.Context, item domain.WorkItem) error {
	return f(ctx, item)
}

// Outcome says how a run ended
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeExhausted   Outcome = "exhausted"
	OutcomePaused      Outcome = "paused"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeThreshold   Outcome = "threshold_exceeded"
	OutcomeInterrupted Outcome = "interrupted"
)

// Result is returned by Run
type Result struct {
	Job       *domain.JobRecord
	Outcome   Outcome
	Attempted int
}

// DefaultClaimTTL is how long a claim survives without a heartbeat
const DefaultClaimTTL = 2 * time.Minute

// Runner executes jobs
type Runner struct {
	ledger   *ledger.Ledger
	logger   *slog.Logger
	name     string
	claimTTL time.Duration
}

// Option configures a Runner
type Option func(*Runner)

// WithName prefixes the claim owner recorded on jobs this runner holds
func WithName(name string) Option {
	return func(r *Runner) {
		r.name = name
	}
}

// WithClaimTTL sets how stale a holder's heartbeat must be before its job
// can be adopted. Heartbeats are sent every third of ttl.
func WithClaimTTL(ttl time.Duration) Option {
	return func(r *Runner) {
		if ttl > 0 {
			r.claimTTL = ttl
		}
	}
}

// New creates a Runner
func New(l *ledger.Ledger, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		ledger:   l,
		logger:   logger,
		name:     "runner",
		claimTTL: DefaultClaimTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes the job's remaining items as the job's only writer. Pause
// and cancel are checked between units; the loop never stops in the middle
// of Process. Context cancellation is treated like a pause except the job
// stays running, so a restarted worker adopts it. A job claimed by another
// live runner returns domain.ErrJobClaimed.
func (r *Runner) Run(ctx context.Context, jobID string, src WorkSource, proc Processor) (*Result, error) {
	job, err := r.begin(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var res *Result
	stopHeartbeat := r.heartbeat(ctx, job)
	defer func() {
		stopHeartbeat()
		if err := r.ledger.Release(context.WithoutCancel(ctx), job); err != nil {
			r.logger.Warn("Failed to release job",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		}
		if res != nil && res.Outcome.Terminal() {
			r.ledger.Forget(jobID)
		}
	}()

	res, err = r.run(ctx, job, src, proc)
	return res, err
}

func (r *Runner) run(ctx context.Context, job *domain.JobRecord, src WorkSource, proc Processor) (*Result, error) {
	cfg, err := domain.ParseJobConfig(job.JobType, job.Config)
	if err != nil {
		return nil, err
	}

	logger := r.logger.With(
		slog.String("job_id", job.ID),
		slog.String("job_type", job.JobType),
	)
	signal := r.ledger.Signal(job.ID)
	res := &Result{Job: job}

	remaining := job.Remaining()
	logger.Info("Job run started",
		slog.Int("remaining", remaining),
		slog.Int("max_errors", cfg.MaxErrors),
		slog.Int("checkpoint_every", cfg.CheckpointEvery),
	)

	if remaining == 0 {
		return r.finish(ctx, job, res, 0, logger)
	}

	// failed items stay excluded from the work source's success filter, so
	// over-fetch by the number of known failures and skip them
	items, err := src.Pending(ctx, remaining+len(job.ErrorLog))
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to load work items: %w", err))
	}

	sinceCheckpoint := 0
	for _, item := range items {
		if res.Attempted >= remaining {
			break
		}
		if job.ErrorLog.Contains(item.Key) {
			continue
		}

		if stop := r.stopRequested(ctx, signal); stop != "" {
			return r.halt(ctx, job, res, stop, logger)
		}

		if perr := proc.Process(ctx, item); perr != nil {
			if err := r.ledger.RecordFailure(job, item.Key, perr); err != nil {
				return nil, err
			}
			logger.Warn("Item failed",
				slog.String("item_id", item.Key),
				slog.Any("error", perr),
			)
		} else if err := r.ledger.RecordProgress(job, 1, 0); err != nil {
			return nil, err
		}
		res.Attempted++
		sinceCheckpoint++

		failed, err := r.ledger.FailOnErrorThreshold(ctx, job, cfg.MaxErrors)
		if err != nil {
			return nil, err
		}
		if failed {
			logger.Error("Error threshold exceeded, job failed",
				slog.Int("failed_items", job.FailedItems),
				slog.Int("max_errors", cfg.MaxErrors),
			)
			res.Outcome = OutcomeThreshold
			return res, nil
		}

		if sinceCheckpoint >= cfg.CheckpointEvery {
			sinceCheckpoint = 0
			status, err := r.ledger.Checkpoint(ctx, job)
			if err != nil {
				return nil, err
			}
			if status != domain.JobStatusRunning {
				return r.observed(job, res, status, logger), nil
			}
		}
	}

	if stop := r.stopRequested(ctx, signal); stop != "" {
		return r.halt(ctx, job, res, stop, logger)
	}
	return r.finish(ctx, job, res, len(items), logger)
}

// begin claims the job. A running job is adopted only when its previous
// holder released it or stopped sending heartbeats.
func (r *Runner) begin(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	job, err := r.ledger.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, jobID, job.Status)
	}

	owner := fmt.Sprintf("%s/%s", r.name, uuid.NewString())
	claimed, err := r.ledger.Claim(ctx, jobID, owner, r.claimTTL)
	if err != nil {
		return nil, err
	}
	if job.Status == domain.JobStatusRunning {
		r.logger.Info("Adopting running job",
			slog.String("job_id", jobID),
			slog.String("previous_owner", job.ClaimedBy),
		)
	}
	return claimed, nil
}

// heartbeat keeps the claim fresh while Process runs longer than a
// checkpoint interval. The returned func stops it and waits.
func (r *Runner) heartbeat(ctx context.Context, job *domain.JobRecord) func() {
	beat := &domain.JobRecord{ID: job.ID, ClaimedBy: job.ClaimedBy}
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(r.claimTTL / 3)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.ledger.Heartbeat(ctx, beat); err != nil {
					r.logger.Warn("Failed to update job heartbeat",
						slog.String("job_id", job.ID),
						slog.Any("error", err),
					)
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

func (r *Runner) stopRequested(ctx context.Context, signal *ledger.Signal) Outcome {
	switch signal.Reason() {
	case ledger.StopPause:
		return OutcomePaused
	case ledger.StopCancel:
		return OutcomeCancelled
	}
	if ctx.Err() != nil {
		return OutcomeInterrupted
	}
	return ""
}

// halt persists committed progress and returns at a unit boundary
func (r *Runner) halt(ctx context.Context, job *domain.JobRecord, res *Result, why Outcome, logger *slog.Logger) (*Result, error) {
	saveCtx := ctx
	if why == OutcomeInterrupted {
		saveCtx = context.WithoutCancel(ctx)
	}

	status, err := r.ledger.Checkpoint(saveCtx, job)
	if err != nil {
		return nil, err
	}
	if why != OutcomeInterrupted {
		return r.observed(job, res, status, logger), nil
	}

	logger.Info("Job run interrupted",
		slog.Int("processed", job.ProcessedItems),
		slog.Int("failed", job.FailedItems),
	)
	res.Outcome = OutcomeInterrupted
	return res, nil
}

// observed maps a persisted non-running status to an outcome
func (r *Runner) observed(job *domain.JobRecord, res *Result, status domain.JobStatus, logger *slog.Logger) *Result {
	switch status {
	case domain.JobStatusPaused:
		res.Outcome = OutcomePaused
	case domain.JobStatusFailed:
		res.Outcome = OutcomeCancelled
	default:
		res.Outcome = Outcome(status)
	}
	logger.Info("Job run stopped",
		slog.String("status", string(status)),
		slog.Int("processed", job.ProcessedItems),
		slog.Int("failed", job.FailedItems),
	)
	return res
}

func (r *Runner) finish(ctx context.Context, job *domain.JobRecord, res *Result, fetched int, logger *slog.Logger) (*Result, error) {
	status, err := r.ledger.Checkpoint(ctx, job)
	if err != nil {
		return nil, err
	}
	if status != domain.JobStatusRunning {
		return r.observed(job, res, status, logger), nil
	}

	done, err := r.ledger.CompleteIfDone(ctx, job)
	if err != nil {
		return nil, err
	}
	if done {
		res.Outcome = OutcomeCompleted
	} else {
		msg := fmt.Sprintf("work source exhausted after %d of %d items", job.Attempted(), job.TotalItems)
		if err := r.ledger.Complete(ctx, job, msg); err != nil {
			return nil, err
		}
		res.Outcome = OutcomeExhausted
	}

	logger.Info("Job run finished",
		slog.String("outcome", string(res.Outcome)),
		slog.Int("processed", job.ProcessedItems),
		slog.Int("failed", job.FailedItems),
		slog.Int("fetched", fetched),
	)
	return res, nil
}

// Terminal reports whether the outcome finished the job
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeCompleted, OutcomeExhausted, OutcomeCancelled, OutcomeThreshold:
		return true
	}
	return false
}

// IsStopped reports whether err came from a job this runner can no longer
// run, because it finished, vanished or belongs to another live runner
func IsStopped(err error) bool {
	return errors.Is(err, domain.ErrInvalidTransition) ||
		errors.Is(err, domain.ErrJobNotFound) ||
		errors.Is(err, domain.ErrJobClaimed)
}
