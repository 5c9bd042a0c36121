package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/ingest-engine/internal/domain"
	"github.com/cuongbtq/ingest-engine/internal/ledger"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const jobColumns = `
	id, job_type, total_items, processed_items, failed_items, status,
	progress_percentage, started_at, paused_at, completed_at, estimated_completion,
	config, error_log, results_summary, message, claimed_by, last_heartbeat,
	created_at, updated_at`

// LedgerStore persists job records in the jobs table
type LedgerStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewLedgerStore creates a LedgerStore
func NewLedgerStore(db *sqlx.DB, logger *slog.Logger) *LedgerStore {
	return &LedgerStore{db: db, logger: logger}
}

var _ ledger.Store = (*LedgerStore)(nil)

// Insert creates a job row
func (s *LedgerStore) Insert(ctx context.Context, job *domain.JobRecord) error {
	query := `
		INSERT INTO jobs (
			id, job_type, total_items, processed_items, failed_items, status,
			progress_percentage, config, error_log, message, created_at, updated_at
		) VALUES (
			:id, :job_type, :total_items, :processed_items, :failed_items, :status,
			:progress_percentage, :config, :error_log, :message, :created_at, :updated_at
		)
	`

	if _, err := s.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// Get retrieves a job by id
func (s *LedgerStore) Get(ctx context.Context, id string) (*domain.JobRecord, error) {
	var job domain.JobRecord
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	if err := s.db.GetContext(ctx, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// List returns up to PageSize+1 jobs so callers can tell whether more exist
func (s *LedgerStore) List(ctx context.Context, filter ledger.ListFilter) ([]domain.JobRecord, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.JobType != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, filter.JobType)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"

	if filter.PageSize > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.PageSize+1)
	}

	var jobs []domain.JobRecord
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// Transition changes status only when the current status is in req.From.
// It mirrors ledger.ApplyTransition.
func (s *LedgerStore) Transition(ctx context.Context, req ledger.TransitionRequest) (*domain.JobRecord, error) {
	query := `
		UPDATE jobs
		SET status = $1::text,
			started_at = CASE WHEN $1::text = 'running' THEN COALESCE(started_at, $2) ELSE started_at END,
			paused_at = CASE
				WHEN $1::text = 'paused' THEN $2
				WHEN $1::text = 'running' THEN NULL
				ELSE paused_at
			END,
			completed_at = CASE WHEN $1::text IN ('completed', 'failed') THEN $2 ELSE completed_at END,
			estimated_completion = CASE WHEN $1::text IN ('completed', 'failed') THEN NULL ELSE estimated_completion END,
			progress_percentage = CASE WHEN $1::text = 'completed' THEN 100 ELSE progress_percentage END,
			message = CASE WHEN $3::text <> '' THEN $3::text ELSE message END,
			results_summary = COALESCE($4, results_summary),
			claimed_by = CASE WHEN $7::text IS NOT NULL AND $1::text IN ('completed', 'failed') THEN '' ELSE claimed_by END,
			last_heartbeat = CASE WHEN $7::text IS NOT NULL AND $1::text IN ('completed', 'failed') THEN NULL ELSE last_heartbeat END,
			updated_at = $2
		WHERE id = $5
		  AND status = ANY($6)
		  AND ($7::text IS NULL OR claimed_by = $7::text)
		RETURNING ` + jobColumns

	from := make([]string, len(req.From))
	for i, st := range req.From {
		from[i] = string(st)
	}

	var job domain.JobRecord
	err := s.db.GetContext(ctx, &job, query,
		string(req.To), req.At, req.Message, req.Summary, req.ID, pq.Array(from), req.Owner,
	)
	if err == nil {
		return &job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to transition job: %w", err)
	}

	// distinguish a missing job from a rejected transition
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, req.ID); err != nil {
		return nil, fmt.Errorf("failed to check job: %w", err)
	}
	if !exists {
		return nil, domain.ErrJobNotFound
	}

	s.logger.Warn("Job transition rejected - status changed",
		slog.String("job_id", req.ID),
		slog.String("to", string(req.To)),
	)
	return nil, domain.ErrInvalidTransition
}

// Claim takes the job for req.Owner, moving it to running. The claim and
// status checks happen in the UPDATE so two runners never both win.
func (s *LedgerStore) Claim(ctx context.Context, req ledger.ClaimRequest) (*domain.JobRecord, error) {
	query := `
		UPDATE jobs
		SET status = 'running',
			started_at = COALESCE(started_at, $1),
			paused_at = NULL,
			claimed_by = $2,
			last_heartbeat = $1,
			updated_at = $1
		WHERE id = $3
		  AND status IN ('pending', 'running', 'paused')
		  AND (claimed_by = '' OR claimed_by = $2 OR last_heartbeat IS NULL OR last_heartbeat < $4)
		RETURNING ` + jobColumns

	var job domain.JobRecord
	err := s.db.GetContext(ctx, &job, query, req.At, req.Owner, req.ID, req.StaleBefore)
	if err == nil {
		s.logger.Info("Job claimed successfully",
			slog.String("job_id", req.ID),
			slog.String("owner", req.Owner),
		)
		return &job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	status, err := s.status(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if status.IsTerminal() {
		return nil, domain.ErrInvalidTransition
	}
	s.logger.Warn("Failed to claim job - held by a live runner",
		slog.String("job_id", req.ID),
		slog.String("owner", req.Owner),
	)
	return nil, domain.ErrJobClaimed
}

// Heartbeat refreshes last_heartbeat while owner holds the claim
func (s *LedgerStore) Heartbeat(ctx context.Context, id, owner string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET last_heartbeat = $1
		WHERE id = $2 AND claimed_by = $3 AND claimed_by <> ''`,
		at, id, owner,
	)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrJobClaimed
	}
	return nil
}

// Release clears the claim if owner still holds it
func (s *LedgerStore) Release(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET claimed_by = '', last_heartbeat = NULL
		WHERE id = $1 AND claimed_by = $2 AND claimed_by <> ''`,
		id, owner,
	)
	if err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	return nil
}

// SaveProgress writes counters, percentage, ETA and the error log. The
// claim holder's save also refreshes its heartbeat.
func (s *LedgerStore) SaveProgress(ctx context.Context, job *domain.JobRecord) error {
	query := `
		UPDATE jobs
		SET processed_items = $1,
			failed_items = $2,
			progress_percentage = $3,
			estimated_completion = $4,
			error_log = $5,
			updated_at = $6,
			last_heartbeat = CASE WHEN claimed_by <> '' THEN $6 ELSE last_heartbeat END
		WHERE id = $7
		  AND claimed_by = $8
		  AND (claimed_by <> '' OR status IN ('running', 'paused'))
	`

	result, err := s.db.ExecContext(ctx, query,
		job.ProcessedItems, job.FailedItems, job.ProgressPercentage,
		job.EstimatedCompletion, job.ErrorLog, job.UpdatedAt, job.ID, job.ClaimedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to save job progress: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	if _, err := s.status(ctx, job.ID); err != nil {
		return err
	}
	s.logger.Warn("Job progress rejected - claim or status changed",
		slog.String("job_id", job.ID),
	)
	return domain.ErrInvalidTransition
}

// Active returns the newest running or paused job of jobType
func (s *LedgerStore) Active(ctx context.Context, jobType string) (*domain.JobRecord, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE job_type = $1 AND status IN ('running', 'paused')
		ORDER BY created_at DESC
		LIMIT 1`
	return s.one(ctx, query, jobType)
}

// Latest returns the newest job of jobType
func (s *LedgerStore) Latest(ctx context.Context, jobType string) (*domain.JobRecord, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE job_type = $1
		ORDER BY created_at DESC
		LIMIT 1`
	return s.one(ctx, query, jobType)
}

func (s *LedgerStore) status(ctx context.Context, id string) (domain.JobStatus, error) {
	var status domain.JobStatus
	if err := s.db.GetContext(ctx, &status, `SELECT status FROM jobs WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrJobNotFound
		}
		return "", fmt.Errorf("failed to get job status: %w", err)
	}
	return status, nil
}

func (s *LedgerStore) one(ctx context.Context, query string, args ...interface{}) (*domain.JobRecord, error) {
	var job domain.JobRecord
	if err := s.db.GetContext(ctx, &job, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}
