package ledger

import (
	"context"
	"time"

	"github.com/cuongbtq/ingest-engine/internal/domain"
)

// TransitionRequest describes a conditional status change. The store applies
// it only when the job's current status is one of From.
type TransitionRequest struct {
	ID      string
	From    []domain.JobStatus
	To      domain.JobStatus
	At      time.Time
	Message string
	// Summary is recorded on terminal transitions
	Summary *domain.ResultsSummary
	// Owner, when set, requires the job to be claimed by *Owner. A terminal
	// transition by the owner releases the claim.
	Owner *string
}

// ClaimRequest makes Owner the single writer of a non-terminal job. A job
// held by another owner is taken over only when its heartbeat is older
// than StaleBefore.
type ClaimRequest struct {
	ID          string
	Owner       string
	At          time.Time
	StaleBefore time.Time
}

// Cursor marks a position in a created_at DESC, id DESC listing
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// ListFilter narrows a job listing
type ListFilter struct {
	JobType  string
	Status   string
	PageSize int
	Cursor   *Cursor
}

// Store persists job records. Transition and Claim must be atomic with
// respect to the status and claim checks; SaveProgress must never modify
// status.
//
// SaveProgress only writes when job.ClaimedBy still holds the claim. The
// holder may save after an operator cancel; an unclaimed writer only while
// the job is running or paused. Any other write returns
// domain.ErrInvalidTransition.
type Store interface {
	Insert(ctx context.Context, job *domain.JobRecord) error
	Get(ctx context.Context, id string) (*domain.JobRecord, error)
	List(ctx context.Context, filter ListFilter) ([]domain.JobRecord, error)
	Transition(ctx context.Context, req TransitionRequest) (*domain.JobRecord, error)
	Claim(ctx context.Context, req ClaimRequest) (*domain.JobRecord, error)
	Heartbeat(ctx context.Context, id, owner string, at time.Time) error
	Release(ctx context.Context, id, owner string) error
	SaveProgress(ctx context.Context, job *domain.JobRecord) error
	Active(ctx context.Context, jobType string) (*domain.JobRecord, error)
	Latest(ctx context.Context, jobType string) (*domain.JobRecord, error)
}

// ApplyTransition mutates job the way every Store implementation must for req.
// Callers have already checked the From condition.
func ApplyTransition(job *domain.JobRecord, req TransitionRequest) {
	at := req.At
	job.Status = req.To
	job.UpdatedAt = at

	switch req.To {
	case domain.JobStatusRunning:
		if job.StartedAt == nil {
			job.StartedAt = &at
		}
		job.PausedAt = nil
	case domain.JobStatusPaused:
		job.PausedAt = &at
	case domain.JobStatusCompleted:
		job.ProgressPercentage = 100
		job.CompletedAt = &at
		job.EstimatedCompletion = nil
	case domain.JobStatusFailed:
		job.CompletedAt = &at
		job.EstimatedCompletion = nil
	}

	if req.Message != "" {
		job.Message = req.Message
	}
	if req.Summary != nil {
		s := *req.Summary
		job.ResultsSummary = &s
	}
	if req.Owner != nil && req.To.IsTerminal() {
		job.ClaimedBy = ""
		job.LastHeartbeat = nil
	}
}

// Claimable reports whether req may take job. Terminal jobs are never
// claimable.
func Claimable(job *domain.JobRecord, req ClaimRequest) bool {
	if job.Status.IsTerminal() {
		return false
	}
	if job.ClaimedBy == "" || job.ClaimedBy == req.Owner || job.LastHeartbeat == nil {
		return true
	}
	return job.LastHeartbeat.Before(req.StaleBefore)
}

// ApplyClaim mutates job the way every Store implementation must for a
// successful claim
func ApplyClaim(job *domain.JobRecord, req ClaimRequest) {
	if job.Status != domain.JobStatusRunning {
		ApplyTransition(job, TransitionRequest{To: domain.JobStatusRunning, At: req.At})
	}
	at := req.At
	job.ClaimedBy = req.Owner
	job.LastHeartbeat = &at
	job.UpdatedAt = at
}

// CanSaveProgress reports whether a writer holding job.ClaimedBy may save
// counters over stored
func CanSaveProgress(stored, job *domain.JobRecord) bool {
	if stored.ClaimedBy != job.ClaimedBy {
		return false
	}
	if stored.ClaimedBy != "" {
		return true
	}
	return stored.Status == domain.JobStatusRunning || stored.Status == domain.JobStatusPaused
}
