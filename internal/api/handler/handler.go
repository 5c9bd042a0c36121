package handler

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/cuongbtq/ingest-engine/internal/domain"
	"github.com/cuongbtq/ingest-engine/internal/ledger"
)

// JobLedger is the part of the ledger the API drives
type JobLedger interface {
	Create(ctx context.Context, jobType string, totalItems int, rawConfig json.RawMessage) (*domain.JobRecord, error)
	Status(ctx context.Context, id string) (*domain.JobRecord, error)
	List(ctx context.Context, filter ledger.ListFilter) ([]domain.JobRecord, error)
	Pause(ctx context.Context, id string) (*domain.JobRecord, error)
	Resume(ctx context.Context, id string) (*domain.JobRecord, error)
	Cancel(ctx context.Context, id string) (*domain.JobRecord, error)
	Active(ctx context.Context, jobType string) (*domain.JobRecord, error)
	Latest(ctx context.Context, jobType string) (*domain.JobRecord, error)
}

// JobCounter sizes a new job of a registered type
type JobCounter interface {
	Count(ctx context.Context, jobType string, raw json.RawMessage) (int, error)
	Types() []string
}

// Publisher enqueues a job for the worker
type Publisher interface {
	PublishJSON(ctx context.Context, v any) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Ledger    JobLedger
	Jobs      JobCounter
	Publisher Publisher
	// Ping reports database health, nil skips the check
	Ping func(ctx context.Context) error
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	ledger    JobLedger
	jobs      JobCounter
	publisher Publisher
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		ledger:    deps.Ledger,
		jobs:      deps.Jobs,
		publisher: deps.Publisher,
	}
}
