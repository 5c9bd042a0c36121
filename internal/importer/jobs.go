package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cuongbtq/ingest-engine/internal/domain"
	"github.com/cuongbtq/ingest-engine/internal/runner"
)

// JobFactory sizes and builds one job type for the runner
type JobFactory interface {
	// Count returns total_items for a new job
	Count(ctx context.Context, cfg *domain.JobConfig) (int, error)
	// Build returns the work source and processor for an existing job
	Build(ctx context.Context, cfg *domain.JobConfig) (runner.WorkSource, runner.Processor, error)
}

// Jobs maps job types to their factories
type Jobs struct {
	factories map[string]JobFactory
}

// NewJobs creates an empty registry
func NewJobs() *Jobs {
	return &Jobs{factories: make(map[string]JobFactory)}
}

// Register binds jobType to f, replacing any earlier binding
func (j *Jobs) Register(jobType string, f JobFactory) {
	j.factories[jobType] = f
}

// Types lists the registered job types in order
func (j *Jobs) Types() []string {
	types := make([]string, 0, len(j.factories))
	for t := range j.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Count validates raw and returns the number of items a new job would cover
func (j *Jobs) Count(ctx context.Context, jobType string, raw json.RawMessage) (int, error) {
	f, cfg, err := j.lookup(jobType, raw)
	if err != nil {
		return 0, err
	}
	n, err := f.Count(ctx, cfg)
	if err != nil {
		return 0, domain.NewRetryableError(fmt.Errorf("failed to count %s items: %w", jobType, err))
	}
	return n, nil
}

// Build returns the work source and processor for job
func (j *Jobs) Build(ctx context.Context, job *domain.JobRecord) (runner.WorkSource, runner.Processor, error) {
	f, cfg, err := j.lookup(job.JobType, job.Config)
	if err != nil {
		return nil, nil, err
	}
	return f.Build(ctx, cfg)
}

func (j *Jobs) lookup(jobType string, raw json.RawMessage) (JobFactory, *domain.JobConfig, error) {
	f, ok := j.factories[jobType]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", domain.ErrUnknownJobType, jobType)
	}
	cfg, err := domain.ParseJobConfig(jobType, raw)
	if err != nil {
		return nil, nil, err
	}
	return f, cfg, nil
}
