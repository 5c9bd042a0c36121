// Package pipeline runs registered jobs one after another, each as an
// isolated unit with its own wall-clock limit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Status is the outcome of one pipeline job
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// ErrDuplicateJob is returned when a job name is registered twice
var ErrDuplicateJob = errors.New("pipeline job already registered")

// JobDescriptor describes one registered job
type JobDescriptor struct {
	Name        string
	Description string
	Unit        Unit
	Enabled     bool
	// MaxRuntime bounds the unit's wall-clock time, zero means unbounded
	MaxRuntime time.Duration
}

// JobResult is the outcome of one job in a run
type JobResult struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Start    time.Time     `json:"start,omitempty"`
	End      time.Time     `json:"end,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Output   string        `json:"-"`
}

// Results holds job results in registration order
type Results []JobResult

// ByName indexes results by job name
func (r Results) ByName() map[string]JobResult {
	out := make(map[string]JobResult, len(r))
	for _, res := range r {
		out[res.Name] = res
	}
	return out
}

// Count returns how many results have status s
func (r Results) Count(s Status) int {
	n := 0
	for _, res := range r {
		if res.Status == s {
			n++
		}
	}
	return n
}

// Failed reports whether any job failed, timed out or errored
func (r Results) Failed() bool {
	for _, res := range r {
		if res.Status.failed() {
			return true
		}
	}
	return false
}

// ExitCode is 1 when any job failed, timed out or errored, else 0
func (r Results) ExitCode() int {
	if r.Failed() {
		return 1
	}
	return 0
}

// Summary logs the per-status counts and every failure
func (r Results) Summary(logger *slog.Logger) {
	logger.Info("Pipeline summary",
		slog.Int("succeeded", r.Count(StatusSuccess)),
		slog.Int("failed", r.Count(StatusFailed)),
		slog.Int("timed_out", r.Count(StatusTimeout)),
		slog.Int("errored", r.Count(StatusError)),
		slog.Int("skipped", r.Count(StatusSkipped)),
	)
	for _, res := range r {
		if res.Status.failed() {
			logger.Error("Pipeline job did not succeed",
				slog.String("job", res.Name),
				slog.String("status", string(res.Status)),
				slog.String("error", res.Error),
			)
		}
	}
}

func (s Status) failed() bool {
	return s == StatusFailed || s == StatusTimeout || s == StatusError
}

// Pipeline holds registered jobs
type Pipeline struct {
	jobs   []JobDescriptor
	names  map[string]struct{}
	logger *slog.Logger
	now    func() time.Time
}

// New creates an empty pipeline
func New(logger *slog.Logger) *Pipeline {
	return &Pipeline{
		names:  make(map[string]struct{}),
		logger: logger,
		now:    time.Now,
	}
}

// Register appends desc. Names must be unique.
func (p *Pipeline) Register(desc JobDescriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("pipeline job name is required")
	}
	if _, ok := p.names[desc.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateJob, desc.Name)
	}
	if desc.Enabled && desc.Unit == nil {
		return fmt.Errorf("pipeline job %q has no unit", desc.Name)
	}
	if desc.MaxRuntime < 0 {
		return fmt.Errorf("pipeline job %q has a negative max runtime", desc.Name)
	}

	p.names[desc.Name] = struct{}{}
	p.jobs = append(p.jobs, desc)
	p.logger.Info("Registered pipeline job", slog.String("job", desc.Name))
	return nil
}

// Jobs returns the registered jobs in order
func (p *Pipeline) Jobs() []JobDescriptor {
	out := make([]JobDescriptor, len(p.jobs))
	copy(out, p.jobs)
	return out
}

// RunAll runs every enabled job in registration order. With stopOnFailure
// the run halts at the first failed, timed-out or errored job and later jobs
// are left out of the results. Cancelling ctx also halts the run.
func (p *Pipeline) RunAll(ctx context.Context, stopOnFailure bool) Results {
	start := p.now()
	p.logger.Info("Pipeline starting",
		slog.Int("jobs", len(p.jobs)),
		slog.Bool("stop_on_failure", stopOnFailure),
	)

	results := make(Results, 0, len(p.jobs))
	for _, job := range p.jobs {
		if ctx.Err() != nil {
			p.logger.Warn("Pipeline interrupted", slog.Any("error", ctx.Err()))
			break
		}

		res := p.runJob(ctx, job)
		results = append(results, res)

		if stopOnFailure && res.Status.failed() {
			p.logger.Error("Stopping pipeline after failure", slog.String("job", job.Name))
			break
		}
	}

	p.logger.Info("Pipeline complete", slog.Duration("duration", p.now().Sub(start)))
	results.Summary(p.logger)
	return results
}

func (p *Pipeline) runJob(ctx context.Context, job JobDescriptor) JobResult {
	res := JobResult{Name: job.Name}
	logger := p.logger.With(slog.String("job", job.Name))

	if !job.Enabled {
		res.Status = StatusSkipped
		logger.Info("Skipping disabled job")
		return res
	}

	logger.Info("Starting job",
		slog.String("description", job.Description),
		slog.Duration("max_runtime", job.MaxRuntime),
	)

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if job.MaxRuntime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, job.MaxRuntime)
	}
	defer cancel()

	res.Start = p.now()
	out, err := job.Unit.Run(runCtx)
	res.End = p.now()
	res.Duration = res.End.Sub(res.Start)
	res.Output = out

	var failure *FailureError
	switch {
	case err == nil:
		res.Status = StatusSuccess
		logger.Info("Job succeeded", slog.Duration("duration", res.Duration))
		return res
	case ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Status = StatusTimeout
		res.Error = fmt.Sprintf("exceeded max runtime of %s", job.MaxRuntime)
	case errors.As(err, &failure):
		res.Status = StatusFailed
		res.Error = failure.Error()
	default:
		res.Status = StatusError
		res.Error = err.Error()
	}

	logger.Error("Job did not succeed",
		slog.String("status", string(res.Status)),
		slog.String("error", res.Error),
		slog.Duration("duration", res.Duration),
	)
	return res
}
