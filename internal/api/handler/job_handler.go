package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/ingest-engine/internal/api/dto"
	"github.com/cuongbtq/ingest-engine/internal/domain"
	"github.com/cuongbtq/ingest-engine/internal/ledger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// StartJob handles POST /api/v1/jobs
// Sizes the job, records it as pending and enqueues it for the worker
func (h *JobHandler) StartJob(c *gin.Context) {
	var req dto.StartJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	ctx := c.Request.Context()

	active, err := h.ledger.Active(ctx, req.JobType)
	switch {
	case err == nil:
		c.JSON(http.StatusConflict, gin.H{
			"error":  "a job of this type is already active",
			"job_id": active.ID,
			"status": active.Status,
		})
		return
	case !errors.Is(err, domain.ErrJobNotFound):
		h.writeError(c, "Failed to check active jobs", err)
		return
	}

	total, err := h.jobs.Count(ctx, req.JobType, req.Config)
	if err != nil {
		h.writeError(c, "Failed to size job", err)
		return
	}

	job, err := h.ledger.Create(ctx, req.JobType, total, req.Config)
	if err != nil {
		h.writeError(c, "Failed to create job", err)
		return
	}

	if job.Status == domain.JobStatusPending {
		if err := h.publisher.PublishJSON(ctx, domain.JobMessage{JobID: job.ID}); err != nil {
			h.logger.Error("Failed to enqueue job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":  "job created but could not be enqueued",
				"job_id": job.ID,
			})
			return
		}
	}

	h.logger.Info("Job started",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.JobType),
		slog.Int("total_items", job.TotalItems),
	)
	c.JSON(http.StatusAccepted, dto.NewJobDTO(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.ledger.Status(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, "Failed to get job", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// GetJobErrors handles GET /api/v1/jobs/:job_id/errors
func (h *JobHandler) GetJobErrors(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.ledger.Status(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, "Failed to get job", err)
		return
	}

	entries := []domain.ErrorEntry(job.ErrorLog)
	if entries == nil {
		entries = []domain.ErrorEntry{}
	}
	c.JSON(http.StatusOK, dto.JobErrorsResponse{JobID: job.ID, Errors: entries})
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}
	if req.Status != "" && !domain.JobStatus(req.Status).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status filter",
		})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.ledger.List(c.Request.Context(), ledger.ListFilter{
		JobType:  req.JobType,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.writeError(c, "Failed to list jobs", err)
		return
	}

	// the store returns one extra row when more pages exist
	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i := range jobs {
		resp.Jobs[i] = dto.NewJobDTO(&jobs[i])
	}
	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&ledger.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}

	c.JSON(http.StatusOK, resp)
}

// ActiveJob handles GET /api/v1/job-types/:job_type/active
func (h *JobHandler) ActiveJob(c *gin.Context) {
	job, err := h.ledger.Active(c.Request.Context(), c.Param("job_type"))
	if err != nil {
		h.writeError(c, "Failed to get active job", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// LatestJob handles GET /api/v1/job-types/:job_type/latest
func (h *JobHandler) LatestJob(c *gin.Context) {
	job, err := h.ledger.Latest(c.Request.Context(), c.Param("job_type"))
	if err != nil {
		h.writeError(c, "Failed to get latest job", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// JobTypes handles GET /api/v1/job-types
func (h *JobHandler) JobTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"job_types": h.jobs.Types()})
}

// PauseJob handles POST /api/v1/jobs/:job_id/pause
// The worker stops at its next unit boundary
func (h *JobHandler) PauseJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.ledger.Pause(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, "Failed to pause job", err)
		return
	}

	h.logger.Info("Job paused", slog.String("job_id", jobID))
	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ResumeJob handles POST /api/v1/jobs/:job_id/resume
// Marks the job running again and re-enqueues it
func (h *JobHandler) ResumeJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	job, err := h.ledger.Resume(ctx, jobID)
	if err != nil {
		h.writeError(c, "Failed to resume job", err)
		return
	}

	if err := h.publisher.PublishJSON(ctx, domain.JobMessage{JobID: job.ID}); err != nil {
		h.logger.Error("Failed to enqueue resumed job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  "job resumed but could not be enqueued",
			"job_id": job.ID,
		})
		return
	}

	h.logger.Info("Job resumed", slog.String("job_id", jobID))
	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Fails any non-terminal job; cancelled jobs are never retried
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.ledger.Cancel(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, "Failed to cancel job", err)
		return
	}

	h.logger.Info("Job cancelled", slog.String("job_id", jobID))
	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// jobID validates the :job_id path parameter
func (h *JobHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return "", false
	}
	return jobID, true
}

// writeError maps domain errors to HTTP statuses
func (h *JobHandler) writeError(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	var retryable *domain.RetryableError
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrJobClaimed):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidConfig), errors.Is(err, domain.ErrUnknownJobType):
		status = http.StatusBadRequest
	case errors.As(err, &retryable):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, slog.String("error", err.Error()))
	} else {
		h.logger.Warn(msg, slog.String("error", err.Error()))
	}
	c.JSON(status, gin.H{
		"error": msg,
		"cause": err.Error(),
	})
}
