package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/ingest-engine/internal/domain"
)

type StartJobRequest struct {
	JobType string          `json:"job_type" binding:"required"`
	Config  json.RawMessage `json:"config"`
}

type ListJobsRequest struct {
	JobType  string `form:"job_type"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID               string                 `json:"job_id"`
	JobType             string                 `json:"job_type"`
	Status              string                 `json:"status"`
	TotalItems          int                    `json:"total_items"`
	ProcessedItems      int                    `json:"processed_items"`
	FailedItems         int                    `json:"failed_items"`
	ProgressPercentage  float64                `json:"progress_percentage"`
	ErrorCount          int                    `json:"error_count"`
	Message             string                 `json:"message,omitempty"`
	Config              json.RawMessage        `json:"config,omitempty"`
	ResultsSummary      *domain.ResultsSummary `json:"results_summary,omitempty"`
	StartedAt           string                 `json:"started_at,omitempty"`
	PausedAt            string                 `json:"paused_at,omitempty"`
	CompletedAt         string                 `json:"completed_at,omitempty"`
	EstimatedCompletion string                 `json:"estimated_completion,omitempty"`
	CreatedAt           string                 `json:"created_at"`
	UpdatedAt           string                 `json:"updated_at"`
}

type JobErrorsResponse struct {
	JobID  string              `json:"job_id"`
	Errors []domain.ErrorEntry `json:"errors"`
}

// NewJobDTO maps a ledger record to its API form
func NewJobDTO(job *domain.JobRecord) JobDTO {
	return JobDTO{
		JobID:               job.ID,
		JobType:             job.JobType,
		Status:              string(job.Status),
		TotalItems:          job.TotalItems,
		ProcessedItems:      job.ProcessedItems,
		FailedItems:         job.FailedItems,
		ProgressPercentage:  job.ProgressPercentage,
		ErrorCount:          len(job.ErrorLog),
		Message:             job.Message,
		Config:              job.Config,
		ResultsSummary:      job.ResultsSummary,
		StartedAt:           formatTime(job.StartedAt),
		PausedAt:            formatTime(job.PausedAt),
		CompletedAt:         formatTime(job.CompletedAt),
		EstimatedCompletion: formatTime(job.EstimatedCompletion),
		CreatedAt:           job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:           job.UpdatedAt.Format(time.RFC3339),
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
