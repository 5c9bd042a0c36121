package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ErrorEntry is one failed work item recorded on a job
type ErrorEntry struct {
	ItemID    string    `json:"item_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorLog is the ordered list of item failures, stored as JSONB
type ErrorLog []ErrorEntry

// Value implements driver.Valuer
func (l ErrorLog) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner
func (l *ErrorLog) Scan(src any) error {
	return scanJSON(src, l)
}

// Contains reports whether itemID already has an entry
func (l ErrorLog) Contains(itemID string) bool {
	for _, e := range l {
		if e.ItemID == itemID {
			return true
		}
	}
	return false
}

// ResultsSummary is recorded when a job reaches a terminal state
type ResultsSummary struct {
	TotalProcessed int     `json:"total_processed"`
	TotalFailed    int     `json:"total_failed"`
	// SuccessRate is processed / attempted, between 0 and 1
	SuccessRate    float64 `json:"success_rate"`
}

// Value implements driver.Valuer
func (s *ResultsSummary) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner
func (s *ResultsSummary) Scan(src any) error {
	return scanJSON(src, s)
}

// JobRecord is one batch run tracked by the ledger
type JobRecord struct {
	ID                  string          `db:"id" json:"id"`
	JobType             string          `db:"job_type" json:"job_type"`
	TotalItems          int             `db:"total_items" json:"total_items"`
	ProcessedItems      int             `db:"processed_items" json:"processed_items"`
	FailedItems         int             `db:"failed_items" json:"failed_items"`
	Status              JobStatus       `db:"status" json:"status"`
	ProgressPercentage  float64         `db:"progress_percentage" json:"progress_percentage"`
	StartedAt           *time.Time      `db:"started_at" json:"started_at,omitempty"`
	PausedAt            *time.Time      `db:"paused_at" json:"paused_at,omitempty"`
	CompletedAt         *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	EstimatedCompletion *time.Time      `db:"estimated_completion" json:"estimated_completion,omitempty"`
	Config              json.RawMessage `db:"config" json:"config,omitempty"`
	ErrorLog            ErrorLog        `db:"error_log" json:"error_log"`
	ResultsSummary      *ResultsSummary `db:"results_summary" json:"results_summary,omitempty"`
	Message             string          `db:"message" json:"message,omitempty"`
	ClaimedBy           string          `db:"claimed_by" json:"claimed_by,omitempty"`
	LastHeartbeat       *time.Time      `db:"last_heartbeat" json:"last_heartbeat,omitempty"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

// Attempted returns processed + failed
func (j *JobRecord) Attempted() int {
	return j.ProcessedItems + j.FailedItems
}

// Remaining returns how many items have not been attempted yet
func (j *JobRecord) Remaining() int {
	r := j.TotalItems - j.Attempted()
	if r < 0 {
		return 0
	}
	return r
}

// Summarize builds the results summary from the current counters
func (j *JobRecord) Summarize() *ResultsSummary {
	s := &ResultsSummary{
		TotalProcessed: j.ProcessedItems,
		TotalFailed:    j.FailedItems,
	}
	if n := j.Attempted(); n > 0 {
		s.SuccessRate = float64(j.ProcessedItems) / float64(n)
	}
	return s
}

// Clone returns a deep copy of the record
func (j *JobRecord) Clone() *JobRecord {
	c := *j
	c.StartedAt = cloneTime(j.StartedAt)
	c.PausedAt = cloneTime(j.PausedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.EstimatedCompletion = cloneTime(j.EstimatedCompletion)
	c.LastHeartbeat = cloneTime(j.LastHeartbeat)
	if j.Config != nil {
		c.Config = append(json.RawMessage(nil), j.Config...)
	}
	if j.ErrorLog != nil {
		c.ErrorLog = append(ErrorLog(nil), j.ErrorLog...)
	}
	if j.ResultsSummary != nil {
		s := *j.ResultsSummary
		c.ResultsSummary = &s
	}
	return &c
}

// WorkItem is one unit of external data identified by its natural key
type WorkItem struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JobMessage represents a job message from RabbitMQ
type JobMessage struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func scanJSON(src any, dest any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dest)
}
