package domain

// JobStatus is the lifecycle state of a batch job
type JobStatus string

// Job status constants
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job type constants
const (
	JobTypePlayerStats  = "player_stats"
	JobTypeReleaseDates = "release_dates"
)

// Defaults applied when a job config leaves them unset
const (
	DefaultMaxErrors       = 10
	DefaultCheckpointEvery = 10
)

// IsTerminal reports whether the status can no longer change
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusPaused, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// NonTerminalStatuses lists every status a job can be cancelled from
func NonTerminalStatuses() []JobStatus {
	return []JobStatus{JobStatusPending, JobStatusRunning, JobStatusPaused}
}
