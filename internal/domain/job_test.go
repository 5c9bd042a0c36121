package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
	}{
		{JobStatusPending, false},
		{JobStatusRunning, false},
		{JobStatusPaused, false},
		{JobStatusCompleted, true},
		{JobStatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.True(t, tt.status.Valid())
		})
	}

	assert.False(t, JobStatus("CANCELED").Valid())
}

func TestJobRecord_Summarize(t *testing.T) {
	job := &JobRecord{TotalItems: 100, ProcessedItems: 75, FailedItems: 25}

	summary := job.Summarize()

	assert.Equal(t, 75, summary.TotalProcessed)
	assert.Equal(t, 25, summary.TotalFailed)
	assert.InDelta(t, 0.75, summary.SuccessRate, 0.001)
	assert.Equal(t, 0, job.Remaining())

	empty := (&JobRecord{TotalItems: 10}).Summarize()
	assert.Zero(t, empty.SuccessRate)
}

func TestJobRecord_Clone(t *testing.T) {
	now := time.Now()
	job := &JobRecord{
		ID:        "a",
		StartedAt: &now,
		ErrorLog:  ErrorLog{{ItemID: "1", Message: "boom", Timestamp: now}},
	}

	c := job.Clone()
	c.ErrorLog[0].Message = "changed"
	*c.StartedAt = now.Add(time.Hour)

	assert.Equal(t, "boom", job.ErrorLog[0].Message)
	assert.Equal(t, now, *job.StartedAt)
}

func TestErrorLog_ScanValue(t *testing.T) {
	log := ErrorLog{{ItemID: "570", Message: "timeout", Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}}

	v, err := log.Value()
	require.NoError(t, err)

	var scanned ErrorLog
	require.NoError(t, scanned.Scan(v))
	assert.Equal(t, log, scanned)
	assert.True(t, scanned.Contains("570"))
	assert.False(t, scanned.Contains("571"))

	var fromNil ErrorLog
	require.NoError(t, fromNil.Scan(nil))
	assert.Empty(t, fromNil)

	assert.Error(t, fromNil.Scan(42))
}

func TestErrorClassification(t *testing.T) {
	fetchErr := &FetchError{Source: "steamspy", Key: "570", Err: errors.New("connection reset")}
	wrapped := NewRetryableError(fetchErr)

	assert.True(t, IsFetchError(wrapped))
	assert.Contains(t, fetchErr.Error(), "570")

	var retryable *RetryableError
	assert.True(t, errors.As(wrapped, &retryable))
	assert.False(t, IsFetchError(ErrDuplicate))
}
