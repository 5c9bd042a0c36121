package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/ingest-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLedger(t *testing.T) (*Ledger, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	l := New(NewMemoryStore(), slog.New(slog.NewTextHandler(io.Discard, nil)), WithClock(clock.Now))
	return l, clock
}

func TestLedger_Create(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		jobType    string
		total      int
		config     string
		wantErr    error
		wantStatus domain.JobStatus
	}{
		{name: "pending job", jobType: domain.JobTypePlayerStats, total: 100, config: `{"max_errors":5}`, wantStatus: domain.JobStatusPending},
		{name: "zero items completes immediately", jobType: domain.JobTypePlayerStats, total: 0, wantStatus: domain.JobStatusCompleted},
		{name: "negative total", jobType: domain.JobTypePlayerStats, total: -1, wantErr: domain.ErrInvalidConfig},
		{name: "unknown type", jobType: "nope", total: 1, wantErr: domain.ErrUnknownJobType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := l.Create(ctx, tt.jobType, tt.total, json.RawMessage(tt.config))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, job.ID)
			assert.Equal(t, tt.wantStatus, job.Status)
			assert.Zero(t, job.ProcessedItems)
			assert.Zero(t, job.FailedItems)
			assert.Equal(t, tt.total, job.TotalItems)

			if tt.wantStatus == domain.JobStatusCompleted {
				assert.Equal(t, 100.0, job.ProgressPercentage)
				assert.NotNil(t, job.CompletedAt)
				assert.NotEmpty(t, job.Message)
			}
		})
	}
}

func TestLedger_Lifecycle(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	job, err := l.Create(ctx, domain.JobTypePlayerStats, 10, nil)
	require.NoError(t, err)

	started, err := l.Start(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, started.StartedAt)
	firstStart := *started.StartedAt

	clock.Advance(time.Minute)
	paused, err := l.Pause(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPaused, paused.Status)
	require.NotNil(t, paused.PausedAt)
	assert.Equal(t, StopPause, l.Signal(job.ID).Reason())

	clock.Advance(time.Minute)
	resumed, err := l.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, resumed.Status)
	assert.Nil(t, resumed.PausedAt)
	assert.Equal(t, firstStart, *resumed.StartedAt, "started_at is set once")
	assert.Equal(t, StopNone, l.Signal(job.ID).Reason(), "resume resets the signal")

	cancelled, err := l.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)
	assert.Equal(t, domain.ErrCanceled.Error(), cancelled.Message)
	assert.Equal(t, StopCancel, l.Signal(job.ID).Reason())
}

func TestLedger_InvalidTransitions(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	job, err := l.Create(ctx, domain.JobTypePlayerStats, 5, nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		op   func() error
	}{
		{name: "pause pending", op: func() error { _, err := l.Pause(ctx, job.ID); return err }},
		{name: "resume pending", op: func() error { _, err := l.Resume(ctx, job.ID); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.op(), domain.ErrInvalidTransition)
		})
	}

	_, err = l.Cancel(ctx, job.ID)
	require.NoError(t, err)

	terminal := []struct {
		name string
		op   func() error
	}{
		{name: "start after cancel", op: func() error { _, err := l.Start(ctx, job.ID); return err }},
		{name: "cancel twice", op: func() error { _, err := l.Cancel(ctx, job.ID); return err }},
		{name: "resume failed", op: func() error { _, err := l.Resume(ctx, job.ID); return err }},
	}
	for _, tt := range terminal {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.op(), domain.ErrInvalidTransition)
		})
	}

	_, err = l.Start(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestLedger_RecordProgress(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	job, err := l.Create(ctx, domain.JobTypePlayerStats, 100, nil)
	require.NoError(t, err)
	job, err = l.Start(ctx, job.ID)
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	require.NoError(t, l.RecordProgress(job, 8, 2))

	assert.Equal(t, 10.0, job.ProgressPercentage)
	require.NotNil(t, job.EstimatedCompletion)
	// 1s per item, 90 remaining
	assert.Equal(t, clock.Now().Add(90*time.Second), *job.EstimatedCompletion)

	err = l.RecordProgress(job, 91, 0)
	assert.ErrorIs(t, err, domain.ErrCounterOverflow)
	assert.Equal(t, 8, job.ProcessedItems, "rejected delta leaves counters untouched")

	assert.Error(t, l.RecordProgress(job, -1, 0))
}

func TestLedger_CheckpointObservesExternalPause(t *testing.T) {
	store := NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runnerSide := New(store, logger)
	operatorSide := New(store, logger)
	ctx := context.Background()

	job, err := runnerSide.Create(ctx, domain.JobTypePlayerStats, 20, nil)
	require.NoError(t, err)
	job, err = runnerSide.Start(ctx, job.ID)
	require.NoError(t, err)

	require.NoError(t, runnerSide.RecordProgress(job, 5, 0))
	_, err = operatorSide.Pause(ctx, job.ID)
	require.NoError(t, err)

	status, err := runnerSide.Checkpoint(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPaused, status)

	stored, err := runnerSide.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPaused, stored.Status, "checkpoint never overwrites status")
	assert.Equal(t, 5, stored.ProcessedItems)
}

func TestLedger_ThresholdAndCompletion(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	job, err := l.Create(ctx, domain.JobTypePlayerStats, 10, nil)
	require.NoError(t, err)
	job, err = l.Start(ctx, job.ID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.RecordFailure(job, string(rune('a'+i)), errors.New("boom")))
	}

	failed, err := l.FailOnErrorThreshold(ctx, job, 3)
	require.NoError(t, err)
	assert.False(t, failed, "threshold is exclusive")

	require.NoError(t, l.RecordFailure(job, "d", errors.New("boom")))
	failed, err = l.FailOnErrorThreshold(ctx, job, 3)
	require.NoError(t, err)
	assert.True(t, failed)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Len(t, job.ErrorLog, 4)
	require.NotNil(t, job.ResultsSummary)
	assert.Equal(t, 4, job.ResultsSummary.TotalFailed)

	second, err := l.Create(ctx, domain.JobTypePlayerStats, 2, nil)
	require.NoError(t, err)
	second, err = l.Start(ctx, second.ID)
	require.NoError(t, err)

	done, err := l.CompleteIfDone(ctx, second)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, l.RecordProgress(second, 2, 0))
	done, err = l.CompleteIfDone(ctx, second)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, domain.JobStatusCompleted, second.Status)
	assert.Equal(t, 100.0, second.ProgressPercentage)
	assert.Equal(t, 1.0, second.ResultsSummary.SuccessRate)
}

func TestLedger_ActiveAndLatest(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Active(ctx, domain.JobTypePlayerStats)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	first, err := l.Create(ctx, domain.JobTypePlayerStats, 5, nil)
	require.NoError(t, err)
	_, err = l.Start(ctx, first.ID)
	require.NoError(t, err)

	clock.Advance(time.Second)
	second, err := l.Create(ctx, domain.JobTypePlayerStats, 5, nil)
	require.NoError(t, err)

	active, err := l.Active(ctx, domain.JobTypePlayerStats)
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)

	latest, err := l.Latest(ctx, domain.JobTypePlayerStats)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	list, err := l.List(ctx, ListFilter{Status: string(domain.JobStatusPending)})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, second.ID, list[0].ID)
}

func TestSignal_CancelOverridesPause(t *testing.T) {
	s := NewSignals()
	sig := s.Get("job")

	select {
	case <-sig.Done():
		t.Fatal("signal should not be done yet")
	default:
	}

	s.Raise("job", StopPause)
	s.Raise("job", StopCancel)
	s.Raise("job", StopPause)

	assert.Equal(t, StopCancel, sig.Reason())
	<-sig.Done()

	fresh := s.Reset("job")
	assert.Equal(t, StopNone, fresh.Reason())
	assert.Equal(t, "cancel", StopCancel.String())
}

func TestLedger_Claim(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()
	ttl := time.Minute

	job, err := l.Create(ctx, domain.JobTypePlayerStats, 10, nil)
	require.NoError(t, err)

	held, err := l.Claim(ctx, job.ID, "worker-a", ttl)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, held.Status)
	assert.Equal(t, "worker-a", held.ClaimedBy)
	require.NotNil(t, held.StartedAt)

	clock.Advance(30 * time.Second)
	_, err = l.Claim(ctx, job.ID, "worker-b", ttl)
	assert.ErrorIs(t, err, domain.ErrJobClaimed, "live holder keeps the job")

	require.NoError(t, l.RecordProgress(held, 4, 0))
	status, err := l.Checkpoint(ctx, held)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, status)

	clock.Advance(50 * time.Second)
	_, err = l.Claim(ctx, job.ID, "worker-b", ttl)
	assert.ErrorIs(t, err, domain.ErrJobClaimed, "checkpoint refreshed the heartbeat")

	clock.Advance(2 * ttl)
	adopted, err := l.Claim(ctx, job.ID, "worker-b", ttl)
	require.NoError(t, err, "stale holder is taken over")
	assert.Equal(t, "worker-b", adopted.ClaimedBy)
	assert.Equal(t, 4, adopted.ProcessedItems)

	require.NoError(t, l.RecordProgress(held, 1, 0))
	_, err = l.Checkpoint(ctx, held)
	assert.ErrorIs(t, err, domain.ErrJobClaimed, "old holder can no longer write")
	assert.ErrorIs(t, l.Heartbeat(ctx, held), domain.ErrJobClaimed)

	require.NoError(t, l.Release(ctx, adopted))
	released, err := l.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, released.ClaimedBy)
	assert.Equal(t, domain.JobStatusRunning, released.Status)

	again, err := l.Claim(ctx, job.ID, "worker-c", ttl)
	require.NoError(t, err, "released job is claimable at once")

	require.NoError(t, l.RecordProgress(again, 6, 0))
	done, err := l.CompleteIfDone(ctx, again)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Empty(t, again.ClaimedBy)

	_, err = l.Claim(ctx, job.ID, "worker-d", ttl)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = l.Claim(ctx, "missing", "worker-d", ttl)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestLedger_CheckpointAfterFinish(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	job, err := l.Create(ctx, domain.JobTypePlayerStats, 5, nil)
	require.NoError(t, err)
	job, err = l.Start(ctx, job.ID)
	require.NoError(t, err)

	stale := job.Clone()
	require.NoError(t, l.RecordProgress(job, 5, 0))
	done, err := l.CompleteIfDone(ctx, job)
	require.NoError(t, err)
	require.True(t, done)

	require.NoError(t, l.RecordProgress(stale, 2, 0))
	status, err := l.Checkpoint(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, status)

	stored, err := l.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.ProcessedItems, "finished counters are never overwritten")
	assert.Equal(t, 100.0, stored.ProgressPercentage)
}

func TestLedger_HolderSavesAfterCancel(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	job, err := l.Create(ctx, domain.JobTypePlayerStats, 10, nil)
	require.NoError(t, err)
	held, err := l.Claim(ctx, job.ID, "worker-a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, l.RecordProgress(held, 3, 0))
	_, err = l.Cancel(ctx, job.ID)
	require.NoError(t, err)

	status, err := l.Checkpoint(ctx, held)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, status)

	stored, err := l.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.ProcessedItems, "committed items are still counted")
}

func TestLedger_ForgetDropsSignal(t *testing.T) {
	l, _ := newTestLedger(t)

	sig := l.Signal("job")
	assert.Same(t, sig, l.Signal("job"))

	l.Forget("job")
	assert.NotSame(t, sig, l.Signal("job"))
}
