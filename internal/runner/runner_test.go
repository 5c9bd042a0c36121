package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"

	"github.com/cuongbtq/ingest-engine/internal/domain"
	"github.com/cuongbtq/ingest-engine/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memSource holds keys 1..n and hides keys already marked done
type memSource struct {
	keys []string
	done map[string]bool
}

func newMemSource(n int) *memSource {
	s := &memSource{done: map[string]bool{}}
	for i := 1; i <= n; i++ {
		s.keys = append(s.keys, strconv.Itoa(i))
	}
	return s
}

func (s *memSource) Pending(_ context.Context, limit int) ([]domain.WorkItem, error) {
	var out []domain.WorkItem
	for _, k := range s.keys {
		if s.done[k] {
			continue
		}
		out = append(out, domain.WorkItem{Key: k})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// checkpointStore records counters at every SaveProgress call
type checkpointStore struct {
	*ledger.MemoryStore
	snapshots [][2]int
}

func (c *checkpointStore) SaveProgress(ctx context.Context, job *domain.JobRecord) error {
	c.snapshots = append(c.snapshots, [2]int{job.ProcessedItems, job.FailedItems})
	return c.MemoryStore.SaveProgress(ctx, job)
}

func newJob(t *testing.T, l *ledger.Ledger, total int, cfg string) *domain.JobRecord {
	t.Helper()
	job, err := l.Create(context.Background(), domain.JobTypePlayerStats, total, []byte(cfg))
	require.NoError(t, err)
	return job
}

func TestRun_ErrorThreshold(t *testing.T) {
	store := &checkpointStore{MemoryStore: ledger.NewMemoryStore()}
	l := ledger.New(store, testLogger())
	r := New(l, testLogger())
	ctx := context.Background()

	job := newJob(t, l, 250, `{"max_errors": 5, "checkpoint_every": 10}`)
	src := newMemSource(250)

	attempted := map[string]bool{}
	proc := ProcessorFunc(func(_ context.Context, item domain.WorkItem) error {
		attempted[item.Key] = true
		n, _ := strconv.Atoi(item.Key)
		if n >= 50 && n <= 55 {
			return errors.New("upstream returned garbage")
		}
		src.done[item.Key] = true
		return nil
	})

	res, err := r.Run(ctx, job.ID, src, proc)
	require.NoError(t, err)

	assert.Equal(t, OutcomeThreshold, res.Outcome)
	assert.Equal(t, domain.JobStatusFailed, res.Job.Status)
	assert.Equal(t, 55, res.Job.ProcessedItems+res.Job.FailedItems)
	assert.Equal(t, 6, res.Job.FailedItems)
	assert.Len(t, attempted, 55)
	assert.False(t, attempted["56"])

	stored, err := l.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Len(t, stored.ErrorLog, 6)
	assert.Equal(t, "50", stored.ErrorLog[0].ItemID)
	assert.Contains(t, stored.Message, "error threshold exceeded")

	for _, snap := range store.snapshots {
		assert.LessOrEqual(t, snap[0]+snap[1], 250)
	}
}

func TestRun_PauseResume(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore(), testLogger())
	r := New(l, testLogger())
	ctx := context.Background()

	job := newJob(t, l, 100, `{"checkpoint_every": 10}`)
	src := newMemSource(100)

	processed := 0
	proc := ProcessorFunc(func(ctx context.Context, item domain.WorkItem) error {
		src.done[item.Key] = true
		processed++
		if processed == 40 {
			_, err := l.Pause(ctx, job.ID)
			require.NoError(t, err)
		}
		return nil
	})

	res, err := r.Run(ctx, job.ID, src, proc)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, res.Outcome)

	paused, err := l.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPaused, paused.Status)
	assert.Equal(t, 40, paused.ProcessedItems)
	assert.Equal(t, 40.0, paused.ProgressPercentage)

	_, err = l.Resume(ctx, job.ID)
	require.NoError(t, err)

	res, err = r.Run(ctx, job.ID, src, proc)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	final, err := l.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, final.ProcessedItems)
	assert.Equal(t, domain.JobStatusCompleted, final.Status)
	assert.Equal(t, 100.0, final.ProgressPercentage)
	assert.Equal(t, 100, processed)
}

func TestRun_PauseIsTransparent(t *testing.T) {
	failing := func(key string) bool {
		n, _ := strconv.Atoi(key)
		return n%7 == 0
	}

	run := func(pauseAt int) *domain.JobRecord {
		l := ledger.New(ledger.NewMemoryStore(), testLogger())
		r := New(l, testLogger())
		ctx := context.Background()
		job := newJob(t, l, 60, `{"max_errors": 100, "checkpoint_every": 4}`)
		src := newMemSource(60)

		calls := 0
		proc := ProcessorFunc(func(ctx context.Context, item domain.WorkItem) error {
			calls++
			if calls == pauseAt {
				_, err := l.Pause(ctx, job.ID)
				require.NoError(t, err)
			}
			if failing(item.Key) {
				return errors.New("bad record")
			}
			src.done[item.Key] = true
			return nil
		})

		res, err := r.Run(ctx, job.ID, src, proc)
		require.NoError(t, err)
		for res.Outcome == OutcomePaused {
			_, err = l.Start(ctx, job.ID)
			require.NoError(t, err)
			res, err = r.Run(ctx, job.ID, src, proc)
			require.NoError(t, err)
		}

		final, err := l.Status(ctx, job.ID)
		require.NoError(t, err)
		return final
	}

	uninterrupted := run(-1)
	for _, at := range []int{1, 13, 30, 59} {
		paused := run(at)
		assert.Equal(t, uninterrupted.ProcessedItems, paused.ProcessedItems, "pause at %d", at)
		assert.Equal(t, uninterrupted.FailedItems, paused.FailedItems, "pause at %d", at)
		assert.Equal(t, domain.JobStatusCompleted, paused.Status)
	}
	assert.Equal(t, 52, uninterrupted.ProcessedItems)
	assert.Equal(t, 8, uninterrupted.FailedItems)
}

func TestRun_Cancel(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore(), testLogger())
	r := New(l, testLogger())
	ctx := context.Background()

	job := newJob(t, l, 30, `{}`)
	src := newMemSource(30)

	proc := ProcessorFunc(func(ctx context.Context, item domain.WorkItem) error {
		src.done[item.Key] = true
		if item.Key == "5" {
			_, err := l.Cancel(ctx, job.ID)
			require.NoError(t, err)
		}
		return nil
	})

	res, err := r.Run(ctx, job.ID, src, proc)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Equal(t, 5, res.Attempted)

	stored, err := l.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, 5, stored.ProcessedItems)

	_, err = r.Run(ctx, job.ID, src, proc)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.True(t, IsStopped(err))
}

func TestRun_ExhaustedSource(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore(), testLogger())
	r := New(l, testLogger())
	ctx := context.Background()

	job := newJob(t, l, 10, `{}`)
	src := newMemSource(6)

	res, err := r.Run(ctx, job.ID, src, ProcessorFunc(func(context.Context, domain.WorkItem) error { return nil }))
	require.NoError(t, err)

	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.Equal(t, domain.JobStatusCompleted, res.Job.Status)
	assert.Equal(t, 6, res.Job.ProcessedItems)
	assert.Contains(t, res.Job.Message, "exhausted")
}

func TestRun_InterruptedByContext(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore(), testLogger())
	r := New(l, testLogger())

	job := newJob(t, l, 20, `{}`)
	src := newMemSource(20)

	ctx, cancel := context.WithCancel(context.Background())
	proc := ProcessorFunc(func(_ context.Context, item domain.WorkItem) error {
		src.done[item.Key] = true
		if item.Key == "3" {
			cancel()
		}
		return nil
	})

	res, err := r.Run(ctx, job.ID, src, proc)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInterrupted, res.Outcome)

	stored, err := l.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, stored.Status, "interrupted jobs are adopted on restart")
	assert.Equal(t, 3, stored.ProcessedItems)

	res, err = r.Run(context.Background(), job.ID, src, proc)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 20, res.Job.ProcessedItems)
}

func TestRun_SecondRunnerOnLiveJob(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore(), testLogger())
	holder := New(l, testLogger(), WithName("worker-a"))
	intruder := New(l, testLogger(), WithName("etlctl"))
	ctx := context.Background()

	job := newJob(t, l, 20, `{"checkpoint_every": 5}`)
	src := newMemSource(20)

	calls := 0
	var intruderErr error
	proc := ProcessorFunc(func(ctx context.Context, item domain.WorkItem) error {
		calls++
		if item.Key == "3" {
			_, intruderErr = intruder.Run(ctx, job.ID, src, ProcessorFunc(func(context.Context, domain.WorkItem) error {
				calls++
				return nil
			}))
		}
		src.done[item.Key] = true
		return nil
	})

	res, err := holder.Run(ctx, job.ID, src, proc)
	require.NoError(t, err)

	assert.ErrorIs(t, intruderErr, domain.ErrJobClaimed)
	assert.True(t, IsStopped(intruderErr))
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 20, calls, "only the holder processed items")

	final, err := l.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, final.Status)
	assert.Equal(t, 20, final.ProcessedItems)
	assert.Equal(t, 100.0, final.ProgressPercentage)
	assert.Empty(t, final.ClaimedBy, "finishing releases the claim")
}

func TestRun_ReleasesClaimWhenStopping(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore(), testLogger())
	r := New(l, testLogger())
	ctx := context.Background()

	job := newJob(t, l, 10, `{}`)
	src := newMemSource(10)

	var claimedDuringRun string
	proc := ProcessorFunc(func(ctx context.Context, item domain.WorkItem) error {
		src.done[item.Key] = true
		if item.Key == "2" {
			current, err := l.Status(ctx, job.ID)
			require.NoError(t, err)
			claimedDuringRun = current.ClaimedBy
			_, err = l.Pause(ctx, job.ID)
			require.NoError(t, err)
		}
		return nil
	})

	res, err := r.Run(ctx, job.ID, src, proc)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, res.Outcome)
	assert.Contains(t, claimedDuringRun, "runner/")

	paused, err := l.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, paused.ClaimedBy)
	assert.Nil(t, paused.LastHeartbeat)
	assert.Equal(t, 2, paused.ProcessedItems)

	_, err = l.Resume(ctx, job.ID)
	require.NoError(t, err)
	res, err = New(l, testLogger()).Run(ctx, job.ID, src, proc)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
}

func TestOutcome_Terminal(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    bool
	}{
		{outcome: OutcomeCompleted, want: true},
		{outcome: OutcomeExhausted, want: true},
		{outcome: OutcomeCancelled, want: true},
		{outcome: OutcomeThreshold, want: true},
		{outcome: OutcomePaused, want: false},
		{outcome: OutcomeInterrupted, want: false},
	}

	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.outcome.Terminal())
		})
	}
}

func TestRun_DropsSignalOfFinishedJob(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore(), testLogger())
	ctx := context.Background()

	job := newJob(t, l, 3, `{}`)
	src := newMemSource(3)

	var live *ledger.Signal
	proc := ProcessorFunc(func(_ context.Context, item domain.WorkItem) error {
		live = l.Signal(job.ID)
		src.done[item.Key] = true
		return nil
	})

	res, err := New(l, testLogger()).Run(ctx, job.ID, src, proc)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	require.NotNil(t, live)
	assert.NotSame(t, live, l.Signal(job.ID), "finished jobs leave no signal behind")
}

func TestRun_ZeroMaxErrorsFailsOnFirstError(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore(), testLogger())
	ctx := context.Background()

	job := newJob(t, l, 10, `{"max_errors": 0}`)
	src := newMemSource(10)

	proc := ProcessorFunc(func(_ context.Context, item domain.WorkItem) error {
		if item.Key == "4" {
			return errors.New("upstream returned garbage")
		}
		src.done[item.Key] = true
		return nil
	})

	res, err := New(l, testLogger()).Run(ctx, job.ID, src, proc)
	require.NoError(t, err)
	assert.Equal(t, OutcomeThreshold, res.Outcome)
	assert.Equal(t, 3, res.Job.ProcessedItems)
	assert.Equal(t, 1, res.Job.FailedItems)
	assert.Equal(t, 4, res.Attempted)
}
