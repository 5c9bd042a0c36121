package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cuongbtq/ingest-engine/internal/dataset"
	"github.com/cuongbtq/ingest-engine/internal/domain"
	"github.com/cuongbtq/ingest-engine/internal/runner"
)

const releaseDateLayout = "2006-01-02"

// ReleaseDateStore reads and fills missing release dates
type ReleaseDateStore interface {
	GamesMissingReleaseDate(ctx context.Context, limit int) ([]int, error)
	SetReleaseDate(ctx context.Context, appID int, date time.Time) (bool, error)
}

// ReleaseDatesJob fills games.release_date from a dataset file, only where
// it is still NULL
type ReleaseDatesJob struct {
	opener Opener
	store  ReleaseDateStore
}

var _ JobFactory = (*ReleaseDatesJob)(nil)

// NewReleaseDatesJob creates the release_dates job factory
func NewReleaseDatesJob(opener Opener, store ReleaseDateStore) *ReleaseDatesJob {
	return &ReleaseDatesJob{opener: opener, store: store}
}

// Count returns the dated rows that match a game missing its release date
func (j *ReleaseDatesJob) Count(ctx context.Context, cfg *domain.JobConfig) (int, error) {
	dates, err := j.pending(ctx, cfg.ReleaseDates.Source)
	if err != nil {
		return 0, err
	}
	return len(dates), nil
}

// Build returns a work source over the matching rows and a processor that
// sets one game's date
func (j *ReleaseDatesJob) Build(_ context.Context, cfg *domain.JobConfig) (runner.WorkSource, runner.Processor, error) {
	src := &releaseDateSource{job: j, path: cfg.ReleaseDates.Source}
	return src, runner.ProcessorFunc(j.process), nil
}

func (j *ReleaseDatesJob) process(ctx context.Context, item domain.WorkItem) error {
	appID, err := strconv.Atoi(item.Key)
	if err != nil {
		return fmt.Errorf("invalid app id %q", item.Key)
	}

	var raw string
	if err := json.Unmarshal(item.Payload, &raw); err != nil {
		return fmt.Errorf("invalid release date payload: %w", err)
	}
	date, err := time.Parse(releaseDateLayout, raw)
	if err != nil {
		return fmt.Errorf("invalid release date %q: %w", raw, err)
	}

	// false means another writer filled it first, which is fine
	_, err = j.store.SetReleaseDate(ctx, appID, date)
	return err
}

// pending reads the file and keeps one row per game still missing a date,
// ordered by app id
func (j *ReleaseDatesJob) pending(ctx context.Context, path string) ([]dataset.ReleaseDate, error) {
	rc, err := j.opener.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	dates, _, err := dataset.ReadReleaseDates(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	missing, err := j.store.GamesMissingReleaseDate(ctx, 0)
	if err != nil {
		return nil, err
	}
	want := make(map[int]bool, len(missing))
	for _, id := range missing {
		want[id] = true
	}

	out := make([]dataset.ReleaseDate, 0, len(missing))
	for _, d := range dates {
		if want[d.AppID] {
			out = append(out, d)
			want[d.AppID] = false
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].AppID < out[b].AppID })
	return out, nil
}

type releaseDateSource struct {
	job  *ReleaseDatesJob
	path string
}

func (s *releaseDateSource) Pending(ctx context.Context, limit int) ([]domain.WorkItem, error) {
	dates, err := s.job.pending(ctx, s.path)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(dates) > limit {
		dates = dates[:limit]
	}

	items := make([]domain.WorkItem, len(dates))
	for i, d := range dates {
		items[i] = domain.WorkItem{
			Key:     strconv.Itoa(d.AppID),
			Payload: json.RawMessage(strconv.Quote(d.Date.Format(releaseDateLayout))),
		}
	}
	return items, nil
}
