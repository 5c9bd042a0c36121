package importer

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cuongbtq/ingest-engine/internal/domain"
	"github.com/cuongbtq/ingest-engine/internal/runner"
	"github.com/cuongbtq/ingest-engine/internal/storage"
	"github.com/cuongbtq/ingest-engine/internal/upsert"
)

// StatsCatalog selects games that still lack player stats
type StatsCatalog interface {
	GamesNeedingStats(ctx context.Context, resumeFrom, limit int) ([]int, error)
	CountGamesNeedingStats(ctx context.Context, resumeFrom int) (int, error)
}

// ItemFetcher fetches one record by key
type ItemFetcher interface {
	Fetch(ctx context.Context, key string) (domain.WorkItem, error)
}

// PlayerStatsJob enriches catalog games with SteamSpy appdetails, one game
// per unit
type PlayerStatsJob struct {
	catalog StatsCatalog
	items   ItemFetcher
	writer  upsert.RowWriter[storage.PlayerStats]
	now     func() time.Time
}

var _ JobFactory = (*PlayerStatsJob)(nil)

// NewPlayerStatsJob creates the player_stats job factory
func NewPlayerStatsJob(catalog StatsCatalog, items ItemFetcher, writer upsert.RowWriter[storage.PlayerStats]) *PlayerStatsJob {
	return &PlayerStatsJob{catalog: catalog, items: items, writer: writer, now: time.Now}
}

// Count returns the games lacking stats from resume_from, capped by max_games
func (j *PlayerStatsJob) Count(ctx context.Context, cfg *domain.JobConfig) (int, error) {
	n, err := j.catalog.CountGamesNeedingStats(ctx, cfg.PlayerStats.ResumeFrom)
	if err != nil {
		return 0, err
	}
	if limit := cfg.PlayerStats.MaxGames; limit > 0 && n > limit {
		n = limit
	}
	return n, nil
}

// Build returns a work source over games lacking stats and a processor that
// fetches and stores one game's stats
func (j *PlayerStatsJob) Build(_ context.Context, cfg *domain.JobConfig) (runner.WorkSource, runner.Processor, error) {
	src := &statsSource{catalog: j.catalog, resumeFrom: cfg.PlayerStats.ResumeFrom}
	return src, runner.ProcessorFunc(j.process), nil
}

func (j *PlayerStatsJob) process(ctx context.Context, item domain.WorkItem) error {
	fetched, err := j.items.Fetch(ctx, item.Key)
	if err != nil {
		return err
	}
	d, appID, err := decodeItem(fetched)
	if err != nil {
		return err
	}

	err = j.writer.InsertRow(ctx, statsRow(appID, d, j.now()))
	if errors.Is(err, domain.ErrDuplicate) {
		return nil
	}
	return err
}

// statsSource lists games without stats in app id order. Games that gained
// stats since are excluded by the query itself.
type statsSource struct {
	catalog    StatsCatalog
	resumeFrom int
}

func (s *statsSource) Pending(ctx context.Context, limit int) ([]domain.WorkItem, error) {
	ids, err := s.catalog.GamesNeedingStats(ctx, s.resumeFrom, limit)
	if err != nil {
		return nil, err
	}
	items := make([]domain.WorkItem, len(ids))
	for i, id := range ids {
		items[i] = domain.WorkItem{Key: strconv.Itoa(id)}
	}
	return items, nil
}
