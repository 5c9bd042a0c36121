package importer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cuongbtq/ingest-engine/internal/domain"
	"github.com/cuongbtq/ingest-engine/internal/fetcher"
	"github.com/cuongbtq/ingest-engine/internal/storage"
	"github.com/cuongbtq/ingest-engine/internal/upsert"
)

// Checkpoint names of the paged imports
const (
	CatalogImportName     = "steamspy:catalog"
	PlayerStatsImportName = "steamspy:player_stats"
)

// GameCatalog is the part of the game store the paged imports read
type GameCatalog interface {
	GameAppIDs(ctx context.Context) (upsert.KeySet, error)
	PlayerStatsAppIDs(ctx context.Context) (upsert.KeySet, error)
	AppIDsNeedingStats(ctx context.Context) (upsert.KeySet, error)
}

// NewCatalogImport pages through the SteamSpy catalog into the games table
func NewCatalogImport(
	games GameCatalog,
	writer upsert.RowWriter[storage.Game],
	pages PageFetcher,
	checkpoints Checkpointer,
	windowSize int,
	logger *slog.Logger,
) *BulkImport[storage.Game] {
	return NewBulkImport(BulkConfig[storage.Game]{
		Name:        CatalogImportName,
		Fetcher:     pages,
		Writer:      writer,
		Map:         GameFromItem,
		Existing:    games.GameAppIDs,
		Checkpoints: checkpoints,
		WindowSize:  windowSize,
	}, logger)
}

// NewPlayerStatsImport pages through the SteamSpy catalog, writing stats
// only for catalog games that have none. The run ends once every such game
// has been covered.
func NewPlayerStatsImport(
	games GameCatalog,
	writer upsert.RowWriter[storage.PlayerStats],
	pages PageFetcher,
	checkpoints Checkpointer,
	windowSize int,
	logger *slog.Logger,
) *BulkImport[storage.PlayerStats] {
	return NewBulkImport(BulkConfig[storage.PlayerStats]{
		Name:        PlayerStatsImportName,
		Fetcher:     pages,
		Writer:      writer,
		Map:         StatsFromItem(time.Now),
		Existing:    games.PlayerStatsAppIDs,
		Needed:      games.AppIDsNeedingStats,
		OnlyNeeded:  true,
		Checkpoints: checkpoints,
		WindowSize:  windowSize,
	}, logger)
}

// GameFromItem maps a SteamSpy record to a games row
func GameFromItem(item domain.WorkItem) (storage.Game, error) {
	d, appID, err := decodeItem(item)
	if err != nil {
		return storage.Game{}, err
	}
	if d.Name == "" {
		return storage.Game{}, fmt.Errorf("app %d has no name", appID)
	}
	return storage.Game{
		AppID:     appID,
		Name:      d.Name,
		Developer: d.Developer,
		Publisher: d.Publisher,
	}, nil
}

// StatsFromItem returns a mapper from a SteamSpy record to a player_stats row
// stamped with now
func StatsFromItem(now func() time.Time) func(domain.WorkItem) (storage.PlayerStats, error) {
	return func(item domain.WorkItem) (storage.PlayerStats, error) {
		d, appID, err := decodeItem(item)
		if err != nil {
			return storage.PlayerStats{}, err
		}
		return statsRow(appID, d, now()), nil
	}
}

func statsRow(appID int, d *fetcher.AppDetails, at time.Time) storage.PlayerStats {
	return storage.PlayerStats{
		AppID:           appID,
		RecordedAt:      at,
		PeakPlayers24h:  d.CCU,
		AveragePlaytime: d.AverageForever,
		MedianPlaytime:  d.MedianForever,
		EstimatedOwners: int64(fetcher.ParseOwners(d.Owners)),
		PositiveReviews: d.Positive,
		NegativeReviews: d.Negative,
	}
}

// decodeItem parses the payload and takes the app id from the item key,
// falling back to the payload
func decodeItem(item domain.WorkItem) (*fetcher.AppDetails, int, error) {
	if len(item.Payload) == 0 {
		return nil, 0, fmt.Errorf("item %s has no payload", item.Key)
	}
	d, err := fetcher.DecodeAppDetails(item.Payload)
	if err != nil {
		return nil, 0, err
	}

	appID, err := strconv.Atoi(item.Key)
	if err != nil {
		appID = d.AppID
	}
	if appID <= 0 {
		return nil, 0, fmt.Errorf("item %s has no app id", item.Key)
	}
	return d, appID, nil
}
