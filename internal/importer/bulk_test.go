package importer

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/cuongbtq/ingest-engine/internal/fetcher"
	"github.com/cuongbtq/ingest-engine/internal/storage"
	"github.com/cuongbtq/ingest-engine/internal/upsert"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

// Three pages of 1000 items, 500 already stored: 2500 written and nothing
// left needed.
func TestBulkImport_ThreePagesWithExisting(t *testing.T) {
	ctx := context.Background()
	src := &catalogSource{pages: map[int][]int{
		0: pageOf(1, 1000),
		1: pageOf(1001, 1000),
		2: pageOf(2001, 1000),
	}}

	table := newMemTable(gameKey)
	for id := 1; id <= 3000; id += 6 {
		table.rows[strconv.Itoa(id)] = storage.Game{AppID: id, Name: "old"}
	}
	require.Equal(t, 500, len(table.rows))

	needed := make(upsert.KeySet)
	for id := 1; id <= 3000; id++ {
		if _, ok := table.rows[strconv.Itoa(id)]; !ok {
			needed.Add(strconv.Itoa(id))
		}
	}

	imp := NewBulkImport(BulkConfig[storage.Game]{
		Name:     "test",
		Fetcher:  fetcher.NewBulkFetcher(src, 0, testLogger()),
		Writer:   table,
		Map:      GameFromItem,
		Existing: func(context.Context) (upsert.KeySet, error) { return table.keys(), nil },
		Needed:   func(context.Context) (upsert.KeySet, error) { return needed, nil },
	}, testLogger())

	res, err := imp.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2500, res.ItemsWritten)
	assert.Equal(t, 500, res.ItemsSkipped)
	assert.Zero(t, res.RemainingNeeded)
	assert.Zero(t, needed.Len())
	assert.Equal(t, 3, res.PagesProcessed)
	assert.Equal(t, EndNothingNeeded, res.EndReason)
	assert.Equal(t, 3000, len(table.rows))
	assert.Equal(t, "old", table.rows["1"].Name)
}

func TestBulkImport_Checkpoints(t *testing.T) {
	ctx := context.Background()
	src := &catalogSource{pages: map[int][]int{
		0: pageOf(1, 10),
		1: pageOf(11, 10),
		2: pageOf(21, 10),
		3: pageOf(31, 10),
	}}
	games := newMemGames()
	cp := newMemCheckpoints()

	newImport := func() *BulkImport[storage.Game] {
		return NewCatalogImport(games, games.games, fetcher.NewBulkFetcher(src, 0, testLogger()), cp, 4, testLogger())
	}

	res, err := newImport().Run(ctx, Options{MaxPages: 2})
	require.NoError(t, err)
	assert.Equal(t, EndMaxPages, res.EndReason)
	assert.Equal(t, 2, res.PagesProcessed)
	assert.Equal(t, 20, res.ItemsWritten)
	assert.Equal(t, 2, cp.saved[CatalogImportName])

	// the next run picks up from the saved cursor
	src.calls = nil
	res, err = newImport().Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.StartCursor)
	assert.Equal(t, []int{2, 3, 4}, src.calls)
	assert.Equal(t, EndOfData, res.EndReason)
	assert.Equal(t, 20, res.ItemsWritten)
	assert.Equal(t, 4, res.LastCursor)
	assert.Equal(t, 40, len(games.games.rows))

	// an explicit cursor wins over the checkpoint and replays idempotently
	src.calls = nil
	res, err = newImport().Run(ctx, Options{StartCursor: intPtr(1), MaxPages: 1})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, src.calls)
	assert.Zero(t, res.ItemsWritten)
	assert.Equal(t, 10, res.ItemsSkipped)

	// reset starts from zero
	src.calls = nil
	_, err = newImport().Run(ctx, Options{Reset: true, MaxPages: 1})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, src.calls)
	assert.Equal(t, 1, cp.saved[CatalogImportName])
}

func TestBulkImport_FetchFailureEndsRun(t *testing.T) {
	ctx := context.Background()
	src := &catalogSource{
		pages: map[int][]int{0: pageOf(1, 5), 2: pageOf(11, 5)},
		errAt: map[int]error{1: errors.New("429 too many requests")},
	}
	games := newMemGames()
	cp := newMemCheckpoints()

	res, err := NewCatalogImport(games, games.games, fetcher.NewBulkFetcher(src, 0, testLogger()), cp, 0, testLogger()).
		Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, EndFetchFailed, res.EndReason)
	assert.Error(t, res.FetchErr)
	assert.Equal(t, 1, res.PagesProcessed)
	assert.Equal(t, 5, res.ItemsWritten)
	assert.Equal(t, 1, res.LastCursor)
	assert.Equal(t, 1, cp.saved[CatalogImportName])
}

func TestBulkImport_FailedWindowHoldsCheckpoint(t *testing.T) {
	ctx := context.Background()
	src := &catalogSource{pages: map[int][]int{
		0: pageOf(1, 4),
		1: pageOf(5, 4),
		2: pageOf(9, 4),
	}}
	games := newMemGames()
	cp := newMemCheckpoints()

	imp := NewCatalogImport(games, games.games, fetcher.NewBulkFetcher(src, 0, testLogger()), cp, 2, testLogger())

	_, err := imp.Run(ctx, Options{MaxPages: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, cp.saved[CatalogImportName])

	// the first window of page 1 fails
	games.games.failNext = 1
	res, err := imp.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedWindows)
	assert.Equal(t, 6, res.ItemsWritten)
	assert.Equal(t, EndOfData, res.EndReason)
	// page 1 lost a window, so the saved cursor stays on it
	assert.Equal(t, 1, cp.saved[CatalogImportName])

	// a rerun replays from page 1 and fills the gap
	res, err = imp.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ItemsWritten)
	assert.Equal(t, 12, len(games.games.rows))
	assert.Equal(t, 3, cp.saved[CatalogImportName])
}

func TestBulkImport_InvalidItemsSkipped(t *testing.T) {
	ctx := context.Background()
	src := &catalogSource{pages: map[int][]int{0: {0, 7}}}
	games := newMemGames()

	res, err := NewCatalogImport(games, games.games, fetcher.NewBulkFetcher(src, 0, testLogger()), nil, 0, testLogger()).
		Run(ctx, Options{MaxPages: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ItemsInvalid)
	assert.Equal(t, 1, res.ItemsWritten)
}

func TestBulkImport_NegativeStartCursor(t *testing.T) {
	games := newMemGames()
	_, err := NewCatalogImport(games, games.games, fetcher.NewBulkFetcher(&catalogSource{}, 0, testLogger()), nil, 0, testLogger()).
		Run(context.Background(), Options{StartCursor: intPtr(-1)})
	assert.Error(t, err)
}

func TestPlayerStatsImport_OnlyCatalogGames(t *testing.T) {
	ctx := context.Background()
	src := &catalogSource{pages: map[int][]int{
		0: pageOf(1, 10),
		1: pageOf(11, 10),
		2: pageOf(21, 10),
	}}
	games := newMemGames(3, 4, 15, 16, 17)
	games.stats.rows["4"] = storage.PlayerStats{AppID: 4}

	imp := NewPlayerStatsImport(games, games.stats, fetcher.NewBulkFetcher(src, 0, testLogger()), newMemCheckpoints(), 0, testLogger())
	res, err := imp.Run(ctx, Options{})
	require.NoError(t, err)

	assert.Equal(t, 4, res.ItemsWritten)
	assert.Zero(t, res.RemainingNeeded)
	assert.Equal(t, EndNothingNeeded, res.EndReason)
	assert.Equal(t, []int{0, 1}, src.calls)
	assert.Len(t, games.stats.rows, 5)
	assert.Equal(t, int64(35000), games.stats.rows["15"].EstimatedOwners)
	assert.Equal(t, 15, games.stats.rows["15"].PeakPlayers24h)
}
