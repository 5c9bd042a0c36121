package importer

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/cuongbtq/ingest-engine/internal/storage"
	"github.com/cuongbtq/ingest-engine/internal/upsert"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pairsCSV(header string, pairs ...[2]int) string {
	var b strings.Builder
	b.WriteString(header + "\n")
	for _, p := range pairs {
		fmt.Fprintf(&b, "%d,%d\n", p[0], p[1])
	}
	return b.String()
}

func TestAssociationImport_Filters(t *testing.T) {
	ctx := context.Background()
	games := newMemGames(10, 20, 30)
	games.refs[storage.AssociationGenres] = upsert.NewKeySet("1", "2")
	games.assoc[storage.AssociationGenres].rows["10:1"] = storage.Association{AppID: 10, RefID: 1}

	opener := memOpener{"genres.csv": pairsCSV("appid,genre_id",
		[2]int{10, 1}, // already present
		[2]int{10, 2},
		[2]int{20, 1},
		[2]int{20, 9}, // unknown genre
		[2]int{99, 1}, // unknown game
		[2]int{30, 2},
		[2]int{30, 2}, // repeated in file
	) + "x,1\n"}

	cp := newMemCheckpoints()
	imp := NewAssociationImport(storage.AssociationGenres, opener, games, games.assoc[storage.AssociationGenres], cp, 0, testLogger())

	res, err := imp.Run(ctx, AssociationOptions{Path: "genres.csv"})
	require.NoError(t, err)
	assert.Equal(t, 8, res.Rows)
	assert.Equal(t, 1, res.InvalidRows)
	assert.Equal(t, 5, res.Eligible)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 1, res.NextWindow)
	assert.Len(t, games.assoc[storage.AssociationGenres].rows, 4)
	assert.Equal(t, 1, cp.saved["zenodo:genres"])

	// a second run inserts nothing
	res, err = imp.Run(ctx, AssociationOptions{Path: "genres.csv", Reset: true})
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)
}

func TestAssociationImport_WindowResume(t *testing.T) {
	ctx := context.Background()
	ids := make([]int, 10)
	pairs := make([][2]int, 10)
	for i := range ids {
		ids[i] = 100 + i
		pairs[i] = [2]int{100 + i, 7}
	}
	games := newMemGames(ids...)
	games.refs[storage.AssociationTags] = upsert.NewKeySet("7")
	table := games.assoc[storage.AssociationTags]
	opener := memOpener{"tags.csv": pairsCSV("appid,tag_id", pairs...)}
	cp := newMemCheckpoints()

	imp := NewAssociationImport(storage.AssociationTags, opener, games, table, cp, 3, testLogger())

	// window 1 fails: the checkpoint stops at it even though later windows commit
	failing := &failSecondWindow{memTable: table}
	imp.upserter = upsert.New[storage.Association](failing, testLogger())

	res, err := imp.Run(ctx, AssociationOptions{Path: "tags.csv"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedWindows)
	assert.Equal(t, 7, res.Inserted)
	assert.Equal(t, 1, res.NextWindow)
	assert.Equal(t, 1, cp.saved["zenodo:tags"])

	// resuming from the checkpoint replays window 1 onwards
	imp.upserter = upsert.New[storage.Association](table, testLogger())
	res, err = imp.Run(ctx, AssociationOptions{Path: "tags.csv"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.StartWindow)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 4, res.NextWindow)
	assert.Len(t, table.rows, 10)

	// an explicit window skips the earlier ones
	res, err = imp.Run(ctx, AssociationOptions{Path: "tags.csv", ResumeWindow: intPtr(3)})
	require.NoError(t, err)
	assert.Equal(t, 3, res.StartWindow)
	assert.Equal(t, 1, res.Skipped)
}

func TestAssociationImport_MissingFile(t *testing.T) {
	games := newMemGames()
	imp := NewAssociationImport(storage.AssociationTags, memOpener{}, games, games.assoc[storage.AssociationTags], nil, 0, testLogger())
	_, err := imp.Run(context.Background(), AssociationOptions{Path: "nope.csv"})
	assert.Error(t, err)
}

// failSecondWindow fails the window at index 1 and delegates the rest
type failSecondWindow struct {
	*memTable[storage.Association]
	calls int
}

func (f *failSecondWindow) InsertWindow(ctx context.Context, rows []storage.Association) (int, error) {
	f.calls++
	if f.calls == 2 {
		return 0, fmt.Errorf("window rejected")
	}
	return f.memTable.InsertWindow(ctx, rows)
}
