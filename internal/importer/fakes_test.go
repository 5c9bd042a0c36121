package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/ingest-engine/internal/domain"
	"github.com/cuongbtq/ingest-engine/internal/storage"
	"github.com/cuongbtq/ingest-engine/internal/upsert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// catalogSource serves pages of synthetic SteamSpy records
type catalogSource struct {
	pages map[int][]int
	errAt map[int]error
	calls []int
}

func (s *catalogSource) FetchPage(_ context.Context, page int) (map[string]json.RawMessage, error) {
	s.calls = append(s.calls, page)
	if err, ok := s.errAt[page]; ok {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(s.pages[page]))
	for _, id := range s.pages[page] {
		out[strconv.Itoa(id)] = appRecord(id)
	}
	return out, nil
}

func appRecord(id int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"appid":%d,"name":"Game %d","developer":"Dev","publisher":"Pub","owners":"20,000 .. 50,000","ccu":%d,"average_forever":60,"median_forever":30,"positive":10,"negative":2}`,
		id, id, id%100,
	))
}

func pageOf(from, n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = from + i
	}
	return ids
}

// memTable is an in-memory keyed table implementing upsert.WindowWriter
type memTable[R any] struct {
	key       func(R) string
	rows      map[string]R
	failNext  int
	windows   int
	rowWrites int
}

func newMemTable[R any](key func(R) string) *memTable[R] {
	return &memTable[R]{key: key, rows: make(map[string]R)}
}

func (t *memTable[R]) InsertRow(_ context.Context, row R) error {
	t.rowWrites++
	k := t.key(row)
	if _, ok := t.rows[k]; ok {
		return domain.ErrDuplicate
	}
	t.rows[k] = row
	return nil
}

func (t *memTable[R]) InsertWindow(_ context.Context, rows []R) (int, error) {
	t.windows++
	if t.failNext > 0 {
		t.failNext--
		return 0, errors.New("deadlock detected")
	}
	n := 0
	for _, r := range rows {
		k := t.key(r)
		if _, ok := t.rows[k]; ok {
			continue
		}
		t.rows[k] = r
		n++
	}
	return n, nil
}

func (t *memTable[R]) keys() upsert.KeySet {
	ks := make(upsert.KeySet, len(t.rows))
	for k := range t.rows {
		ks.Add(k)
	}
	return ks
}

func gameKey(g storage.Game) string { return strconv.Itoa(g.AppID) }
func statsKey(ps storage.PlayerStats) string { return strconv.Itoa(ps.AppID) }
func associationKey(a storage.Association) string { return a.Key() }

// memCheckpoints is an in-memory Checkpointer
type memCheckpoints struct {
	saved map[string]int
	saves []int
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{saved: make(map[string]int)}
}

func (c *memCheckpoints) Load(_ context.Context, name string) (int, bool, error) {
	v, ok := c.saved[name]
	return v, ok, nil
}

func (c *memCheckpoints) Save(_ context.Context, name string, cursor int) error {
	c.saved[name] = cursor
	c.saves = append(c.saves, cursor)
	return nil
}

func (c *memCheckpoints) Clear(_ context.Context, name string) error {
	delete(c.saved, name)
	return nil
}

// memGames backs the catalog-facing store interfaces
type memGames struct {
	games    *memTable[storage.Game]
	stats    *memTable[storage.PlayerStats]
	refs     map[storage.AssociationKind]upsert.KeySet
	assoc    map[storage.AssociationKind]*memTable[storage.Association]
	released map[int]time.Time
}

func newMemGames(ids ...int) *memGames {
	g := &memGames{
		games: newMemTable(gameKey),
		stats: newMemTable(statsKey),
		refs:  map[storage.AssociationKind]upsert.KeySet{},
		assoc: map[storage.AssociationKind]*memTable[storage.Association]{
			storage.AssociationGenres: newMemTable(associationKey),
			storage.AssociationTags:   newMemTable(associationKey),
		},
		released: map[int]time.Time{},
	}
	for _, id := range ids {
		g.games.rows[strconv.Itoa(id)] = storage.Game{AppID: id, Name: "Game " + strconv.Itoa(id)}
	}
	return g
}

func (g *memGames) GameAppIDs(context.Context) (upsert.KeySet, error) {
	return g.games.keys(), nil
}

func (g *memGames) PlayerStatsAppIDs(context.Context) (upsert.KeySet, error) {
	return g.stats.keys(), nil
}

func (g *memGames) AppIDsNeedingStats(context.Context) (upsert.KeySet, error) {
	out := make(upsert.KeySet)
	for k := range g.games.rows {
		if _, ok := g.stats.rows[k]; !ok {
			out.Add(k)
		}
	}
	return out, nil
}

func (g *memGames) sortedNeedingStats(resumeFrom int) []int {
	var ids []int
	for k := range g.games.rows {
		id, _ := strconv.Atoi(k)
		if _, ok := g.stats.rows[k]; !ok && id >= resumeFrom {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

func (g *memGames) GamesNeedingStats(_ context.Context, resumeFrom, limit int) ([]int, error) {
	ids := g.sortedNeedingStats(resumeFrom)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (g *memGames) CountGamesNeedingStats(_ context.Context, resumeFrom int) (int, error) {
	return len(g.sortedNeedingStats(resumeFrom)), nil
}

func (g *memGames) RefIDs(_ context.Context, kind storage.AssociationKind) (upsert.KeySet, error) {
	return g.refs[kind], nil
}

func (g *memGames) AssociationKeys(_ context.Context, kind storage.AssociationKind) (upsert.KeySet, error) {
	return g.assoc[kind].keys(), nil
}

func (g *memGames) GamesMissingReleaseDate(_ context.Context, limit int) ([]int, error) {
	var ids []int
	for k := range g.games.rows {
		id, _ := strconv.Atoi(k)
		if _, ok := g.released[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (g *memGames) SetReleaseDate(_ context.Context, appID int, date time.Time) (bool, error) {
	if _, ok := g.games.rows[strconv.Itoa(appID)]; !ok {
		return false, nil
	}
	if _, ok := g.released[appID]; ok {
		return false, nil
	}
	g.released[appID] = date
	return true, nil
}

// memOpener serves files from memory
type memOpener map[string]string

func (o memOpener) Open(_ context.Context, path string) (io.ReadCloser, error) {
	body, ok := o[path]
	if !ok {
		return nil, fmt.Errorf("open %s: no such file", path)
	}
	return io.NopCloser(strings.NewReader(body)), nil
}
