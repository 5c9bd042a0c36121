package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cuongbtq/ingest-engine/internal/domain"
	"github.com/cuongbtq/ingest-engine/internal/upsert"
	"github.com/jmoiron/sqlx"
)

// Game is one catalog row keyed by steam_appid
type Game struct {
	AppID     int    `db:"steam_appid"`
	Name      string `db:"name"`
	Developer string `db:"developer"`
	Publisher string `db:"publisher"`
}

// PlayerStats is one enrichment row keyed by steam_appid
type PlayerStats struct {
	AppID           int       `db:"steam_appid"`
	RecordedAt      time.Time `db:"recorded_at"`
	PeakPlayers24h  int       `db:"peak_players_24h"`
	AveragePlaytime int       `db:"average_playtime_minutes"`
	MedianPlaytime  int       `db:"median_playtime_minutes"`
	EstimatedOwners int64     `db:"estimated_owners"`
	PositiveReviews int       `db:"positive_reviews"`
	NegativeReviews int       `db:"negative_reviews"`
}

// AssociationKind selects the game_genres or game_tags table
type AssociationKind string

const (
	AssociationGenres AssociationKind = "genres"
	AssociationTags   AssociationKind = "tags"
)

// Association links a game to a genre or tag id
type Association struct {
	AppID int
	RefID int
}

// Key is the natural key of the pair
func (a Association) Key() string {
	return AssociationKey(a.AppID, a.RefID)
}

// AssociationKey formats the natural key of an (appid, ref id) pair
func AssociationKey(appID, refID int) string {
	return strconv.Itoa(appID) + ":" + strconv.Itoa(refID)
}

func (k AssociationKind) tables() (assoc, ref, column string, err error) {
	switch k {
	case AssociationGenres:
		return "game_genres", "genres", "genre_id", nil
	case AssociationTags:
		return "game_tags", "tags", "tag_id", nil
	}
	return "", "", "", fmt.Errorf("unknown association kind %q", k)
}

// GameStore reads and writes the ingested game tables
type GameStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewGameStore creates a GameStore
func NewGameStore(db *sqlx.DB, logger *slog.Logger) *GameStore {
	return &GameStore{db: db, logger: logger}
}

// GameAppIDs loads every catalog app id
func (s *GameStore) GameAppIDs(ctx context.Context) (upsert.KeySet, error) {
	return s.keySet(ctx, `SELECT steam_appid FROM games`)
}

// PlayerStatsAppIDs loads every app id that already has stats
func (s *GameStore) PlayerStatsAppIDs(ctx context.Context) (upsert.KeySet, error) {
	return s.keySet(ctx, `SELECT steam_appid FROM player_stats`)
}

// AppIDsNeedingStats loads every catalog app id without stats
func (s *GameStore) AppIDsNeedingStats(ctx context.Context) (upsert.KeySet, error) {
	return s.keySet(ctx, `
		SELECT g.steam_appid
		FROM games g
		LEFT JOIN player_stats ps ON g.steam_appid = ps.steam_appid
		WHERE ps.steam_appid IS NULL`)
}

// RefIDs loads the valid genre or tag ids
func (s *GameStore) RefIDs(ctx context.Context, kind AssociationKind) (upsert.KeySet, error) {
	_, ref, _, err := kind.tables()
	if err != nil {
		return nil, err
	}
	return s.keySet(ctx, `SELECT id FROM `+ref)
}

// AssociationKeys loads the existing pairs as "appid:ref_id" keys
func (s *GameStore) AssociationKeys(ctx context.Context, kind AssociationKind) (upsert.KeySet, error) {
	assoc, _, column, err := kind.tables()
	if err != nil {
		return nil, err
	}

	var pairs []struct {
		AppID int `db:"steam_appid"`
		RefID int `db:"ref_id"`
	}
	query := fmt.Sprintf(`SELECT steam_appid, %s AS ref_id FROM %s`, column, assoc)
	if err := s.db.SelectContext(ctx, &pairs, query); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", assoc, err)
	}

	keys := make(upsert.KeySet, len(pairs))
	for _, p := range pairs {
		keys.Add(AssociationKey(p.AppID, p.RefID))
	}
	return keys, nil
}

// GamesNeedingStats returns app ids lacking stats, ascending, starting at
// resumeFrom. A non-positive limit returns all of them.
func (s *GameStore) GamesNeedingStats(ctx context.Context, resumeFrom, limit int) ([]int, error) {
	query := `
		SELECT g.steam_appid
		FROM games g
		LEFT JOIN player_stats ps ON g.steam_appid = ps.steam_appid
		WHERE ps.steam_appid IS NULL
		  AND g.steam_appid >= $1
		ORDER BY g.steam_appid`
	args := []interface{}{resumeFrom}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	var ids []int
	if err := s.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("failed to select games needing stats: %w", err)
	}
	return ids, nil
}

// CountGamesNeedingStats counts app ids >= resumeFrom lacking stats
func (s *GameStore) CountGamesNeedingStats(ctx context.Context, resumeFrom int) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM games g
		LEFT JOIN player_stats ps ON g.steam_appid = ps.steam_appid
		WHERE ps.steam_appid IS NULL
		  AND g.steam_appid >= $1`

	var n int
	if err := s.db.GetContext(ctx, &n, query, resumeFrom); err != nil {
		return 0, fmt.Errorf("failed to count games needing stats: %w", err)
	}
	return n, nil
}

// GamesMissingReleaseDate returns app ids with a NULL release date, ascending
func (s *GameStore) GamesMissingReleaseDate(ctx context.Context, limit int) ([]int, error) {
	query := `SELECT steam_appid FROM games WHERE release_date IS NULL ORDER BY steam_appid`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	var ids []int
	if err := s.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("failed to select games missing release date: %w", err)
	}
	return ids, nil
}

// SetReleaseDate sets the release date of appID only when it is still NULL.
// It reports whether a row changed.
func (s *GameStore) SetReleaseDate(ctx context.Context, appID int, date time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE games
		SET release_date = $1, updated_at = NOW()
		WHERE steam_appid = $2 AND release_date IS NULL`,
		date, appID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to set release date: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *GameStore) keySet(ctx context.Context, query string) (upsert.KeySet, error) {
	var ids []int
	if err := s.db.SelectContext(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("failed to load keys: %w", err)
	}
	keys := make(upsert.KeySet, len(ids))
	for _, id := range ids {
		keys.Add(strconv.Itoa(id))
	}
	return keys, nil
}

// GameWriter inserts catalog rows
type GameWriter struct {
	db *sqlx.DB
}

// NewGameWriter creates a GameWriter
func NewGameWriter(db *sqlx.DB) *GameWriter {
	return &GameWriter{db: db}
}

var _ upsert.WindowWriter[Game] = (*GameWriter)(nil)

// InsertRow inserts one game, returning domain.ErrDuplicate on conflict
func (w *GameWriter) InsertRow(ctx context.Context, g Game) error {
	_, err := w.db.NamedExecContext(ctx, `
		INSERT INTO games (steam_appid, name, developer, publisher)
		VALUES (:steam_appid, :name, :developer, :publisher)`, g)
	return rowError(err, "game")
}

// InsertWindow inserts games in one transaction, ignoring existing app ids
func (w *GameWriter) InsertWindow(ctx context.Context, games []Game) (int, error) {
	args := make([]interface{}, 0, len(games)*4)
	for _, g := range games {
		args = append(args, g.AppID, g.Name, g.Developer, g.Publisher)
	}
	return insertWindow(ctx, w.db,
		`INSERT INTO games (steam_appid, name, developer, publisher) VALUES `,
		placeholders(len(games), 4),
		` ON CONFLICT (steam_appid) DO NOTHING`,
		args,
	)
}

// PlayerStatsWriter inserts player stats rows
type PlayerStatsWriter struct {
	db *sqlx.DB
}

// NewPlayerStatsWriter creates a PlayerStatsWriter
func NewPlayerStatsWriter(db *sqlx.DB) *PlayerStatsWriter {
	return &PlayerStatsWriter{db: db}
}

var _ upsert.WindowWriter[PlayerStats] = (*PlayerStatsWriter)(nil)

// InsertRow inserts one stats row, returning domain.ErrDuplicate on conflict
func (w *PlayerStatsWriter) InsertRow(ctx context.Context, ps PlayerStats) error {
	_, err := w.db.NamedExecContext(ctx, `
		INSERT INTO player_stats (
			steam_appid, recorded_at, peak_players_24h, average_playtime_minutes,
			median_playtime_minutes, estimated_owners, positive_reviews, negative_reviews
		) VALUES (
			:steam_appid, :recorded_at, :peak_players_24h, :average_playtime_minutes,
			:median_playtime_minutes, :estimated_owners, :positive_reviews, :negative_reviews
		)`, ps)
	return rowError(err, "player stats")
}

// InsertWindow inserts stats in one transaction, ignoring existing app ids
func (w *PlayerStatsWriter) InsertWindow(ctx context.Context, rows []PlayerStats) (int, error) {
	args := make([]interface{}, 0, len(rows)*8)
	for _, ps := range rows {
		args = append(args,
			ps.AppID, ps.RecordedAt, ps.PeakPlayers24h, ps.AveragePlaytime,
			ps.MedianPlaytime, ps.EstimatedOwners, ps.PositiveReviews, ps.NegativeReviews,
		)
	}
	return insertWindow(ctx, w.db,
		`INSERT INTO player_stats (
			steam_appid, recorded_at, peak_players_24h, average_playtime_minutes,
			median_playtime_minutes, estimated_owners, positive_reviews, negative_reviews
		) VALUES `,
		placeholders(len(rows), 8),
		` ON CONFLICT (steam_appid) DO NOTHING`,
		args,
	)
}

// AssociationWriter inserts game/genre or game/tag pairs
type AssociationWriter struct {
	db     *sqlx.DB
	table  string
	column string
}

// NewAssociationWriter creates a writer for kind
func NewAssociationWriter(db *sqlx.DB, kind AssociationKind) (*AssociationWriter, error) {
	table, _, column, err := kind.tables()
	if err != nil {
		return nil, err
	}
	return &AssociationWriter{db: db, table: table, column: column}, nil
}

var _ upsert.WindowWriter[Association] = (*AssociationWriter)(nil)

// InsertRow inserts one pair, returning domain.ErrDuplicate on conflict
func (w *AssociationWriter) InsertRow(ctx context.Context, a Association) error {
	query := fmt.Sprintf(`INSERT INTO %s (steam_appid, %s) VALUES ($1, $2)`, w.table, w.column)
	_, err := w.db.ExecContext(ctx, query, a.AppID, a.RefID)
	return rowError(err, w.table)
}

// InsertWindow inserts pairs in one transaction, ignoring existing pairs
func (w *AssociationWriter) InsertWindow(ctx context.Context, pairs []Association) (int, error) {
	args := make([]interface{}, 0, len(pairs)*2)
	for _, a := range pairs {
		args = append(args, a.AppID, a.RefID)
	}
	return insertWindow(ctx, w.db,
		fmt.Sprintf(`INSERT INTO %s (steam_appid, %s) VALUES `, w.table, w.column),
		placeholders(len(pairs), 2),
		fmt.Sprintf(` ON CONFLICT (steam_appid, %s) DO NOTHING`, w.column),
		args,
	)
}

func rowError(err error, what string) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return domain.ErrDuplicate
	}
	return fmt.Errorf("failed to insert %s: %w", what, err)
}

// insertWindow runs one multi-row insert inside its own transaction
func insertWindow(ctx context.Context, db *sqlx.DB, prefix, values, suffix string, args []interface{}) (inserted int, err error) {
	if len(args) == 0 {
		return 0, nil
	}

	tx, err := db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	result, err := tx.ExecContext(ctx, prefix+values+suffix, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert window: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit window: %w", err)
	}
	return int(n), nil
}
