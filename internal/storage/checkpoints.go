package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// CheckpointStore saves the last committed cursor of each named import
type CheckpointStore struct {
	db *sqlx.DB
}

// NewCheckpointStore creates a CheckpointStore
func NewCheckpointStore(db *sqlx.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Load returns the saved cursor for name. ok is false when none exists.
func (s *CheckpointStore) Load(ctx context.Context, name string) (cursor int, ok bool, err error) {
	err = s.db.GetContext(ctx, &cursor, `SELECT next_cursor FROM import_checkpoints WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cursor, true, nil
}

// Save records cursor for name
func (s *CheckpointStore) Save(ctx context.Context, name string, cursor int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO import_checkpoints (name, next_cursor, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET next_cursor = EXCLUDED.next_cursor, updated_at = NOW()`,
		name, cursor,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Clear removes the checkpoint for name
func (s *CheckpointStore) Clear(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM import_checkpoints WHERE name = $1`, name); err != nil {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	return nil
}
