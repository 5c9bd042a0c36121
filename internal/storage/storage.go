// Package storage is the PostgreSQL persistence layer: the job ledger table,
// the ingested game tables and import checkpoints.
package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation
const uniqueViolation = "23505"

// Storage groups the repositories sharing one connection pool
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger

	Jobs        *LedgerStore
	Games       *GameStore
	Checkpoints *CheckpointStore
}

// NewStorage creates a Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:          db,
		logger:      logger,
		Jobs:        NewLedgerStore(db, logger),
		Games:       NewGameStore(db, logger),
		Checkpoints: NewCheckpointStore(db),
	}
}

// EnsureSchema creates any missing tables and indexes
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	s.logger.Info("Database schema ensured")
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// placeholders returns "($1, $2), ($3, $4), ..." for rows of width columns
func placeholders(rows, width int) string {
	buf := make([]byte, 0, rows*width*5)
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			buf = append(buf, ", "...)
		}
		buf = append(buf, '(')
		for c := 0; c < width; c++ {
			if c > 0 {
				buf = append(buf, ", "...)
			}
			buf = append(buf, fmt.Sprintf("$%d", n)...)
			n++
		}
		buf = append(buf, ')')
	}
	return string(buf)
}
