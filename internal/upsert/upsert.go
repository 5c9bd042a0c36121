// Package upsert writes keyed records exactly once, in fixed-size windows
// with one commit per window.
package upsert

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cuongbtq/ingest-engine/internal/domain"
)

// DefaultWindowSize is used when Options.WindowSize is unset
const DefaultWindowSize = 1000

// Record pairs a natural key with the row to write
type Record[R any] struct {
	Key string
	Row R
}

// RowWriter inserts a single row. It returns domain.ErrDuplicate when the
// natural key already exists.
type RowWriter[R any] interface {
	InsertRow(ctx context.Context, row R) error
}

// WindowWriter inserts a window of rows in one transaction, ignoring
// conflicts, and reports how many rows were actually inserted. A returned
// error means the whole window was rolled back.
type WindowWriter[R any] interface {
	RowWriter[R]
	InsertWindow(ctx context.Context, rows []R) (int, error)
}

// Options controls one Upsert call
type Options struct {
	WindowSize int
	// StartWindow skips windows with a lower index, for resuming a run
	StartWindow int
	// OnWindow is called after each window commits, with its index
	OnWindow func(window int, inserted int)
}

// Result describes what one Upsert call did
type Result struct {
	Inserted      int
	Skipped       int
	Windows       int
	FailedWindows int
	FailedRows    int
	// LastWindow is the highest window index attempted, -1 if none
	LastWindow int
}

// Upserter writes records through a RowWriter, using window writes when the
// writer supports them
type Upserter[R any] struct {
	writer RowWriter[R]
	logger *slog.Logger
}

// New creates an Upserter
func New[R any](writer RowWriter[R], logger *slog.Logger) *Upserter[R] {
	return &Upserter[R]{writer: writer, logger: logger}
}

// Upsert persists records whose keys are absent from existing. Windows are
// cut from the input order, so window indexes stay stable across reruns over
// the same input. Written keys are added to existing and removed from needed.
// Either set may be nil.
func (u *Upserter[R]) Upsert(ctx context.Context, records []Record[R], existing, needed KeySet, opts Options) Result {
	res := Result{LastWindow: -1}

	size := opts.WindowSize
	if size <= 0 {
		size = DefaultWindowSize
	}

	ww, batched := u.writer.(WindowWriter[R])
	seen := make(KeySet, len(records))

	for start, idx := 0, 0; start < len(records); start, idx = start+size, idx+1 {
		if idx < opts.StartWindow {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		end := min(start+size, len(records))
		window := make([]Record[R], 0, end-start)
		for _, rec := range records[start:end] {
			if existing.Has(rec.Key) || seen.Has(rec.Key) {
				res.Skipped++
				continue
			}
			seen.Add(rec.Key)
			window = append(window, rec)
		}

		res.Windows++
		res.LastWindow = idx

		var (
			inserted int
			written  []Record[R]
		)
		switch {
		case len(window) == 0:
		case batched:
			n, err := ww.InsertWindow(ctx, rows(window))
			if err != nil {
				res.FailedWindows++
				u.logger.Error("Window write failed, rolled back",
					slog.Int("window", idx),
					slog.Int("rows", len(window)),
					slog.Any("error", err),
				)
				continue
			}
			inserted, written = n, window
		default:
			inserted, written = u.writeRows(ctx, window, &res)
		}

		res.Inserted += inserted
		for _, rec := range written {
			if existing != nil {
				existing.Add(rec.Key)
			}
			if needed != nil {
				needed.Remove(rec.Key)
			}
		}

		if opts.OnWindow != nil {
			opts.OnWindow(idx, inserted)
		}

		u.logger.Debug("Window committed",
			slog.Int("window", idx),
			slog.Int("inserted", inserted),
		)
	}

	return res
}

// writeRows inserts one row at a time, swallowing duplicates. It returns the
// insert count and the records now present in the store.
func (u *Upserter[R]) writeRows(ctx context.Context, window []Record[R], res *Result) (int, []Record[R]) {
	inserted := 0
	present := make([]Record[R], 0, len(window))
	for _, rec := range window {
		err := u.writer.InsertRow(ctx, rec.Row)
		switch {
		case err == nil:
			inserted++
			present = append(present, rec)
		case errors.Is(err, domain.ErrDuplicate):
			present = append(present, rec)
		default:
			res.FailedRows++
			u.logger.Warn("Row write failed",
				slog.String("key", rec.Key),
				slog.Any("error", err),
			)
		}
	}
	return inserted, present
}

func rows[R any](recs []Record[R]) []R {
	out := make([]R, len(recs))
	for i, r := range recs {
		out[i] = r.Row
	}
	return out
}
