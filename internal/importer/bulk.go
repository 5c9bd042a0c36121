// Package importer wires fetchers, dataset readers and the upserter into the
// resumable imports and the runner-driven enrichment jobs.
package importer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/ingest-engine/internal/domain"
	"github.com/cuongbtq/ingest-engine/internal/fetcher"
	"github.com/cuongbtq/ingest-engine/internal/upsert"
)

// EndReason says why a resumable import stopped
type EndReason string

const (
	EndOfData        EndReason = "end_of_data"
	EndFetchFailed   EndReason = "fetch_failed"
	EndMaxPages      EndReason = "max_pages"
	EndNothingNeeded EndReason = "nothing_needed"
	EndInterrupted   EndReason = "interrupted"
)

// Checkpointer persists the next cursor of a named import
type Checkpointer interface {
	Load(ctx context.Context, name string) (int, bool, error)
	Save(ctx context.Context, name string, cursor int) error
	Clear(ctx context.Context, name string) error
}

// PageFetcher returns one page per cursor
type PageFetcher interface {
	Fetch(ctx context.Context, cursor int) fetcher.Page
}

// KeyLoader loads a key set once per run
type KeyLoader func(ctx context.Context) (upsert.KeySet, error)

// Options controls one resumable run
type Options struct {
	// StartCursor overrides the saved checkpoint when set
	StartCursor *int
	// MaxPages bounds the pages fetched, 0 means no bound
	MaxPages int
	// Reset clears the saved checkpoint before starting
	Reset bool
}

// Result describes one resumable run
type Result struct {
	StartCursor     int
	LastCursor      int
	PagesProcessed  int
	ItemsWritten    int
	ItemsSkipped    int
	ItemsInvalid    int
	FailedWindows   int
	FailedRows      int
	RemainingNeeded int
	EndReason       EndReason
	// FetchErr is set when EndReason is EndFetchFailed
	FetchErr error
}

// BulkConfig wires one paged import
type BulkConfig[R any] struct {
	Name    string
	Fetcher PageFetcher
	Writer  upsert.RowWriter[R]
	Map     func(item domain.WorkItem) (R, error)

	Existing KeyLoader
	// Needed is optional. Written keys are removed from it and the run ends
	// once it is empty.
	Needed KeyLoader
	// OnlyNeeded drops items whose key is not in the needed set
	OnlyNeeded bool

	Checkpoints Checkpointer
	WindowSize  int
}

// BulkImport pages through a source and writes new records, saving the
// cursor after each page commits
type BulkImport[R any] struct {
	cfg      BulkConfig[R]
	upserter *upsert.Upserter[R]
	logger   *slog.Logger
}

// NewBulkImport creates a BulkImport
func NewBulkImport[R any](cfg BulkConfig[R], logger *slog.Logger) *BulkImport[R] {
	logger = logger.With(slog.String("import", cfg.Name))
	return &BulkImport[R]{
		cfg:      cfg,
		upserter: upsert.New[R](cfg.Writer, logger),
		logger:   logger,
	}
}

// Name returns the checkpoint name
func (b *BulkImport[R]) Name() string {
	return b.cfg.Name
}

// Run imports pages from the start cursor until the source is exhausted, a
// page fails, MaxPages is reached, or nothing is needed any more
func (b *BulkImport[R]) Run(ctx context.Context, opts Options) (*Result, error) {
	cursor, err := startCursor(ctx, b.cfg.Checkpoints, b.cfg.Name, opts.StartCursor, opts.Reset)
	if err != nil {
		return nil, err
	}

	existing, err := b.cfg.Existing(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing keys: %w", err)
	}

	var needed upsert.KeySet
	if b.cfg.Needed != nil {
		if needed, err = b.cfg.Needed(ctx); err != nil {
			return nil, fmt.Errorf("failed to load needed keys: %w", err)
		}
	}

	b.logger.Info("Import started",
		slog.Int("cursor", cursor),
		slog.Int("existing", existing.Len()),
		slog.Int("needed", needed.Len()),
		slog.Int("max_pages", opts.MaxPages),
	)

	res := &Result{StartCursor: cursor, LastCursor: cursor}
	// once a page loses rows the saved cursor stays put, so a rerun replays it
	hold := false

	for {
		if opts.MaxPages > 0 && res.PagesProcessed >= opts.MaxPages {
			res.EndReason = EndMaxPages
			break
		}
		if needed != nil && needed.Len() == 0 {
			res.EndReason = EndNothingNeeded
			break
		}

		page := b.cfg.Fetcher.Fetch(ctx, cursor)
		if page.Err != nil {
			if ctx.Err() != nil {
				res.EndReason = EndInterrupted
			} else {
				res.EndReason = EndFetchFailed
				res.FetchErr = page.Err
			}
			break
		}
		if page.Done {
			res.EndReason = EndOfData
			break
		}

		records := b.records(page.Items, needed, res)
		ur := b.upserter.Upsert(ctx, records, existing, needed, upsert.Options{WindowSize: b.cfg.WindowSize})
		res.ItemsWritten += ur.Inserted
		res.ItemsSkipped += ur.Skipped
		res.FailedWindows += ur.FailedWindows
		res.FailedRows += ur.FailedRows

		if ctx.Err() != nil {
			res.EndReason = EndInterrupted
			break
		}

		res.PagesProcessed++
		cursor = page.Next
		res.LastCursor = cursor

		if ur.FailedWindows > 0 || ur.FailedRows > 0 {
			if !hold {
				b.logger.Warn("Page lost rows, checkpoint held", slog.Int("page", page.Cursor))
			}
			hold = true
		}
		if !hold {
			b.saveCheckpoint(ctx, cursor)
		}

		b.logger.Info("Page imported",
			slog.Int("page", page.Cursor),
			slog.Int("items", len(page.Items)),
			slog.Int("inserted", ur.Inserted),
			slog.Int("skipped", ur.Skipped),
			slog.Int("remaining_needed", needed.Len()),
		)
	}

	res.RemainingNeeded = needed.Len()
	b.logger.Info("Import finished",
		slog.String("end_reason", string(res.EndReason)),
		slog.Int("pages", res.PagesProcessed),
		slog.Int("written", res.ItemsWritten),
		slog.Int("next_cursor", res.LastCursor),
	)
	return res, nil
}

func (b *BulkImport[R]) records(items []domain.WorkItem, needed upsert.KeySet, res *Result) []upsert.Record[R] {
	records := make([]upsert.Record[R], 0, len(items))
	for _, item := range items {
		if b.cfg.OnlyNeeded && !needed.Has(item.Key) {
			res.ItemsSkipped++
			continue
		}
		row, err := b.cfg.Map(item)
		if err != nil {
			res.ItemsInvalid++
			b.logger.Warn("Skipping invalid item",
				slog.String("key", item.Key),
				slog.Any("error", err),
			)
			continue
		}
		records = append(records, upsert.Record[R]{Key: item.Key, Row: row})
	}
	return records
}

func (b *BulkImport[R]) saveCheckpoint(ctx context.Context, cursor int) {
	if b.cfg.Checkpoints == nil {
		return
	}
	if err := b.cfg.Checkpoints.Save(ctx, b.cfg.Name, cursor); err != nil {
		b.logger.Warn("Failed to save checkpoint",
			slog.Int("cursor", cursor),
			slog.Any("error", err),
		)
	}
}

// startCursor resolves the first cursor: explicit value, then saved
// checkpoint, then zero
func startCursor(ctx context.Context, cp Checkpointer, name string, explicit *int, reset bool) (int, error) {
	if cp != nil && reset {
		if err := cp.Clear(ctx, name); err != nil {
			return 0, err
		}
	}
	if explicit != nil {
		if *explicit < 0 {
			return 0, fmt.Errorf("%w: start cursor must not be negative", domain.ErrInvalidConfig)
		}
		return *explicit, nil
	}
	if cp == nil || reset {
		return 0, nil
	}

	cursor, ok, err := cp.Load(ctx, name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return cursor, nil
}
