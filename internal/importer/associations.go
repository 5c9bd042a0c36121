package importer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/cuongbtq/ingest-engine/internal/dataset"
	"github.com/cuongbtq/ingest-engine/internal/storage"
	"github.com/cuongbtq/ingest-engine/internal/upsert"
)

// DefaultAssociationWindow is the window size of the association imports
const DefaultAssociationWindow = 5000

// Opener opens a dataset file by path
type Opener interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// AssociationStore is the part of the game store the association import reads
type AssociationStore interface {
	GameAppIDs(ctx context.Context) (upsert.KeySet, error)
	RefIDs(ctx context.Context, kind storage.AssociationKind) (upsert.KeySet, error)
	AssociationKeys(ctx context.Context, kind storage.AssociationKind) (upsert.KeySet, error)
}

// AssociationOptions controls one association run
type AssociationOptions struct {
	Path string
	// ResumeWindow overrides the saved window checkpoint when set
	ResumeWindow *int
	Reset        bool
}

// AssociationResult describes one association run
type AssociationResult struct {
	Rows          int
	InvalidRows   int
	Eligible      int
	Inserted      int
	Skipped       int
	FailedWindows int
	StartWindow   int
	// NextWindow is the first window not yet committed in order
	NextWindow int
}

// AssociationImport loads a genre or tag id-pair file into its join table
type AssociationImport struct {
	kind        storage.AssociationKind
	opener      Opener
	store       AssociationStore
	upserter    *upsert.Upserter[storage.Association]
	checkpoints Checkpointer
	windowSize  int
	logger      *slog.Logger
}

// NewAssociationImport creates an import for kind. windowSize <= 0 uses
// DefaultAssociationWindow.
func NewAssociationImport(
	kind storage.AssociationKind,
	opener Opener,
	store AssociationStore,
	writer upsert.RowWriter[storage.Association],
	checkpoints Checkpointer,
	windowSize int,
	logger *slog.Logger,
) *AssociationImport {
	if windowSize <= 0 {
		windowSize = DefaultAssociationWindow
	}
	logger = logger.With(slog.String("import", associationImportName(kind)))
	return &AssociationImport{
		kind:        kind,
		opener:      opener,
		store:       store,
		upserter:    upsert.New[storage.Association](writer, logger),
		checkpoints: checkpoints,
		windowSize:  windowSize,
		logger:      logger,
	}
}

func associationImportName(kind storage.AssociationKind) string {
	return "zenodo:" + string(kind)
}

func (a *AssociationImport) refColumn() string {
	if a.kind == storage.AssociationTags {
		return dataset.ColumnTagID
	}
	return dataset.ColumnGenreID
}

// Run reads the file, keeps pairs whose game and ref id exist, and writes the
// pairs not yet present in fixed windows. Window indexes are cut before the
// existing-pair filter, so a resumed run over the same file and catalog
// lines up with the previous one.
func (a *AssociationImport) Run(ctx context.Context, opts AssociationOptions) (*AssociationResult, error) {
	name := associationImportName(a.kind)
	start, err := startCursor(ctx, a.checkpoints, name, opts.ResumeWindow, opts.Reset)
	if err != nil {
		return nil, err
	}

	pairs, invalid, err := a.read(ctx, opts.Path)
	if err != nil {
		return nil, err
	}

	games, err := a.store.GameAppIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load game ids: %w", err)
	}
	refs, err := a.store.RefIDs(ctx, a.kind)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s ids: %w", a.kind, err)
	}
	existing, err := a.store.AssociationKeys(ctx, a.kind)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing %s: %w", a.kind, err)
	}

	records := make([]upsert.Record[storage.Association], 0, len(pairs))
	for _, p := range pairs {
		if !games.Has(strconv.Itoa(p.AppID)) || !refs.Has(strconv.Itoa(p.RefID)) {
			continue
		}
		assoc := storage.Association{AppID: p.AppID, RefID: p.RefID}
		records = append(records, upsert.Record[storage.Association]{Key: assoc.Key(), Row: assoc})
	}

	res := &AssociationResult{
		Rows:        len(pairs) + invalid,
		InvalidRows: invalid,
		Eligible:    len(records),
		StartWindow: start,
		NextWindow:  start,
	}

	a.logger.Info("Association import started",
		slog.Int("rows", res.Rows),
		slog.Int("eligible", res.Eligible),
		slog.Int("existing", existing.Len()),
		slog.Int("start_window", start),
	)

	ur := a.upserter.Upsert(ctx, records, existing, nil, upsert.Options{
		WindowSize:  a.windowSize,
		StartWindow: start,
		OnWindow: func(window, inserted int) {
			// a gap means an earlier window failed; keep the checkpoint on it
			if window != res.NextWindow {
				return
			}
			res.NextWindow = window + 1
			if a.checkpoints == nil {
				return
			}
			if err := a.checkpoints.Save(ctx, name, res.NextWindow); err != nil {
				a.logger.Warn("Failed to save checkpoint",
					slog.Int("window", res.NextWindow),
					slog.Any("error", err),
				)
			}
		},
	})

	res.Inserted = ur.Inserted
	res.Skipped = ur.Skipped
	res.FailedWindows = ur.FailedWindows

	a.logger.Info("Association import finished",
		slog.Int("inserted", res.Inserted),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed_windows", res.FailedWindows),
		slog.Int("next_window", res.NextWindow),
	)
	return res, nil
}

func (a *AssociationImport) read(ctx context.Context, path string) ([]dataset.Pair, int, error) {
	rc, err := a.opener.Open(ctx, path)
	if err != nil {
		return nil, 0, err
	}
	defer rc.Close()

	pairs, invalid, err := dataset.ReadPairs(rc, dataset.ColumnAppID, a.refColumn())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return pairs, invalid, nil
}
