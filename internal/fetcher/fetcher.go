// Package fetcher retrieves pages and single items from rate-limited external
// sources. Fetchers keep no resumption state; the caller owns the cursor.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/cuongbtq/ingest-engine/internal/cache"
	"github.com/cuongbtq/ingest-engine/internal/domain"
)

// BulkSource returns one page of natural_id -> record
type BulkSource interface {
	FetchPage(ctx context.Context, page int) (map[string]json.RawMessage, error)
}

// ItemSource returns a single record by natural id
type ItemSource interface {
	FetchItem(ctx context.Context, key string) (json.RawMessage, error)
}

// Page is the result of one bulk fetch
type Page struct {
	Cursor int
	Items  []domain.WorkItem
	Next   int
	Done   bool
	// Err is set when the page failed. Done is always true in that case.
	Err error
}

// BulkFetcher pages through a BulkSource. A failed page is treated as the end
// of data so the surrounding loop finishes with whatever it has committed.
type BulkFetcher struct {
	source  BulkSource
	limiter *Limiter
	logger  *slog.Logger
}

// NewBulkFetcher creates a bulk fetcher with one call per interval
func NewBulkFetcher(source BulkSource, interval time.Duration, logger *slog.Logger) *BulkFetcher {
	return &BulkFetcher{
		source:  source,
		limiter: NewLimiter(interval),
		logger:  logger,
	}
}

// Fetch retrieves the page at cursor
func (f *BulkFetcher) Fetch(ctx context.Context, cursor int) Page {
	page := Page{Cursor: cursor, Next: cursor}

	if err := f.limiter.Wait(ctx); err != nil {
		page.Done = true
		page.Err = err
		return page
	}

	records, err := f.source.FetchPage(ctx, cursor)
	if err != nil {
		f.logger.Warn("Bulk page fetch failed, treating as end of data",
			slog.Int("page", cursor),
			slog.Any("error", err),
		)
		page.Done = true
		page.Err = asFetchError("bulk", strconv.Itoa(cursor), err)
		return page
	}

	if len(records) == 0 {
		f.logger.Info("Empty page, end of data", slog.Int("page", cursor))
		page.Done = true
		return page
	}

	page.Items = make([]domain.WorkItem, 0, len(records))
	for k, v := range records {
		page.Items = append(page.Items, domain.WorkItem{Key: k, Payload: v})
	}
	sortItems(page.Items)
	page.Next = cursor + 1

	f.logger.Debug("Fetched page",
		slog.Int("page", cursor),
		slog.Int("items", len(page.Items)),
	)
	return page
}

// ItemFetcher retrieves one record per call. Failures are returned as
// *domain.FetchError so the caller can log and move on to the next item.
type ItemFetcher struct {
	source   ItemSource
	limiter  *Limiter
	cache    cache.Cache
	cacheTTL time.Duration
	logger   *slog.Logger
}

// ItemFetcherOption configures an ItemFetcher
type ItemFetcherOption func(*ItemFetcher)

// WithCache serves repeated keys from c. Cached hits skip the rate limiter.
func WithCache(c cache.Cache, ttl time.Duration) ItemFetcherOption {
	return func(f *ItemFetcher) {
		f.cache = c
		f.cacheTTL = ttl
	}
}

// NewItemFetcher creates a per-item fetcher with one call per interval
func NewItemFetcher(source ItemSource, interval time.Duration, logger *slog.Logger, opts ...ItemFetcherOption) *ItemFetcher {
	f := &ItemFetcher{
		source:  source,
		limiter: NewLimiter(interval),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves the record for key
func (f *ItemFetcher) Fetch(ctx context.Context, key string) (domain.WorkItem, error) {
	item := domain.WorkItem{Key: key}

	if f.cache != nil {
		if data, err := f.cache.Get(ctx, cacheKey(key)); err == nil {
			item.Payload = data
			return item, nil
		} else if !errors.Is(err, cache.ErrMiss) {
			f.logger.Warn("Cache lookup failed", slog.String("key", key), slog.Any("error", err))
		}
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return item, err
	}

	data, err := f.source.FetchItem(ctx, key)
	if err != nil {
		return item, asFetchError("item", key, err)
	}
	item.Payload = data

	if f.cache != nil {
		if err := f.cache.Set(ctx, cacheKey(key), data, f.cacheTTL); err != nil {
			f.logger.Warn("Cache store failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	return item, nil
}

func cacheKey(key string) string {
	return "item:" + key
}

func asFetchError(source, key string, err error) error {
	var fe *domain.FetchError
	if errors.As(err, &fe) {
		return err
	}
	return &domain.FetchError{Source: source, Key: key, Err: err}
}

// sortItems orders numeric keys numerically, ahead of non-numeric keys which
// sort lexically
func sortItems(items []domain.WorkItem) {
	sort.Slice(items, func(i, j int) bool {
		a, errA := strconv.Atoi(items[i].Key)
		b, errB := strconv.Atoi(items[j].Key)
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		}
		return items[i].Key < items[j].Key
	})
}
