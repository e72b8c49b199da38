package directory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/irregularchat/chat-based-community-dashboard-sub000/internal/telemetry"
)

// Listing is the result of one complete walk over the directory
type Listing struct {
	Records []Record
	// ReportedTotal is the collection size the remote reported on the first page, or -1
	ReportedTotal int
}

// Fetcher walks a Directory page by page, retrying transient page failures with a fixed delay
type Fetcher struct {
	dir            Directory
	maxRetries     int
	retryDelay     time.Duration
	requestTimeout time.Duration
	logger         *slog.Logger
}

// NewFetcher creates a new Fetcher. maxRetries is the total number of attempts per page.
func NewFetcher(dir Directory, maxRetries int, retryDelay, requestTimeout time.Duration, logger *slog.Logger) *Fetcher {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		dir:            dir,
		maxRetries:     maxRetries,
		retryDelay:     retryDelay,
		requestTimeout: requestTimeout,
		logger:         logger,
	}
}

// FetchAll follows server-provided cursors until the listing is exhausted and returns every
// record at most once. It either returns the complete listing or an error; a page that still
// fails after all attempts fails the whole listing.
func (f *Fetcher) FetchAll(ctx context.Context, modifiedSince *time.Time) (*Listing, error) {
	listing := &Listing{ReportedTotal: -1}
	seenIDs := make(map[string]struct{})
	seenCursors := make(map[string]struct{})
	duplicates := 0
	pages := 0

	cursor := ""
	for {
		page, err := f.fetchPage(ctx, cursor, modifiedSince)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch directory page %d: %w", pages+1, err)
		}
		if pages == 0 {
			listing.ReportedTotal = page.Total
		}
		pages++

		for _, rec := range page.Records {
			if rec.ExternalID != "" {
				if _, dup := seenIDs[rec.ExternalID]; dup {
					duplicates++
					continue
				}
				seenIDs[rec.ExternalID] = struct{}{}
			}
			listing.Records = append(listing.Records, rec)
		}

		if page.NextCursor == "" {
			break
		}
		if _, loop := seenCursors[page.NextCursor]; loop || page.NextCursor == cursor {
			return nil, fmt.Errorf("%w: %s", ErrCursorLoop, page.NextCursor)
		}
		seenCursors[page.NextCursor] = struct{}{}
		cursor = page.NextCursor
	}

	if duplicates > 0 {
		f.logger.Warn("directory listing contained duplicate records", "duplicates", duplicates)
	}
	f.logger.Info("directory listing complete",
		"records", len(listing.Records),
		"pages", pages,
		"reported_total", listing.ReportedTotal,
		"incremental", modifiedSince != nil,
	)
	telemetry.DirectoryFetchedRecords.Observe(float64(len(listing.Records)))

	return listing, nil
}

// LatestModified probes the directory once, without retries.
func (f *Fetcher) LatestModified(ctx context.Context) (*time.Time, error) {
	ctx, cancel := f.withTimeout(ctx)
	defer cancel()
	return f.dir.LatestModified(ctx)
}

func (f *Fetcher) fetchPage(ctx context.Context, cursor string, modifiedSince *time.Time) (*Page, error) {
	attempt := 0
	op := func() (*Page, error) {
		attempt++
		reqCtx, cancel := f.withTimeout(ctx)
		defer cancel()

		page, err := f.dir.FetchPage(reqCtx, cursor, modifiedSince)
		if err == nil {
			return page, nil
		}
		if !IsTransient(err) || ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	notify := func(err error, wait time.Duration) {
		telemetry.DirectoryFetchRetriesTotal.Inc()
		f.logger.Warn("directory page fetch failed, retrying",
			"attempt", attempt,
			"max_attempts", f.maxRetries,
			"retry_in", wait,
			"error", err,
		)
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(f.retryDelay)),
		backoff.WithMaxTries(uint(f.maxRetries)),
		backoff.WithNotify(notify),
	)
}

func (f *Fetcher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, f.requestTimeout)
}
