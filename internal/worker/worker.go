// Package worker implements the crawl pipeline execution loop.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
	"github.com/JakeFAU/crawl-engine/internal/frontier"
)

// Frontier hands out claims and takes back retries.
type Frontier interface {
	Claim(ctx context.Context) (crawler.FrontierEntry, error)
	Push(entry crawler.FrontierEntry) bool
	ReleaseHost(entry crawler.FrontierEntry)
	Done(entry crawler.FrontierEntry)
}

// Store is the subset of the URL store a worker mutates.
type Store interface {
	Get(id crawler.PageID) (crawler.PageRecord, bool)
	MarkFetched(ctx context.Context, id crawler.PageID, hash string, links []string) (crawler.PageRecord, error)
	MarkFailed(ctx context.Context, id crawler.PageID, reason string, class crawler.FailureClass) (crawler.PageRecord, error)
	MarkIndexed(ctx context.Context, id crawler.PageID) (crawler.PageRecord, error)
}

// Discoverer admits the links of a fetched page.
type Discoverer interface {
	Discover(ctx context.Context, parent crawler.PageRecord, links []string) error
}

// HostLimits lets robots.txt raise a host's politeness delay and books the
// slot for a page fetch that follows a robots.txt request.
type HostLimits interface {
	RaiseDelay(host string, delay time.Duration)
	Reserve(host string, now time.Time) time.Time
}

// Deps groups the collaborators of a Worker. Robots, Limits, Snapshots and
// Publisher are optional.
type Deps struct {
	Frontier   Frontier
	Store      Store
	Discoverer Discoverer
	Fetcher    crawler.Fetcher
	Parser     crawler.Parser
	Indexer    crawler.Indexer
	Hasher     crawler.Hasher
	Clock      crawler.Clock
	Robots     crawler.RobotsPolicy
	Limits     HostLimits
	Snapshots  crawler.BlobStore
	Publisher  crawler.Publisher
	// Backoff computes the delay before retry attempt n of a page.
	Backoff func(id crawler.PageID, attempt int) time.Duration
}

// Config controls Worker behavior.
type Config struct {
	FetchTimeout time.Duration
	UserAgent    string
	RunID        string
	Topic        string
}

// IndexedEvent is published for every page that reaches the index.
type IndexedEvent struct {
	RunID     string `json:"run_id,omitempty"`
	PageID    uint64 `json:"page_id"`
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Hash      string `json:"hash"`
	Snapshot  string `json:"snapshot_uri,omitempty"`
	IndexedAt string `json:"indexed_at"`
}

// Worker claims pages from the frontier and drives each through fetch, parse
// and index.
type Worker struct {
	id     int
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(id int, deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if deps.Backoff == nil {
		deps.Backoff = func(crawler.PageID, int) time.Duration { return 0 }
	}
	return &Worker{
		id:     id,
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(zap.Int("worker", id)),
	}
}

// Run claims and processes pages until the context ends or, in drain mode, the
// frontier runs dry. It returns a non-nil error only for failures that must
// stop the crawl, such as a failed log append.
func (w *Worker) Run(ctx context.Context) error {
	for {
		entry, err := w.deps.Frontier.Claim(ctx)
		switch {
		case errors.Is(err, frontier.ErrDrained):
			w.logger.Debug("frontier drained")
			return nil
		case ctx.Err() != nil:
			if err == nil {
				// The claim is durable already; finishing it keeps the page
				// from resurfacing as interrupted.
				if perr := w.Process(ctx, entry); perr != nil {
					return perr
				}
			}
			return nil
		case err != nil:
			return fmt.Errorf("worker %d: %w", w.id, err)
		}
		if err := w.Process(ctx, entry); err != nil {
			return fmt.Errorf("worker %d: %w", w.id, err)
		}
	}
}

// Process runs one claimed page to completion. The returned error is fatal.
func (w *Worker) Process(ctx context.Context, entry crawler.FrontierEntry) error {
	defer w.deps.Frontier.Done(entry)
	// Store mutations for a claimed page are always recorded, even while
	// stopping.
	opCtx := context.WithoutCancel(ctx)

	page, ok := w.deps.Store.Get(entry.ID)
	if !ok {
		w.deps.Frontier.ReleaseHost(entry)
		w.logger.Warn("claimed page is unknown", zap.Uint64("page_id", uint64(entry.ID)))
		return nil
	}
	logger := w.logger.With(zap.Uint64("page_id", uint64(page.ID)), zap.String("url", page.URL))

	crawler.InFlightFetches.Inc()
	resp, err := w.fetch(opCtx, page)
	crawler.InFlightFetches.Dec()
	w.deps.Frontier.ReleaseHost(entry)

	if err != nil {
		return w.fail(opCtx, page, err, logger)
	}
	crawler.FetchResults.WithLabelValues("ok").Inc()
	return w.complete(opCtx, page, resp, logger)
}

// fetch turns a panic in the robots check or fetcher into a transient
// failure so one bad page cannot take the worker down.
func (w *Worker) fetch(ctx context.Context, page crawler.PageRecord) (resp crawler.FetchResponse, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("fetch panicked",
				zap.Uint64("page_id", uint64(page.ID)),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			resp, err = crawler.FetchResponse{}, crawler.NewTransientError(crawler.ReasonPanic, fmt.Errorf("panic: %v", rec))
		}
	}()

	if w.deps.Robots != nil {
		robotsCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
		verdict := w.deps.Robots.Check(robotsCtx, page.URL)
		cancel()
		if verdict.CrawlDelay > 0 && w.deps.Limits != nil {
			w.deps.Limits.RaiseDelay(page.Host, verdict.CrawlDelay)
		}
		if !verdict.Allowed {
			return crawler.FetchResponse{}, crawler.NewPermanentError(crawler.ReasonRobotsDisallowed, nil)
		}
		// The robots.txt request used this claim's dispatch slot.
		if verdict.Fetched && w.deps.Limits != nil {
			at := w.deps.Limits.Reserve(page.Host, w.deps.Clock.Now())
			if err := waitUntil(ctx, at.Sub(w.deps.Clock.Now())); err != nil {
				return crawler.FetchResponse{}, crawler.NewTransientError(crawler.ReasonTimeout, err)
			}
		}
	}
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()
	resp, err = w.deps.Fetcher.Fetch(fetchCtx, crawler.FetchRequest{
		ID:    page.ID,
		URL:   page.URL,
		Depth: page.Depth,
	})
	if err != nil {
		return resp, crawler.ClassifyError(err)
	}
	return resp, nil
}

func waitUntil(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) fail(ctx context.Context, page crawler.PageRecord, fetchErr error, logger *zap.Logger) error {
	fe := crawler.ClassifyError(fetchErr)
	crawler.FetchResults.WithLabelValues(string(fe.Class)).Inc()
	next, err := w.deps.Store.MarkFailed(ctx, page.ID, fe.Reason, fe.Class)
	if err != nil {
		return w.storeError(err, "record fetch failure", logger)
	}
	logger.Info("fetch failed",
		zap.String("reason", fe.Reason),
		zap.String("class", string(fe.Class)),
		zap.Int("retry_count", next.RetryCount),
		zap.String("state", next.State.String()),
		zap.Error(fetchErr),
	)
	if next.State == crawler.StateRetryPending {
		w.deps.Frontier.Push(crawler.FrontierEntry{
			ID:        next.ID,
			Host:      next.Host,
			Depth:     next.Depth,
			NotBefore: crawler.RetryAt(next, w.deps.Backoff),
		})
	}
	return nil
}

func (w *Worker) complete(ctx context.Context, page crawler.PageRecord, resp crawler.FetchResponse, logger *zap.Logger) error {
	hash, err := w.deps.Hasher.Hash(resp.Body)
	if err != nil {
		return w.fail(ctx, page, crawler.NewTransientError(crawler.ReasonFetch, fmt.Errorf("hash body: %w", err)), logger)
	}
	snapshotURI := w.snapshot(ctx, hash, resp, logger)

	baseURL := resp.FinalURL
	if baseURL == "" {
		baseURL = page.URL
	}
	contentType := ""
	if resp.Headers != nil {
		contentType = resp.Headers.Get("Content-Type")
	}
	doc, err := w.deps.Parser.Parse(baseURL, contentType, resp.Body)
	if err != nil {
		logger.Warn("parse failed; indexing empty document", zap.Error(err))
		doc = crawler.Document{}
	}

	fetched, err := w.deps.Store.MarkFetched(ctx, page.ID, hash, doc.Links)
	if err != nil {
		return w.storeError(err, "record fetch completion", logger)
	}
	if err := w.deps.Discoverer.Discover(ctx, fetched, doc.Links); err != nil {
		return w.storeError(err, "discover links", logger)
	}
	return w.index(ctx, fetched, doc, snapshotURI, logger)
}

// index writes the document and records Indexed. An index failure leaves the
// page Fetched for re-indexing at the next startup.
func (w *Worker) index(ctx context.Context, page crawler.PageRecord, doc crawler.Document, snapshotURI string, logger *zap.Logger) error {
	meta := crawler.PageMetadata{
		ID:          page.ID,
		URL:         page.URL,
		Host:        page.Host,
		Title:       doc.Title,
		Snippet:     doc.Snippet,
		Lang:        doc.Lang,
		ContentHash: page.ContentHash,
		Depth:       page.Depth,
		FetchedAt:   w.deps.Clock.Now(),
	}
	if err := w.deps.Indexer.Index(ctx, page.ID, doc.Text, meta); err != nil {
		crawler.IndexErrors.Inc()
		logger.Error("index failed; page stays fetched", zap.Error(err))
		return nil
	}
	if _, err := w.deps.Store.MarkIndexed(ctx, page.ID); err != nil {
		return w.storeError(err, "record indexed", logger)
	}
	crawler.PagesIndexed.Inc()
	logger.Debug("page indexed", zap.Int("links", len(doc.Links)))
	w.publish(ctx, page, doc, snapshotURI, logger)
	return nil
}

func (w *Worker) snapshot(ctx context.Context, hash string, resp crawler.FetchResponse, logger *zap.Logger) string {
	if w.deps.Snapshots == nil {
		return ""
	}
	contentType := "application/octet-stream"
	if resp.Headers != nil && resp.Headers.Get("Content-Type") != "" {
		contentType = resp.Headers.Get("Content-Type")
	}
	uri, err := w.deps.Snapshots.PutObject(ctx, crawler.SnapshotPath(hash), contentType, bytes.NewReader(resp.Body))
	if err != nil {
		logger.Warn("snapshot failed", zap.String("hash", hash), zap.Error(err))
		return ""
	}
	return uri
}

func (w *Worker) publish(ctx context.Context, page crawler.PageRecord, doc crawler.Document, snapshotURI string, logger *zap.Logger) {
	if w.deps.Publisher == nil || w.cfg.Topic == "" {
		return
	}
	event := IndexedEvent{
		RunID:     w.cfg.RunID,
		PageID:    uint64(page.ID),
		URL:       page.URL,
		Title:     doc.Title,
		Hash:      page.ContentHash,
		Snapshot:  snapshotURI,
		IndexedAt: w.deps.Clock.Now().Format(time.RFC3339),
	}
	if _, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		logger.Warn("publish indexed event failed", zap.Error(err))
	}
}

// storeError separates fatal log failures from stale-state conflicts, which
// are logged and skipped.
func (w *Worker) storeError(err error, op string, logger *zap.Logger) error {
	if errors.Is(err, crawler.ErrLogIO) {
		logger.Error(op+" failed", zap.Error(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	logger.Warn(op+" skipped", zap.Error(err))
	return nil
}
