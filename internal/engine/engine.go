// Package engine wires the write-ahead log, URL store, frontier and worker
// pool into a crawl run that survives restarts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
	"github.com/JakeFAU/crawl-engine/internal/dispatcher"
	"github.com/JakeFAU/crawl-engine/internal/frontier"
	"github.com/JakeFAU/crawl-engine/internal/policy/ratelimit"
	"github.com/JakeFAU/crawl-engine/internal/urlstore"
	"github.com/JakeFAU/crawl-engine/internal/wal"
	"github.com/JakeFAU/crawl-engine/internal/worker"
)

// ErrNotOpen is returned when the engine is used before Open.
var ErrNotOpen = errors.New("engine: not open")

// Deps are the pluggable collaborators of a crawl. Robots, Snapshots and
// Publisher are optional.
type Deps struct {
	Fetcher   crawler.Fetcher
	Parser    crawler.Parser
	Indexer   crawler.Indexer
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	Robots    crawler.RobotsPolicy
	Snapshots crawler.BlobStore
	Publisher crawler.Publisher
}

// Options are engine settings that live outside the crawler section.
type Options struct {
	LogPath        string
	MaxRecordBytes int
	RunID          string
	Topic          string
}

// CrawlEngine owns one crawl: its log, store, frontier and workers.
type CrawlEngine struct {
	cfg     crawler.Config
	opts    Options
	deps    Deps
	logger  *zap.Logger
	scope   *crawler.Scope
	backoff *crawler.ExponentialBackoff

	mu       sync.Mutex
	log      *wal.Log
	store    *urlstore.Store
	limiter  *ratelimit.Limiter
	frontier *frontier.Frontier

	capLogged atomic.Bool
}

// New validates the configuration and builds an engine. Nothing touches disk
// until Open.
func New(cfg crawler.Config, opts Options, deps Deps, logger *zap.Logger) (*CrawlEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.LogPath == "" {
		return nil, fmt.Errorf("engine: log path is required")
	}
	if deps.Fetcher == nil || deps.Parser == nil || deps.Indexer == nil || deps.Hasher == nil || deps.Clock == nil {
		return nil, fmt.Errorf("engine: fetcher, parser, indexer, hasher and clock are required")
	}
	scope, err := crawler.NewScope(cfg.Scope)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CrawlEngine{
		cfg:     cfg,
		opts:    opts,
		deps:    deps,
		logger:  logger,
		scope:   scope,
		backoff: crawler.NewExponentialBackoff(cfg.RetryBaseDelay, cfg.RetryMaxDelay),
	}, nil
}

// Open replays the log into a fresh store, requeues interrupted fetches,
// rebuilds the frontier, finishes pages that were fetched but never indexed
// and admits the seeds.
func (e *CrawlEngine) Open(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.log != nil {
		return nil
	}

	log, err := wal.Open(e.opts.LogPath, wal.Options{MaxRecordBytes: e.opts.MaxRecordBytes}, e.logger.Named("wal"))
	if err != nil {
		return err
	}
	store := urlstore.New(log, e.deps.Clock, urlstore.Options{
		RetryLimit: e.cfg.RetryLimit,
		MaxPages:   e.cfg.MaxSites,
	}, e.logger.Named("urlstore"))

	var skipped int
	stats, err := log.Replay(func(rec crawler.LogRecord) error {
		if err := store.Apply(rec); err != nil {
			skipped++
			e.logger.Warn("skipping log record", zap.Uint64("seq", rec.Seq), zap.String("kind", rec.Kind.String()), zap.Error(err))
		}
		return nil
	})
	if err != nil {
		_ = log.Close()
		return fmt.Errorf("replay log: %w", err)
	}
	interrupted := store.ReconcileInterrupted()
	e.logger.Info("log replayed",
		zap.Int("records", stats.Records),
		zap.Uint64("last_seq", stats.LastSeq),
		zap.Int("skipped", skipped),
		zap.Int("interrupted", len(interrupted)),
		zap.Int("pages", store.Len()),
	)

	limiter := ratelimit.New(ratelimit.Config{
		Delay:       e.cfg.PerHostDelay,
		MaxInFlight: e.cfg.PerHostMaxInFlight,
		GlobalRPS:   e.cfg.GlobalRPS,
	})
	front := frontier.New(store, limiter, e.deps.Clock, frontier.Options{
		FairnessWindow: e.cfg.FairnessWindow,
		FairnessShare:  e.cfg.FairnessShare,
		Drain:          e.cfg.Mode == crawler.ModeOffline,
	}, e.logger.Named("frontier"))

	e.log, e.store, e.limiter, e.frontier = log, store, limiter, front

	for _, page := range store.Pending() {
		front.Push(e.entryFor(page))
	}
	if err := e.recoverFetched(ctx); err != nil {
		return err
	}
	return e.admitSeeds(ctx)
}

func (e *CrawlEngine) entryFor(page crawler.PageRecord) crawler.FrontierEntry {
	return crawler.FrontierEntry{
		ID:        page.ID,
		Host:      page.Host,
		Depth:     page.Depth,
		NotBefore: crawler.RetryAt(page, e.backoff.Backoff),
	}
}

// admitSeeds registers seed URLs at depth 0. Seeds bypass the scope filter.
func (e *CrawlEngine) admitSeeds(ctx context.Context) error {
	for _, seed := range e.cfg.Seeds {
		id, isNew, err := e.store.GetOrCreate(ctx, seed, 0, 0)
		switch {
		case errors.Is(err, crawler.ErrCapReached), errors.Is(err, crawler.ErrMalformedURL):
			e.logger.Warn("seed not admitted", zap.String("url", seed), zap.Error(err))
			continue
		case err != nil:
			return fmt.Errorf("admit seed %s: %w", seed, err)
		}
		if !isNew {
			continue
		}
		if page, ok := e.store.Get(id); ok {
			e.frontier.Push(e.entryFor(page))
		}
	}
	return nil
}

// recoverFetched re-runs link discovery and indexing for pages whose fetch
// completed before the last shutdown but which never reached the index.
func (e *CrawlEngine) recoverFetched(ctx context.Context) error {
	for _, page := range e.store.InState(crawler.StateFetched) {
		if err := e.Discover(ctx, page, page.Links); err != nil {
			return err
		}
		if err := e.reindex(ctx, page); err != nil {
			return err
		}
	}
	return nil
}

func (e *CrawlEngine) reindex(ctx context.Context, page crawler.PageRecord) error {
	logger := e.logger.With(zap.Uint64("page_id", uint64(page.ID)), zap.String("url", page.URL))
	if e.deps.Snapshots == nil || page.ContentHash == "" {
		logger.Warn("fetched page has no snapshot to re-index from")
		return nil
	}
	body, err := e.deps.Snapshots.GetObject(ctx, crawler.SnapshotPath(page.ContentHash))
	if err != nil {
		logger.Warn("load snapshot failed; page stays fetched", zap.Error(err))
		return nil
	}
	doc, err := e.deps.Parser.Parse(page.URL, "", body)
	if err != nil {
		logger.Warn("parse snapshot failed; indexing empty document", zap.Error(err))
		doc = crawler.Document{}
	}
	meta := crawler.PageMetadata{
		ID:          page.ID,
		URL:         page.URL,
		Host:        page.Host,
		Title:       doc.Title,
		Snippet:     doc.Snippet,
		Lang:        doc.Lang,
		ContentHash: page.ContentHash,
		Depth:       page.Depth,
		FetchedAt:   page.LastAttemptAt,
	}
	if err := e.deps.Indexer.Index(ctx, page.ID, doc.Text, meta); err != nil {
		crawler.IndexErrors.Inc()
		logger.Error("re-index failed; page stays fetched", zap.Error(err))
		return nil
	}
	if _, err := e.store.MarkIndexed(ctx, page.ID); err != nil {
		if errors.Is(err, crawler.ErrLogIO) {
			return err
		}
		logger.Warn("record indexed skipped", zap.Error(err))
		return nil
	}
	crawler.PagesIndexed.Inc()
	logger.Info("recovered fetched page")
	return nil
}

// Discover admits the outbound links of parent. Links outside the scope,
// beyond the depth limit or past the page cap are dropped. Only a failed log
// append is returned.
func (e *CrawlEngine) Discover(ctx context.Context, parent crawler.PageRecord, links []string) error {
	if len(links) == 0 {
		return nil
	}
	depth := parent.Depth + 1
	if depth > e.cfg.MaxDepth {
		crawler.LinksDropped.WithLabelValues("depth").Add(float64(len(links)))
		return nil
	}
	for _, link := range links {
		if !e.scope.Allows(link) {
			crawler.LinksDropped.WithLabelValues("scope").Inc()
			continue
		}
		id, isNew, err := e.store.GetOrCreate(ctx, link, parent.ID, depth)
		switch {
		case errors.Is(err, crawler.ErrCapReached):
			crawler.LinksDropped.WithLabelValues("cap").Inc()
			if e.capLogged.CompareAndSwap(false, true) {
				e.logger.Info("site cap reached; new links are dropped", zap.Int("max_sites", e.cfg.MaxSites))
			}
			continue
		case errors.Is(err, crawler.ErrMalformedURL):
			crawler.LinksDropped.WithLabelValues("malformed").Inc()
			continue
		case err != nil:
			return err
		}
		if !isNew {
			continue
		}
		if page, ok := e.store.Get(id); ok {
			e.frontier.Push(e.entryFor(page))
		}
	}
	return nil
}

// Run opens the engine if needed and dispatches workers. An offline run ends
// when the frontier drains; an online run ends when ctx is canceled. On
// cancellation in-flight pages get ShutdownGrace to finish before they are
// abandoned; abandoned pages resurface as interrupted on the next Open.
func (e *CrawlEngine) Run(ctx context.Context) error {
	if err := e.Open(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	front, store, limiter := e.frontier, e.store, e.limiter
	e.mu.Unlock()

	runners := make([]dispatcher.Runner, 0, e.cfg.WorkerCount)
	for i := 0; i < e.cfg.WorkerCount; i++ {
		runners = append(runners, worker.New(i, worker.Deps{
			Frontier:   front,
			Store:      store,
			Discoverer: e,
			Fetcher:    e.deps.Fetcher,
			Parser:     e.deps.Parser,
			Indexer:    e.deps.Indexer,
			Hasher:     e.deps.Hasher,
			Clock:      e.deps.Clock,
			Robots:     e.deps.Robots,
			Limits:     limiter,
			Snapshots:  e.deps.Snapshots,
			Publisher:  e.deps.Publisher,
			Backoff:    e.backoff.Backoff,
		}, worker.Config{
			FetchTimeout: e.cfg.FetchTimeout,
			UserAgent:    e.cfg.UserAgent,
			RunID:        e.opts.RunID,
			Topic:        e.opts.Topic,
		}, e.logger.Named("worker")))
	}
	pool := dispatcher.New(runners, e.logger.Named("dispatcher"))

	e.logger.Info("crawl started",
		zap.String("mode", string(e.cfg.Mode)),
		zap.Int("workers", pool.Size()),
		zap.Int("frontier", front.Len()),
	)
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		timer := time.NewTimer(e.cfg.ShutdownGrace)
		defer timer.Stop()
		select {
		case err = <-done:
		case <-timer.C:
			e.logger.Warn("shutdown grace elapsed; abandoning in-flight fetches", zap.Int("outstanding", front.Outstanding()))
		}
	}
	front.Close()
	stats := store.Stats()
	e.logger.Info("crawl stopped",
		zap.Int("indexed", stats.Indexed),
		zap.Int("permanently_failed", stats.PermanentlyFailed),
		zap.Int("retry_pending", stats.RetryPending),
		zap.Int("frontier", front.Len()),
	)
	return err
}

// Stats returns page counts by state.
func (e *CrawlEngine) Stats() (crawler.Stats, error) {
	store := e.Store()
	if store == nil {
		return crawler.Stats{}, ErrNotOpen
	}
	return store.Stats(), nil
}

// Store returns the URL store, or nil before Open.
func (e *CrawlEngine) Store() *urlstore.Store {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store
}

// Frontier returns the frontier, or nil before Open.
func (e *CrawlEngine) Frontier() *frontier.Frontier {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frontier
}

// Hosts returns the politeness state of every host seen so far.
func (e *CrawlEngine) Hosts() []crawler.HostState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.limiter == nil {
		return nil
	}
	return e.limiter.Snapshot()
}

// Close closes the log. The engine must not be used afterwards.
func (e *CrawlEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.log == nil {
		return nil
	}
	if e.frontier != nil {
		e.frontier.Close()
	}
	err := e.log.Close()
	e.log = nil
	return err
}
