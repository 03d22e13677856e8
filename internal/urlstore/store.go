// Package urlstore keeps the authoritative, in-memory record of every URL the
// crawl has discovered. Every mutation is appended to the write-ahead log
// before it is committed, under one lock, so log order equals commit order.
package urlstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

// Appender durably records a log record and returns it with its sequence
// number assigned.
type Appender interface {
	Append(ctx context.Context, rec crawler.LogRecord) (crawler.LogRecord, error)
}

// Options configure a Store.
type Options struct {
	RetryLimit int
	// MaxPages caps the number of pages; 0 means unlimited.
	MaxPages int
}

// Store maps normalized URLs to page records.
type Store struct {
	mu     sync.RWMutex
	log    Appender
	clock  crawler.Clock
	opts   Options
	logger *zap.Logger

	byURL   map[string]crawler.PageID
	pages   map[crawler.PageID]*crawler.PageRecord
	lastID  crawler.PageID
	lastSeq uint64
}

// New builds an empty store. log may be nil for a read-only store that is only
// ever populated through Apply.
func New(log Appender, clock crawler.Clock, opts Options, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		log:    log,
		clock:  clock,
		opts:   opts,
		logger: logger,
		byURL:  make(map[string]crawler.PageID),
		pages:  make(map[crawler.PageID]*crawler.PageRecord),
	}
}

// GetOrCreate returns the page for rawURL, creating it in state Discovered
// when the normalized URL is new. The boolean reports whether a page was
// created. A malformed URL yields crawler.ErrMalformedURL and a new URL past
// the page cap yields crawler.ErrCapReached.
func (s *Store) GetOrCreate(ctx context.Context, rawURL string, parent crawler.PageID, depth int) (crawler.PageID, bool, error) {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return 0, false, err
	}
	host, err := crawler.HostOf(normalized)
	if err != nil {
		return 0, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byURL[normalized]; ok {
		return id, false, nil
	}
	if s.opts.MaxPages > 0 && len(s.pages) >= s.opts.MaxPages {
		return 0, false, crawler.ErrCapReached
	}
	if s.log == nil {
		return 0, false, fmt.Errorf("%w: store is read-only", crawler.ErrLogIO)
	}
	rec := crawler.DiscoveredRecord(s.lastID+1, normalized, parent, depth)
	rec.Time = s.clock.Now()
	committed, err := s.log.Append(ctx, rec)
	if err != nil {
		return 0, false, err
	}
	s.insertLocked(committed, host)
	s.lastSeq = committed.Seq
	crawler.PagesDiscovered.Inc()
	return committed.ID, true, nil
}

// MarkFetchStarted records that a worker claimed the page.
func (s *Store) MarkFetchStarted(ctx context.Context, id crawler.PageID) (crawler.PageRecord, error) {
	return s.transition(ctx, crawler.FetchStartedRecord(id))
}

// MarkFetched records a successful fetch with its content hash and links.
func (s *Store) MarkFetched(ctx context.Context, id crawler.PageID, hash string, links []string) (crawler.PageRecord, error) {
	return s.transition(ctx, crawler.FetchCompletedRecord(id, hash, links))
}

// MarkFailed records a failed attempt; the page moves straight on to
// RetryPending or PermanentlyFailed.
func (s *Store) MarkFailed(ctx context.Context, id crawler.PageID, reason string, class crawler.FailureClass) (crawler.PageRecord, error) {
	return s.transition(ctx, crawler.FetchFailedRecord(id, reason, class))
}

// MarkIndexed records that the page is searchable.
func (s *Store) MarkIndexed(ctx context.Context, id crawler.PageID) (crawler.PageRecord, error) {
	return s.transition(ctx, crawler.IndexedRecord(id))
}

func (s *Store) transition(ctx context.Context, rec crawler.LogRecord) (crawler.PageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[rec.ID]
	if !ok {
		return crawler.PageRecord{}, fmt.Errorf("%w: page %d", crawler.ErrNotFound, rec.ID)
	}
	if s.log == nil {
		return page.Clone(), fmt.Errorf("%w: store is read-only", crawler.ErrLogIO)
	}
	rec.Time = s.clock.Now()
	next, err := crawler.Apply(*page, rec, s.opts.RetryLimit)
	if err != nil {
		return page.Clone(), err
	}
	committed, err := s.log.Append(ctx, rec)
	if err != nil {
		return page.Clone(), err
	}
	*page = next
	s.lastSeq = committed.Seq
	return next.Clone(), nil
}

// Apply folds one replayed record into the store without logging it. Records
// at or below the last applied sequence number, a Discovered record for a
// known ID or URL, and a transition that does not fit the current state are
// all ignored, which makes replay idempotent. The last case is reported as
// crawler.ErrInvalidTransition so callers can count it.
func (s *Store) Apply(rec crawler.LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Seq != 0 {
		if rec.Seq <= s.lastSeq {
			return nil
		}
		s.lastSeq = rec.Seq
	}
	if rec.Kind == crawler.RecordDiscovered {
		if _, ok := s.pages[rec.ID]; ok {
			return nil
		}
		if _, ok := s.byURL[rec.URL]; ok {
			return nil
		}
		host, err := crawler.HostOf(rec.URL)
		if err != nil {
			return fmt.Errorf("replay seq %d: %w", rec.Seq, err)
		}
		s.insertLocked(rec, host)
		return nil
	}
	page, ok := s.pages[rec.ID]
	if !ok {
		return fmt.Errorf("%w: replay seq %d references page %d", crawler.ErrNotFound, rec.Seq, rec.ID)
	}
	// A second FetchStarted for an in-flight page is the claim that followed
	// recovery of an interrupted fetch; only the attempt time moves.
	if rec.Kind == crawler.RecordFetchStarted && page.State == crawler.StateFetchInFlight {
		page.LastAttemptAt = rec.Time
		return nil
	}
	next, err := crawler.Apply(*page, rec, s.opts.RetryLimit)
	if err != nil {
		return err
	}
	*page = next
	return nil
}

func (s *Store) insertLocked(rec crawler.LogRecord, host string) {
	page := crawler.NewPage(rec, host)
	s.pages[rec.ID] = &page
	s.byURL[rec.URL] = rec.ID
	if rec.ID > s.lastID {
		s.lastID = rec.ID
	}
}

// ReconcileInterrupted moves every page left FetchInFlight by a previous
// process to RetryPending without charging a retry. It returns the affected
// pages.
func (s *Store) ReconcileInterrupted() []crawler.PageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawler.PageRecord
	for _, page := range s.pages {
		if next, ok := crawler.Interrupted(*page); ok {
			*page = next
			out = append(out, next.Clone())
		}
	}
	sortByID(out)
	return out
}

// Get returns a copy of the page.
func (s *Store) Get(id crawler.PageID) (crawler.PageRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page, ok := s.pages[id]
	if !ok {
		return crawler.PageRecord{}, false
	}
	return page.Clone(), true
}

// Lookup finds a page by URL, normalizing it first.
func (s *Store) Lookup(rawURL string) (crawler.PageRecord, bool) {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return crawler.PageRecord{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byURL[normalized]
	if !ok {
		return crawler.PageRecord{}, false
	}
	return s.pages[id].Clone(), true
}

// LastSeq returns the sequence number of the newest record reflected in the
// store.
func (s *Store) LastSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeq
}

// Len returns the number of pages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages)
}

// CapReached reports whether no more pages may be created.
func (s *Store) CapReached() bool {
	if s.opts.MaxPages <= 0 {
		return false
	}
	return s.Len() >= s.opts.MaxPages
}

// InState returns copies of every page in one of the given states, by ID.
func (s *Store) InState(states ...crawler.State) []crawler.PageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.PageRecord
	for _, page := range s.pages {
		for _, state := range states {
			if page.State == state {
				out = append(out, page.Clone())
				break
			}
		}
	}
	sortByID(out)
	return out
}

// Pending returns every page that belongs in the frontier.
func (s *Store) Pending() []crawler.PageRecord {
	return s.InState(crawler.StateDiscovered, crawler.StateRetryPending)
}

// Snapshot returns copies of all pages ordered by ID.
func (s *Store) Snapshot() []crawler.PageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.PageRecord, 0, len(s.pages))
	for _, page := range s.pages {
		out = append(out, page.Clone())
	}
	sortByID(out)
	return out
}

// Stats counts pages by state.
func (s *Store) Stats() crawler.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := crawler.Stats{Discovered: len(s.pages)}
	for _, page := range s.pages {
		switch page.State {
		case crawler.StateFetchInFlight:
			stats.InFlight++
		case crawler.StateFetched:
			stats.Fetched++
		case crawler.StateRetryPending:
			stats.RetryPending++
		case crawler.StatePermanentlyFailed:
			stats.PermanentlyFailed++
		case crawler.StateIndexed:
			stats.Indexed++
			stats.Fetched++
		}
	}
	return stats
}

func sortByID(pages []crawler.PageRecord) {
	sort.Slice(pages, func(i, j int) bool { return pages[i].ID < pages[j].ID })
}
