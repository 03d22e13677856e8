// Package frontier holds the pages that are ready to be fetched and hands
// them to workers one claim at a time.
//
// Entries are kept in per-host queues. A claim picks the lowest page ID
// (discovery order, so breadth first) among hosts that are ready, skipping
// hosts that already took more than their share of the recent dispatch window
// while another host could be served instead. The chosen host must then pass
// admission (politeness delay and in-flight cap) before the page is marked
// FetchInFlight in the store.
package frontier

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

var (
	// ErrEmpty is returned by TryClaim when nothing can be claimed right now.
	ErrEmpty = errors.New("frontier: nothing claimable")
	// ErrDrained is returned in drain mode once the frontier is empty and no
	// claim is outstanding.
	ErrDrained = errors.New("frontier: drained")
)

// Store records claims durably.
type Store interface {
	MarkFetchStarted(ctx context.Context, id crawler.PageID) (crawler.PageRecord, error)
}

// Admitter decides whether a host may receive a fetch now.
type Admitter interface {
	Admit(host string, now time.Time) (bool, time.Time)
	// Cancel undoes an Admit at now that led to no fetch.
	Cancel(host string, now time.Time)
	Release(host string)
}

// Options configure a Frontier.
type Options struct {
	// FairnessWindow is the number of recent dispatches considered by the
	// fairness rule; 0 disables it.
	FairnessWindow int
	// FairnessShare is the largest fraction of the window one host may take
	// while another host is ready.
	FairnessShare float64
	// Drain makes Claim return ErrDrained once all work is done.
	Drain bool
}

type host struct {
	name    string
	ready   idHeap
	delayed timeHeap
	// blockedUntil is set when admission refused the host for politeness.
	blockedUntil time.Time
	// saturated is set when admission refused the host for its in-flight cap.
	saturated bool
}

// Frontier is a politeness-aware priority queue of pages. It is safe for
// concurrent use.
type Frontier struct {
	mu       sync.Mutex
	store    Store
	admitter Admitter
	clock    crawler.Clock
	opts     Options
	logger   *zap.Logger

	hosts   map[string]*host
	queued  map[crawler.PageID]*crawler.FrontierEntry
	claimed map[crawler.PageID]struct{}
	recent  []string
	counts  map[string]int
	changed chan struct{}
	closed  bool
}

// New builds an empty Frontier.
func New(store Store, admitter Admitter, clock crawler.Clock, opts Options, logger *zap.Logger) *Frontier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FairnessShare <= 0 || opts.FairnessShare > 1 {
		opts.FairnessShare = 1
	}
	return &Frontier{
		store:    store,
		admitter: admitter,
		clock:    clock,
		opts:     opts,
		logger:   logger,
		hosts:    make(map[string]*host),
		queued:   make(map[crawler.PageID]*crawler.FrontierEntry),
		claimed:  make(map[crawler.PageID]struct{}),
		counts:   make(map[string]int),
		changed:  make(chan struct{}),
	}
}

// Push adds an entry. An ID that is already queued is ignored and false is
// returned.
func (f *Frontier) Push(entry crawler.FrontierEntry) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	if _, ok := f.queued[entry.ID]; ok {
		return false
	}
	e := entry
	f.queued[e.ID] = &e
	h := f.hostLocked(e.Host)
	if e.NotBefore.IsZero() || !e.NotBefore.After(f.clock.Now()) {
		heap.Push(&h.ready, &e)
	} else {
		heap.Push(&h.delayed, &e)
	}
	crawler.FrontierEntries.Set(float64(len(f.queued)))
	f.notifyLocked()
	return true
}

// TryClaim claims the best entry that is claimable right now, or returns
// ErrEmpty. On success the page is FetchInFlight and a FetchStarted record
// is durable.
func (f *Frontier) TryClaim(ctx context.Context) (crawler.FrontierEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, _, err := f.claimLocked(ctx)
	return entry, err
}

// Claim blocks until an entry can be claimed, the context ends, or, in drain
// mode, the frontier runs dry.
func (f *Frontier) Claim(ctx context.Context) (crawler.FrontierEntry, error) {
	for {
		if err := ctx.Err(); err != nil {
			return crawler.FrontierEntry{}, fmt.Errorf("frontier claim: %w", err)
		}
		f.mu.Lock()
		entry, wake, err := f.claimLocked(ctx)
		if !errors.Is(err, ErrEmpty) {
			f.mu.Unlock()
			return entry, err
		}
		if f.opts.Drain && len(f.queued) == 0 && len(f.claimed) == 0 {
			f.mu.Unlock()
			return crawler.FrontierEntry{}, ErrDrained
		}
		changed := f.changed
		now := f.clock.Now()
		f.mu.Unlock()

		if err := wait(ctx, changed, wake, now); err != nil {
			return crawler.FrontierEntry{}, err
		}
	}
}

func wait(ctx context.Context, changed <-chan struct{}, wake, now time.Time) error {
	var timer <-chan time.Time
	if !wake.IsZero() {
		t := time.NewTimer(wake.Sub(now))
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("frontier claim: %w", ctx.Err())
	case <-changed:
	case <-timer:
	}
	return nil
}

// claimLocked returns ErrEmpty together with the earliest time at which a
// time-blocked entry may become claimable (zero if none).
func (f *Frontier) claimLocked(ctx context.Context) (crawler.FrontierEntry, time.Time, error) {
	if f.closed {
		return crawler.FrontierEntry{}, time.Time{}, ErrEmpty
	}
	now := f.clock.Now()
	refused := make(map[string]bool)
	for {
		candidate, wake := f.pickLocked(now, refused)
		if candidate == nil {
			return crawler.FrontierEntry{}, wake, ErrEmpty
		}
		ok, retryAt := f.admitter.Admit(candidate.name, now)
		if !ok {
			refused[candidate.name] = true
			if retryAt.IsZero() {
				candidate.saturated = true
			} else {
				candidate.blockedUntil = retryAt
			}
			continue
		}
		e := heap.Pop(&candidate.ready).(*crawler.FrontierEntry)
		delete(f.queued, e.ID)
		crawler.FrontierEntries.Set(float64(len(f.queued)))
		// A claim that got this far is recorded even if the caller is
		// being stopped; the page then resurfaces as interrupted.
		if _, err := f.store.MarkFetchStarted(context.WithoutCancel(ctx), e.ID); err != nil {
			f.admitter.Cancel(candidate.name, now)
			if errors.Is(err, crawler.ErrInvalidTransition) || errors.Is(err, crawler.ErrNotFound) {
				f.logger.Warn("dropping stale frontier entry", zap.Uint64("page_id", uint64(e.ID)), zap.Error(err))
				continue
			}
			return crawler.FrontierEntry{}, time.Time{}, fmt.Errorf("claim page %d: %w", e.ID, err)
		}
		f.claimed[e.ID] = struct{}{}
		f.recordDispatchLocked(candidate.name)
		return *e, time.Time{}, nil
	}
}

// pickLocked selects the host whose head entry should be claimed next.
func (f *Frontier) pickLocked(now time.Time, refused map[string]bool) (*host, time.Time) {
	var (
		best, bestFair *host
		wake           time.Time
	)
	limit := f.fairLimit()
	names := make([]string, 0, len(f.hosts))
	for name := range f.hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h := f.hosts[name]
		h.promote(now)
		if len(h.delayed) > 0 {
			wake = earliest(wake, h.delayed[0].NotBefore)
		}
		if len(h.ready) == 0 {
			continue
		}
		if now.Before(h.blockedUntil) {
			wake = earliest(wake, h.blockedUntil)
			continue
		}
		if refused[name] || h.saturated {
			continue
		}
		if best == nil || h.ready[0].ID < best.ready[0].ID {
			best = h
		}
		if f.counts[name] < limit && (bestFair == nil || h.ready[0].ID < bestFair.ready[0].ID) {
			bestFair = h
		}
	}
	if bestFair != nil {
		return bestFair, wake
	}
	return best, wake
}

func (f *Frontier) fairLimit() int {
	if f.opts.FairnessWindow <= 0 {
		return math.MaxInt
	}
	limit := int(math.Floor(f.opts.FairnessShare * float64(f.opts.FairnessWindow)))
	if limit < 1 {
		limit = 1
	}
	return limit
}

func (f *Frontier) recordDispatchLocked(name string) {
	if f.opts.FairnessWindow <= 0 {
		return
	}
	f.recent = append(f.recent, name)
	f.counts[name]++
	if len(f.recent) > f.opts.FairnessWindow {
		oldest := f.recent[0]
		f.recent = f.recent[1:]
		f.counts[oldest]--
		if f.counts[oldest] == 0 {
			delete(f.counts, oldest)
		}
	}
}

// ReleaseHost returns the host slot taken by the claim once its network call
// is over.
func (f *Frontier) ReleaseHost(entry crawler.FrontierEntry) {
	f.admitter.Release(entry.Host)
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.hosts[entry.Host]; ok {
		h.saturated = false
	}
	f.notifyLocked()
}

// Done ends a claim. Any re-enqueue for the page must happen before Done so
// that drain mode never sees a false empty frontier.
func (f *Frontier) Done(entry crawler.FrontierEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claimed, entry.ID)
	f.notifyLocked()
}

// Close wakes blocked claimers; afterwards nothing can be claimed or pushed.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.notifyLocked()
}

// Len returns the number of queued entries.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queued)
}

// Outstanding returns the number of claims not yet marked done.
func (f *Frontier) Outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.claimed)
}

// Contains reports whether the page is queued.
func (f *Frontier) Contains(id crawler.PageID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.queued[id]
	return ok
}

// Snapshot returns the queued entries ordered by ID.
func (f *Frontier) Snapshot() []crawler.FrontierEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]crawler.FrontierEntry, 0, len(f.queued))
	for _, e := range f.queued {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *Frontier) hostLocked(name string) *host {
	h, ok := f.hosts[name]
	if !ok {
		h = &host{name: name}
		f.hosts[name] = h
	}
	return h
}

func (f *Frontier) notifyLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}

// promote moves delayed entries whose not-before has passed into the ready
// queue.
func (h *host) promote(now time.Time) {
	for len(h.delayed) > 0 && !h.delayed[0].NotBefore.After(now) {
		e := heap.Pop(&h.delayed).(*crawler.FrontierEntry)
		heap.Push(&h.ready, e)
	}
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() || (!b.IsZero() && b.Before(a)) {
		return b
	}
	return a
}
