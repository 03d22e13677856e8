package urlstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
	"github.com/JakeFAU/crawl-engine/internal/wal"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

// memLog is an in-memory Appender.
type memLog struct {
	mu      sync.Mutex
	records []crawler.LogRecord
	err     error
}

func (l *memLog) Append(_ context.Context, rec crawler.LogRecord) (crawler.LogRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return rec, l.err
	}
	rec.Seq = uint64(len(l.records) + 1)
	l.records = append(l.records, rec)
	return rec, nil
}

func newTestStore(opts Options) (*Store, *memLog) {
	log := &memLog{}
	clock := &fakeClock{now: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)}
	return New(log, clock, opts, zap.NewNop()), log
}

func TestGetOrCreateNormalizesAndDedupes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, log := newTestStore(Options{RetryLimit: 3})

	id, isNew, err := s.GetOrCreate(ctx, "HTTP://A.test#top", 0, 0)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, crawler.PageID(1), id)

	again, isNew, err := s.GetOrCreate(ctx, "http://a.test/", 0, 0)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, id, again)

	other, isNew, err := s.GetOrCreate(ctx, "http://b.test/x?b=2&a=1", id, 1)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, crawler.PageID(2), other)

	page, ok := s.Get(other)
	require.True(t, ok)
	assert.Equal(t, "http://b.test/x?a=1&b=2", page.URL)
	assert.Equal(t, "b.test", page.Host)
	assert.Equal(t, id, page.ParentID)
	assert.Equal(t, 1, page.Depth)
	assert.Equal(t, crawler.StateDiscovered, page.State)

	require.Len(t, log.records, 2)
	assert.Equal(t, crawler.RecordDiscovered, log.records[1].Kind)
}

func TestGetOrCreateRejectsMalformedAndCap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(Options{MaxPages: 1})

	_, _, err := s.GetOrCreate(ctx, "mailto:someone@a.test", 0, 0)
	require.ErrorIs(t, err, crawler.ErrMalformedURL)

	_, _, err = s.GetOrCreate(ctx, "http://a.test/", 0, 0)
	require.NoError(t, err)
	assert.True(t, s.CapReached())

	_, _, err = s.GetOrCreate(ctx, "http://b.test/", 0, 0)
	require.ErrorIs(t, err, crawler.ErrCapReached)

	// Known URLs still resolve past the cap.
	_, isNew, err := s.GetOrCreate(ctx, "http://a.test", 0, 0)
	require.NoError(t, err)
	assert.False(t, isNew)
}

func TestTransitionsAreLoggedBeforeCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, log := newTestStore(Options{RetryLimit: 3})
	id, _, err := s.GetOrCreate(ctx, "http://a.test/", 0, 0)
	require.NoError(t, err)

	_, err = s.MarkIndexed(ctx, id)
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)
	require.Len(t, log.records, 1, "invalid transitions append nothing")

	log.err = fmt.Errorf("%w: disk full", crawler.ErrLogIO)
	_, err = s.MarkFetchStarted(ctx, id)
	require.ErrorIs(t, err, crawler.ErrLogIO)
	page, _ := s.Get(id)
	assert.Equal(t, crawler.StateDiscovered, page.State, "a failed append leaves state untouched")

	log.err = nil
	page, err = s.MarkFetchStarted(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, crawler.StateFetchInFlight, page.State)

	page, err = s.MarkFetched(ctx, id, "hash", []string{"http://b.test/"})
	require.NoError(t, err)
	assert.Equal(t, crawler.StateFetched, page.State)

	page, err = s.MarkIndexed(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, crawler.StateIndexed, page.State)
	assert.Equal(t, uint64(4), s.LastSeq())

	_, err = s.MarkFetchStarted(ctx, 99)
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestRetryCountNeverExceedsLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(Options{RetryLimit: 2})
	id, _, err := s.GetOrCreate(ctx, "http://c.test/", 0, 0)
	require.NoError(t, err)

	for {
		if _, err := s.MarkFetchStarted(ctx, id); err != nil {
			require.ErrorIs(t, err, crawler.ErrInvalidTransition)
			break
		}
		page, err := s.MarkFailed(ctx, id, "http_503", crawler.FailureTransient)
		require.NoError(t, err)
		require.LessOrEqual(t, page.RetryCount, 2)
	}
	page, _ := s.Get(id)
	assert.Equal(t, crawler.StatePermanentlyFailed, page.State)
	assert.Equal(t, 2, page.RetryCount)
	assert.Empty(t, s.Pending())
}

func replayInto(t *testing.T, records []crawler.LogRecord, opts Options) *Store {
	t.Helper()
	s := New(nil, &fakeClock{}, opts, zap.NewNop())
	for _, rec := range records {
		err := s.Apply(rec)
		if err != nil && !errors.Is(err, crawler.ErrInvalidTransition) {
			require.NoError(t, err)
		}
	}
	return s
}

func TestReplayReconstructsIdenticalState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	live, log := newTestStore(Options{RetryLimit: 3})
	a, _, _ := live.GetOrCreate(ctx, "http://a.test/", 0, 0)
	b, _, _ := live.GetOrCreate(ctx, "http://b.test/", a, 1)
	c, _, _ := live.GetOrCreate(ctx, "http://c.test/", a, 1)
	_, _ = live.MarkFetchStarted(ctx, a)
	_, _ = live.MarkFetched(ctx, a, "h1", []string{"http://b.test/", "http://c.test/"})
	_, _ = live.MarkIndexed(ctx, a)
	_, _ = live.MarkFetchStarted(ctx, b)
	_, _ = live.MarkFailed(ctx, b, "timeout", crawler.FailureTransient)
	_, _ = live.MarkFetchStarted(ctx, c)

	first := replayInto(t, log.records, Options{RetryLimit: 3})
	second := replayInto(t, log.records, Options{RetryLimit: 3})
	assert.Equal(t, live.Snapshot(), first.Snapshot())
	assert.Equal(t, first.Snapshot(), second.Snapshot())
	assert.Equal(t, first.Stats(), second.Stats())

	// Applying the same records again changes nothing.
	for _, rec := range log.records {
		_ = first.Apply(rec)
	}
	assert.Equal(t, second.Snapshot(), first.Snapshot())
}

func TestReconcileInterruptedKeepsRetryCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	live, log := newTestStore(Options{RetryLimit: 3})
	id, _, _ := live.GetOrCreate(ctx, "http://a.test/", 0, 0)
	_, _ = live.MarkFetchStarted(ctx, id)
	_, _ = live.MarkFailed(ctx, id, "timeout", crawler.FailureTransient)
	_, _ = live.MarkFetchStarted(ctx, id)
	// The process dies here, with no completion for the second attempt.

	restored := replayInto(t, log.records, Options{RetryLimit: 3})
	page, _ := restored.Get(id)
	require.Equal(t, crawler.StateFetchInFlight, page.State)

	reset := restored.ReconcileInterrupted()
	require.Len(t, reset, 1)
	page, _ = restored.Get(id)
	assert.Equal(t, crawler.StateRetryPending, page.State)
	assert.Equal(t, 1, page.RetryCount)
	assert.Len(t, restored.Pending(), 1)
}

func TestRaisedRetryLimitReopensFailedPages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	live, log := newTestStore(Options{RetryLimit: 1})
	id, _, _ := live.GetOrCreate(ctx, "http://a.test/", 0, 0)
	_, _ = live.MarkFetchStarted(ctx, id)
	page, _ := live.MarkFailed(ctx, id, "http_503", crawler.FailureTransient)
	require.Equal(t, crawler.StatePermanentlyFailed, page.State)

	restored := replayInto(t, log.records, Options{RetryLimit: 3})
	page, _ = restored.Get(id)
	assert.Equal(t, crawler.StateRetryPending, page.State)
	assert.Equal(t, 1, page.RetryCount)
}

func TestStoreRebuildsFromDurableLog(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "crawl.wal")
	clock := &fakeClock{now: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)}

	l, err := wal.Open(path, wal.Options{}, zap.NewNop())
	require.NoError(t, err)
	live := New(l, clock, Options{RetryLimit: 3}, nil)
	id, _, err := live.GetOrCreate(ctx, "http://a.test/", 0, 0)
	require.NoError(t, err)
	_, err = live.MarkFetchStarted(ctx, id)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := wal.Open(path, wal.Options{}, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	restored := New(reopened, clock, Options{RetryLimit: 3}, nil)
	_, err = reopened.Replay(restored.Apply)
	require.NoError(t, err)
	assert.Equal(t, live.Snapshot(), restored.Snapshot())

	// IDs continue after the replayed ones.
	next, isNew, err := restored.GetOrCreate(ctx, "http://b.test/", id, 1)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, crawler.PageID(2), next)
}

func TestStatsCountsByState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(Options{RetryLimit: 0})
	a, _, _ := s.GetOrCreate(ctx, "http://a.test/", 0, 0)
	b, _, _ := s.GetOrCreate(ctx, "http://b.test/", 0, 0)
	_, _, _ = s.GetOrCreate(ctx, "http://c.test/", 0, 0)
	_, _ = s.MarkFetchStarted(ctx, a)
	_, _ = s.MarkFetched(ctx, a, "h", nil)
	_, _ = s.MarkIndexed(ctx, a)
	_, _ = s.MarkFetchStarted(ctx, b)
	_, _ = s.MarkFailed(ctx, b, "http_404", crawler.FailurePermanent)

	stats := s.Stats()
	assert.Equal(t, crawler.Stats{Discovered: 3, Fetched: 1, Indexed: 1, PermanentlyFailed: 1}, stats)
	assert.Equal(t, 2, stats.Done())
	assert.Len(t, s.InState(crawler.StateDiscovered), 1)
	found, ok := s.Lookup("HTTP://A.TEST")
	require.True(t, ok)
	assert.Equal(t, a, found.ID)
}
