package frontier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
	"github.com/JakeFAU/crawl-engine/internal/policy/ratelimit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type fakeStore struct {
	mu      sync.Mutex
	started []crawler.PageID
	errFor  map[crawler.PageID]error
}

func (s *fakeStore) MarkFetchStarted(_ context.Context, id crawler.PageID) (crawler.PageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errFor[id]; err != nil {
		return crawler.PageRecord{}, err
	}
	s.started = append(s.started, id)
	return crawler.PageRecord{ID: id, State: crawler.StateFetchInFlight}, nil
}

func entry(id crawler.PageID, host string) crawler.FrontierEntry {
	return crawler.FrontierEntry{ID: id, Host: host}
}

func claimIDs(t *testing.T, f *Frontier, n int) []crawler.PageID {
	t.Helper()
	var ids []crawler.PageID
	for i := 0; i < n; i++ {
		e, err := f.TryClaim(context.Background())
		require.NoError(t, err)
		ids = append(ids, e.ID)
		f.ReleaseHost(e)
		f.Done(e)
	}
	return ids
}

func TestClaimFollowsDiscoveryOrder(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	limiter := ratelimit.New(ratelimit.Config{MaxInFlight: 1})
	f := New(store, limiter, newFakeClock(), Options{}, zap.NewNop())
	for _, e := range []crawler.FrontierEntry{entry(3, "b.test"), entry(1, "a.test"), entry(2, "b.test"), entry(4, "a.test")} {
		require.True(t, f.Push(e))
	}
	require.False(t, f.Push(entry(3, "b.test")), "duplicate IDs are ignored")

	assert.Equal(t, []crawler.PageID{1, 2, 3, 4}, claimIDs(t, f, 4))
	assert.Equal(t, []crawler.PageID{1, 2, 3, 4}, store.started)

	_, err := f.TryClaim(context.Background())
	require.ErrorIs(t, err, ErrEmpty)
}

func TestFairnessLimitsOneHostWhileOthersWait(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(ratelimit.Config{MaxInFlight: 10})
	f := New(&fakeStore{}, limiter, newFakeClock(), Options{FairnessWindow: 4, FairnessShare: 0.5}, nil)
	for id := crawler.PageID(1); id <= 6; id++ {
		f.Push(entry(id, "a.test"))
	}
	f.Push(entry(7, "b.test"))
	f.Push(entry(8, "b.test"))

	// a.test may take two of every four dispatches while b.test has work;
	// once b.test runs dry a.test gets everything.
	assert.Equal(t, []crawler.PageID{1, 2, 7, 8, 3, 4}, claimIDs(t, f, 6))
}

func TestClaimHonorsPoliteness(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := ratelimit.New(ratelimit.Config{Delay: time.Second, MaxInFlight: 1})
	f := New(&fakeStore{}, limiter, clock, Options{}, nil)
	f.Push(entry(1, "a.test"))
	f.Push(entry(2, "a.test"))
	f.Push(entry(3, "b.test"))

	first, err := f.TryClaim(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.PageID(1), first.ID)

	// a.test is busy, so b.test goes next even though its ID is higher.
	second, err := f.TryClaim(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.PageID(3), second.ID)

	f.ReleaseHost(first)
	f.Done(first)
	_, err = f.TryClaim(context.Background())
	require.ErrorIs(t, err, ErrEmpty, "a.test is inside its politeness window")

	clock.Advance(time.Second)
	third, err := f.TryClaim(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.PageID(2), third.ID)
}

func TestDelayedEntriesWaitForNotBefore(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	f := New(&fakeStore{}, ratelimit.New(ratelimit.Config{MaxInFlight: 1}), clock, Options{}, nil)
	delayed := entry(1, "a.test")
	delayed.NotBefore = clock.Now().Add(5 * time.Second)
	f.Push(delayed)
	f.Push(entry(2, "b.test"))

	e, err := f.TryClaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, crawler.PageID(2), e.ID)

	_, err = f.TryClaim(context.Background())
	require.ErrorIs(t, err, ErrEmpty)

	clock.Advance(5 * time.Second)
	e, err = f.TryClaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, crawler.PageID(1), e.ID)
}

func TestClaimBlocksUntilPush(t *testing.T) {
	t.Parallel()

	f := New(&fakeStore{}, ratelimit.New(ratelimit.Config{MaxInFlight: 1}), realClock{}, Options{}, nil)
	got := make(chan crawler.FrontierEntry, 1)
	go func() {
		e, err := f.Claim(context.Background())
		if err == nil {
			got <- e
		}
	}()

	time.Sleep(20 * time.Millisecond)
	f.Push(entry(9, "a.test"))

	select {
	case e := <-got:
		assert.Equal(t, crawler.PageID(9), e.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("claim did not wake up after push")
	}
}

func TestClaimStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	f := New(&fakeStore{}, ratelimit.New(ratelimit.Config{MaxInFlight: 1}), realClock{}, Options{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := f.Claim(ctx)
		errCh <- err
	}()
	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("claim ignored cancellation")
	}
}

func TestDrainModeReturnsOnceIdle(t *testing.T) {
	t.Parallel()

	f := New(&fakeStore{}, ratelimit.New(ratelimit.Config{MaxInFlight: 1}), realClock{}, Options{Drain: true}, nil)
	f.Push(entry(1, "a.test"))

	e, err := f.Claim(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, f.Outstanding())

	drained := make(chan error, 1)
	go func() {
		_, err := f.Claim(context.Background())
		drained <- err
	}()

	// The outstanding claim may still push follow-up work.
	select {
	case err := <-drained:
		t.Fatalf("claim returned early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	f.ReleaseHost(e)
	f.Done(e)
	select {
	case err := <-drained:
		require.ErrorIs(t, err, ErrDrained)
	case <-time.After(2 * time.Second):
		t.Fatal("drain mode did not finish")
	}
}

func TestClaimPropagatesLogFailure(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(ratelimit.Config{MaxInFlight: 1})
	store := &fakeStore{errFor: map[crawler.PageID]error{1: fmt.Errorf("%w: disk full", crawler.ErrLogIO)}}
	f := New(store, limiter, newFakeClock(), Options{}, nil)
	f.Push(entry(1, "a.test"))

	_, err := f.TryClaim(context.Background())
	require.ErrorIs(t, err, crawler.ErrLogIO)

	state, _ := limiter.State("a.test")
	assert.Equal(t, 0, state.InFlight, "the host slot is returned")
}

func TestClaimSkipsStaleEntries(t *testing.T) {
	t.Parallel()

	store := &fakeStore{errFor: map[crawler.PageID]error{1: crawler.ErrInvalidTransition}}
	f := New(store, ratelimit.New(ratelimit.Config{MaxInFlight: 1}), newFakeClock(), Options{}, nil)
	f.Push(entry(1, "a.test"))
	f.Push(entry(2, "b.test"))

	e, err := f.TryClaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, crawler.PageID(2), e.ID)
	assert.Equal(t, 0, f.Len())
}

func TestStaleEntryDoesNotDelayHost(t *testing.T) {
	t.Parallel()

	store := &fakeStore{errFor: map[crawler.PageID]error{1: crawler.ErrInvalidTransition}}
	limiter := ratelimit.New(ratelimit.Config{Delay: time.Hour, MaxInFlight: 1})
	f := New(store, limiter, newFakeClock(), Options{}, nil)
	f.Push(entry(1, "a.test"))
	f.Push(entry(2, "a.test"))

	e, err := f.TryClaim(context.Background())
	require.NoError(t, err, "the dropped entry must not spend the host's politeness slot")
	assert.Equal(t, crawler.PageID(2), e.ID)
	assert.Equal(t, []crawler.PageID{2}, store.started)
}

// recordingAdmitter captures the instant of every granted dispatch.
type recordingAdmitter struct {
	inner *ratelimit.Limiter
	mu    sync.Mutex
	times map[string][]time.Time
}

func (r *recordingAdmitter) Admit(host string, now time.Time) (bool, time.Time) {
	ok, retryAt := r.inner.Admit(host, now)
	if ok {
		r.mu.Lock()
		r.times[host] = append(r.times[host], now)
		r.mu.Unlock()
	}
	return ok, retryAt
}

func (r *recordingAdmitter) Cancel(host string, now time.Time) { r.inner.Cancel(host, now) }

func (r *recordingAdmitter) Release(host string) { r.inner.Release(host) }

func TestConcurrentClaimsAreExclusiveAndPolite(t *testing.T) {
	t.Parallel()

	admitter := &recordingAdmitter{
		inner: ratelimit.New(ratelimit.Config{Delay: time.Second, MaxInFlight: 4}),
		times: make(map[string][]time.Time),
	}
	f := New(&fakeStore{}, admitter, realClock{}, Options{Drain: true}, nil)
	for id := crawler.PageID(1); id <= 3; id++ {
		f.Push(entry(id, "slow.test"))
	}
	for id := crawler.PageID(4); id <= 40; id++ {
		f.Push(entry(id, fmt.Sprintf("h%d.test", id)))
	}

	var (
		mu      sync.Mutex
		holding = make(map[crawler.PageID]bool)
		seen    = make(map[crawler.PageID]int)
		wg      sync.WaitGroup
		dupErr  error
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				e, err := f.Claim(context.Background())
				if err != nil {
					return
				}
				mu.Lock()
				if holding[e.ID] {
					dupErr = errors.New("page claimed twice concurrently")
				}
				holding[e.ID] = true
				seen[e.ID]++
				mu.Unlock()

				time.Sleep(time.Millisecond)
				f.ReleaseHost(e)

				mu.Lock()
				delete(holding, e.ID)
				mu.Unlock()
				f.Done(e)
			}
		}()
	}
	wg.Wait()

	require.NoError(t, dupErr)
	require.Len(t, seen, 40)
	for id, n := range seen {
		assert.Equal(t, 1, n, "page %d", id)
	}
	times := admitter.times["slow.test"]
	require.Len(t, times, 3)
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), time.Second)
	}
}

func TestSnapshotOrdersByID(t *testing.T) {
	t.Parallel()

	f := New(&fakeStore{}, ratelimit.New(ratelimit.Config{MaxInFlight: 1}), newFakeClock(), Options{}, nil)
	f.Push(entry(5, "a.test"))
	f.Push(entry(2, "b.test"))
	f.Push(entry(9, "a.test"))

	snap := f.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, crawler.PageID(2), snap[0].ID)
	assert.Equal(t, crawler.PageID(9), snap[2].ID)
	assert.True(t, f.Contains(5))
	assert.False(t, f.Contains(1))
}
