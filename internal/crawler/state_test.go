package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyHappyPath(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	page := NewPage(LogRecord{Kind: RecordDiscovered, ID: 1, URL: "http://a.test/", Time: ts}, "a.test")
	require.Equal(t, StateDiscovered, page.State)

	started := FetchStartedRecord(1)
	started.Time = ts.Add(time.Second)
	page, err := Apply(page, started, 3)
	require.NoError(t, err)
	assert.Equal(t, StateFetchInFlight, page.State)
	assert.Equal(t, started.Time, page.LastAttemptAt)

	page, err = Apply(page, FetchCompletedRecord(1, "abc", []string{"http://b.test/"}), 3)
	require.NoError(t, err)
	assert.Equal(t, StateFetched, page.State)
	assert.Equal(t, "abc", page.ContentHash)
	assert.Equal(t, []string{"http://b.test/"}, page.Links)

	page, err = Apply(page, IndexedRecord(1), 3)
	require.NoError(t, err)
	assert.Equal(t, StateIndexed, page.State)
	assert.True(t, page.State.Terminal())
}

func TestApplyRejectsInvalidEdges(t *testing.T) {
	page := PageRecord{ID: 7, State: StateDiscovered}
	_, err := Apply(page, IndexedRecord(7), 3)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = Apply(page, FetchCompletedRecord(7, "h", nil), 3)
	require.ErrorIs(t, err, ErrInvalidTransition)

	indexed := PageRecord{ID: 7, State: StateIndexed}
	_, err = Apply(indexed, FetchStartedRecord(7), 3)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransientFailuresRespectRetryLimit(t *testing.T) {
	page := PageRecord{ID: 3, State: StateDiscovered}
	var states []State
	for attempt := 0; attempt < 3; attempt++ {
		var err error
		page, err = Apply(page, FetchStartedRecord(3), 3)
		require.NoError(t, err)
		page, err = Apply(page, FetchFailedRecord(3, "http_503", FailureTransient), 3)
		require.NoError(t, err)
		states = append(states, page.State)
	}
	assert.Equal(t, []State{StateRetryPending, StateRetryPending, StatePermanentlyFailed}, states)
	assert.Equal(t, 3, page.RetryCount)

	_, err := Apply(page, FetchStartedRecord(3), 3)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRetryLimitZeroFailsImmediately(t *testing.T) {
	page := PageRecord{ID: 1, State: StateFetchInFlight}
	page, err := Apply(page, FetchFailedRecord(1, "timeout", FailureTransient), 0)
	require.NoError(t, err)
	assert.Equal(t, StatePermanentlyFailed, page.State)
	assert.Equal(t, 0, page.RetryCount)
}

func TestPermanentFailureKeepsRetryCount(t *testing.T) {
	page := PageRecord{ID: 1, State: StateFetchInFlight, RetryCount: 1}
	page, err := Apply(page, FetchFailedRecord(1, "http_404", FailurePermanent), 3)
	require.NoError(t, err)
	assert.Equal(t, StatePermanentlyFailed, page.State)
	assert.Equal(t, 1, page.RetryCount)
	assert.Equal(t, "http_404", page.LastError)
}

func TestInterrupted(t *testing.T) {
	page := PageRecord{ID: 1, State: StateFetchInFlight, RetryCount: 2}
	next, ok := Interrupted(page)
	require.True(t, ok)
	assert.Equal(t, StateRetryPending, next.State)
	assert.Equal(t, 2, next.RetryCount)

	_, ok = Interrupted(PageRecord{State: StateFetched})
	assert.False(t, ok)
}

func TestStateText(t *testing.T) {
	for state := StateDiscovered; state <= StateIndexed; state++ {
		text, err := state.MarshalText()
		require.NoError(t, err)
		var parsed State
		require.NoError(t, parsed.UnmarshalText(text))
		assert.Equal(t, state, parsed)
	}
	var bogus State
	require.Error(t, bogus.UnmarshalText([]byte("sleeping")))
}

func TestRetryAt(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	backoff := func(PageID, int) time.Duration { return 5 * time.Second }
	page := PageRecord{ID: 1, State: StateRetryPending, LastAttemptAt: ts, RetryCount: 1}
	assert.Equal(t, ts.Add(5*time.Second), RetryAt(page, backoff))
	page.State = StateDiscovered
	assert.True(t, RetryAt(page, backoff).IsZero())
}
