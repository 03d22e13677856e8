package crawler

import (
	"fmt"
	"time"
)

// State is the lifecycle position of a page.
type State uint8

// Page states. FetchFailed is transient: it is resolved inside the same
// transition to RetryPending or PermanentlyFailed and never observed at rest.
const (
	StateUnknown State = iota
	StateDiscovered
	StateFetchInFlight
	StateFetched
	StateFetchFailed
	StateRetryPending
	StatePermanentlyFailed
	StateIndexed
)

var stateNames = map[State]string{
	StateUnknown:           "unknown",
	StateDiscovered:        "discovered",
	StateFetchInFlight:     "fetch_in_flight",
	StateFetched:           "fetched",
	StateFetchFailed:       "fetch_failed",
	StateRetryPending:      "retry_pending",
	StatePermanentlyFailed: "permanently_failed",
	StateIndexed:           "indexed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState resolves a state name.
func ParseState(name string) (State, error) {
	for state, n := range stateNames {
		if n == name {
			return state, nil
		}
	}
	return StateUnknown, fmt.Errorf("unknown state %q", name)
}

// Terminal reports whether the page will not be dispatched again this run.
func (s State) Terminal() bool {
	return s == StateIndexed || s == StatePermanentlyFailed
}

// Claimable reports whether a page in this state may sit in the frontier.
func (s State) Claimable() bool {
	return s == StateDiscovered || s == StateRetryPending
}

var transitions = map[State][]State{
	StateDiscovered:    {StateFetchInFlight},
	StateRetryPending:  {StateFetchInFlight},
	StateFetchInFlight: {StateFetched, StateFetchFailed, StateRetryPending},
	StateFetchFailed:   {StateRetryPending, StatePermanentlyFailed},
	StateFetched:       {StateIndexed},
}

// CanTransition reports whether from -> to is an edge of the page lifecycle.
// FetchInFlight -> RetryPending is only taken by recovery of interrupted
// fetches.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Apply computes the page that results from applying rec to page. It never
// mutates page. rec.Time must already be set. An edge that the lifecycle does
// not allow yields ErrInvalidTransition.
func Apply(page PageRecord, rec LogRecord, retryLimit int) (PageRecord, error) {
	next := page.Clone()
	switch rec.Kind {
	case RecordFetchStarted:
		if !CanTransition(page.State, StateFetchInFlight) {
			return page, invalidTransition(page, rec)
		}
		next.State = StateFetchInFlight
		next.LastAttemptAt = rec.Time
	case RecordFetchCompleted:
		if !CanTransition(page.State, StateFetched) {
			return page, invalidTransition(page, rec)
		}
		next.State = StateFetched
		next.ContentHash = rec.Hash
		next.Links = append([]string(nil), rec.Links...)
		next.LastError = ""
		next.LastClass = ""
	case RecordFetchFailed:
		if !CanTransition(page.State, StateFetchFailed) {
			return page, invalidTransition(page, rec)
		}
		next.LastError = rec.Reason
		next.LastClass = rec.Class
		next.State = resolveFailure(&next, rec.Class, retryLimit)
	case RecordIndexed:
		if !CanTransition(page.State, StateIndexed) {
			return page, invalidTransition(page, rec)
		}
		next.State = StateIndexed
	default:
		return page, invalidTransition(page, rec)
	}
	return next, nil
}

// resolveFailure leaves FetchFailed immediately. Transient failures consume
// one retry while the budget lasts; the count never exceeds retryLimit.
func resolveFailure(page *PageRecord, class FailureClass, retryLimit int) State {
	if class != FailureTransient || page.RetryCount >= retryLimit {
		return StatePermanentlyFailed
	}
	page.RetryCount++
	if page.RetryCount < retryLimit {
		return StateRetryPending
	}
	return StatePermanentlyFailed
}

// Interrupted returns the page as recovery sees it when its fetch never
// reported back. The retry count is untouched.
func Interrupted(page PageRecord) (PageRecord, bool) {
	if page.State != StateFetchInFlight {
		return page, false
	}
	next := page.Clone()
	next.State = StateRetryPending
	return next, true
}

// NewPage builds the record created by a Discovered log record.
func NewPage(rec LogRecord, host string) PageRecord {
	return PageRecord{
		ID:           rec.ID,
		URL:          rec.URL,
		Host:         host,
		ParentID:     rec.ParentID,
		Depth:        rec.Depth,
		State:        StateDiscovered,
		DiscoveredAt: rec.Time,
	}
}

func invalidTransition(page PageRecord, rec LogRecord) error {
	return fmt.Errorf("%w: page %d in %s cannot apply %s", ErrInvalidTransition, page.ID, page.State, rec.Kind)
}

// RetryAt is when a RetryPending page becomes claimable again.
func RetryAt(page PageRecord, backoff func(PageID, int) time.Duration) time.Time {
	if page.State != StateRetryPending || backoff == nil {
		return time.Time{}
	}
	return page.LastAttemptAt.Add(backoff(page.ID, page.RetryCount))
}
