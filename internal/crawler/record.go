package crawler

import (
	"fmt"
	"time"
)

// RecordKind identifies a log record type.
type RecordKind uint8

// Log record kinds.
const (
	RecordUnknown RecordKind = iota
	RecordDiscovered
	RecordFetchStarted
	RecordFetchCompleted
	RecordFetchFailed
	RecordIndexed
)

var recordKindNames = map[RecordKind]string{
	RecordDiscovered:     "discovered",
	RecordFetchStarted:   "fetch_started",
	RecordFetchCompleted: "fetch_completed",
	RecordFetchFailed:    "fetch_failed",
	RecordIndexed:        "indexed",
}

func (k RecordKind) String() string {
	if name, ok := recordKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k RecordKind) MarshalText() ([]byte, error) {
	if _, ok := recordKindNames[k]; !ok {
		return nil, fmt.Errorf("unknown record kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *RecordKind) UnmarshalText(text []byte) error {
	for kind, name := range recordKindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown record kind %q", string(text))
}

// LogRecord is one durable state transition. Seq is assigned by the log on
// append; Time is stamped by the URL Store from the engine clock.
type LogRecord struct {
	Seq      uint64       `json:"seq"`
	Kind     RecordKind   `json:"kind"`
	Time     time.Time    `json:"ts"`
	ID       PageID       `json:"id"`
	URL      string       `json:"url,omitempty"`
	ParentID PageID       `json:"parent_id,omitempty"`
	Depth    int          `json:"depth,omitempty"`
	Hash     string       `json:"hash,omitempty"`
	Links    []string     `json:"links,omitempty"`
	Reason   string       `json:"reason,omitempty"`
	Class    FailureClass `json:"class,omitempty"`
}

// DiscoveredRecord announces a new URL.
func DiscoveredRecord(id PageID, url string, parent PageID, depth int) LogRecord {
	return LogRecord{Kind: RecordDiscovered, ID: id, URL: url, ParentID: parent, Depth: depth}
}

// FetchStartedRecord marks a page as claimed by a worker.
func FetchStartedRecord(id PageID) LogRecord {
	return LogRecord{Kind: RecordFetchStarted, ID: id}
}

// FetchCompletedRecord stores the content hash and the outbound links found in
// the body, so recovery can re-admit links without refetching.
func FetchCompletedRecord(id PageID, hash string, links []string) LogRecord {
	return LogRecord{Kind: RecordFetchCompleted, ID: id, Hash: hash, Links: links}
}

// FetchFailedRecord records a failed attempt.
func FetchFailedRecord(id PageID, reason string, class FailureClass) LogRecord {
	return LogRecord{Kind: RecordFetchFailed, ID: id, Reason: reason, Class: class}
}

// IndexedRecord marks the page as searchable.
func IndexedRecord(id PageID) LogRecord {
	return LogRecord{Kind: RecordIndexed, ID: id}
}
