// Package crawler defines core types shared across subsystems.
package crawler

import (
	"mime"
	"net/http"
	"strings"
	"time"
)

// PageID identifies a discovered URL. IDs are assigned sequentially from 1
// in discovery order and never reused.
type PageID uint64

// FailureClass separates retryable fetch failures from terminal ones.
type FailureClass string

// Failure classes recorded with FetchFailed records.
const (
	FailureTransient FailureClass = "transient"
	FailurePermanent FailureClass = "permanent"
)

// PageRecord is the authoritative view of one URL held by the URL Store.
type PageRecord struct {
	ID            PageID       `json:"id"`
	URL           string       `json:"url"`
	Host          string       `json:"host"`
	ParentID      PageID       `json:"parent_id,omitempty"`
	Depth         int          `json:"depth"`
	State         State        `json:"state"`
	DiscoveredAt  time.Time    `json:"discovered_at"`
	LastAttemptAt time.Time    `json:"last_attempt_at,omitempty"`
	RetryCount    int          `json:"retry_count"`
	ContentHash   string       `json:"content_hash,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	LastClass     FailureClass `json:"last_class,omitempty"`
	Links         []string     `json:"links,omitempty"`
}

// Clone returns a deep copy so callers never alias store-owned slices.
func (r PageRecord) Clone() PageRecord {
	if r.Links != nil {
		r.Links = append([]string(nil), r.Links...)
	}
	return r
}

// FrontierEntry is a claimable unit of work. Lower IDs are preferred, which
// approximates breadth-first order since IDs follow discovery order.
type FrontierEntry struct {
	ID        PageID    `json:"id"`
	Host      string    `json:"host"`
	Depth     int       `json:"depth"`
	NotBefore time.Time `json:"not_before,omitempty"`
}

// HostState is a snapshot of the politeness bookkeeping for one host.
type HostState struct {
	Host         string        `json:"host"`
	LastDispatch time.Time     `json:"last_dispatch"`
	InFlight     int           `json:"in_flight"`
	Delay        time.Duration `json:"delay"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	ID      PageID
	URL     string
	Depth   int
	Headers http.Header
}

// FetchResponse holds the HTTP result of a fetch.
type FetchResponse struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// ContentType returns the media type of the response without parameters.
func (r FetchResponse) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return MediaType(r.Headers.Get("Content-Type"))
}

// MediaType strips parameters from a Content-Type header value.
func MediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	return mt
}

// Document is the parser output for one fetched body.
type Document struct {
	Title   string
	Snippet string
	Text    string
	Lang    string
	Links   []string
	Hash    string
}

// PageMetadata is stored next to the extracted text in the index.
type PageMetadata struct {
	ID          PageID    `json:"id"`
	URL         string    `json:"url"`
	Host        string    `json:"host"`
	Title       string    `json:"title,omitempty"`
	Snippet     string    `json:"snippet,omitempty"`
	Lang        string    `json:"lang,omitempty"`
	ContentHash string    `json:"content_hash"`
	Depth       int       `json:"depth"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Hit is one search result.
type Hit struct {
	Page  PageMetadata `json:"page"`
	Text  string       `json:"text"`
	Score float64      `json:"score"`
}

// RobotsVerdict is the robots.txt decision for one URL.
type RobotsVerdict struct {
	Allowed    bool
	CrawlDelay time.Duration
	// Fetched is set when answering took a robots.txt request to the host.
	Fetched bool
}

// Stats summarizes page counts by state.
type Stats struct {
	Discovered        int `json:"discovered"`
	InFlight          int `json:"in_flight"`
	Fetched           int `json:"fetched"`
	RetryPending      int `json:"retry_pending"`
	PermanentlyFailed int `json:"permanently_failed"`
	Indexed           int `json:"indexed"`
}

// Done reports the number of pages in a terminal state.
func (s Stats) Done() int {
	return s.Indexed + s.PermanentlyFailed
}
