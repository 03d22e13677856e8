package crawler

import (
	"context"
	"io"
	"time"
)

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata. Non-2xx statuses
// and transport failures are returned as *FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// RobotsPolicy answers robots.txt questions for a URL.
type RobotsPolicy interface {
	Check(ctx context.Context, rawURL string) RobotsVerdict
}

// Parser turns a fetched body into text, metadata and outbound links.
type Parser interface {
	Parse(baseURL, contentType string, body []byte) (Document, error)
}

// Indexer stores extracted text for retrieval.
type Indexer interface {
	Index(ctx context.Context, id PageID, text string, meta PageMetadata) error
}

// DocumentReader answers queries against indexed pages.
type DocumentReader interface {
	Lookup(ctx context.Context, query string, limit int) ([]Hit, error)
	FetchText(ctx context.Context, id PageID) (string, error)
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// SnapshotPath is the blob path of the raw body with the given content hash.
func SnapshotPath(hash string) string {
	prefix := hash
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return "pages/" + prefix + "/" + hash + ".html"
}
