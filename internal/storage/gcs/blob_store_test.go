package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

// fakeGCS serves just enough of the JSON upload and media download APIs.
type fakeGCS struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/upload/storage/v1/b/test-bucket/o"):
		name := r.URL.Query().Get("name")
		body, _ := io.ReadAll(r.Body)
		f.objects[name] = body
		_, _ = fmt.Fprintf(w, `{"bucket":"test-bucket","name":%q}`, name)
	case r.Method == http.MethodGet:
		for name, body := range f.objects {
			if strings.HasSuffix(r.URL.Path, "/"+name) {
				_, _ = w.Write(body)
				return
			}
		}
		http.Error(w, "not found", http.StatusNotFound)
	default:
		http.Error(w, "unsupported", http.StatusBadRequest)
	}
}

func newTestStore(t *testing.T, handler http.Handler, prefix string) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	store, err := New(client, Config{Bucket: "test-bucket", Prefix: prefix})
	require.NoError(t, err)
	return store
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObjectUploadsUnderPrefix(t *testing.T) {
	t.Parallel()

	fake := &fakeGCS{objects: map[string][]byte{}}
	store := newTestStore(t, fake, "/crawl/")
	uri, err := store.PutObject(context.Background(), "pages/ab/abcd.html", "text/html", bytes.NewReader([]byte("<p>hi</p>")))
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/crawl/pages/ab/abcd.html", uri)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Contains(t, fake.objects, "crawl/pages/ab/abcd.html")
	assert.Contains(t, string(fake.objects["crawl/pages/ab/abcd.html"]), "<p>hi</p>")
}

func TestGetObjectMissingIsNotFound(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, &fakeGCS{objects: map[string][]byte{}}, "")
	_, err := store.GetObject(context.Background(), "pages/zz/missing.html")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}), "")
	_, err := store.PutObject(context.Background(), "x.html", "text/html", bytes.NewReader([]byte("x")))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), " ", "text/html", bytes.NewReader(nil))
	require.Error(t, err)
}
