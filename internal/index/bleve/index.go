// Package bleveindex stores extracted page text in a bleve full-text index and
// answers read-only queries against it.
package bleveindex

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

const (
	docType      = "page"
	defaultLimit = 10
	maxLimit     = 100
)

// pageDoc is the document shape written to the index.
type pageDoc struct {
	Title     string
	Snippet   string
	Content   string
	URL       string
	Host      string
	Lang      string
	Hash      string
	Depth     float64
	FetchedAt string
}

// BleveType selects the "page" document mapping.
func (pageDoc) BleveType() string { return docType }

// Index implements crawler.Indexer and crawler.DocumentReader.
type Index struct {
	idx    bleve.Index
	logger *zap.Logger
}

// Open opens the index at path, creating it when missing. An empty path
// yields an in-memory index.
func Open(path string, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		idx bleve.Index
		err error
	)
	switch {
	case path == "":
		idx, err = bleve.NewMemOnly(newMapping())
	default:
		idx, err = bleve.Open(path)
		if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			logger.Info("creating index", zap.String("path", path))
			idx, err = bleve.New(path, newMapping())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open bleve index %q: %v", crawler.ErrIndex, path, err)
	}
	return &Index{idx: idx, logger: logger}, nil
}

func newMapping() *mapping.IndexMappingImpl {
	idxMapping := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()

	docMapping.AddFieldMappingsAt("Title", bleve.NewTextFieldMapping())
	docMapping.AddFieldMappingsAt("Content", bleve.NewTextFieldMapping())

	snippet := bleve.NewTextFieldMapping()
	snippet.Index = false
	snippet.IncludeInAll = false
	docMapping.AddFieldMappingsAt("Snippet", snippet)

	for _, name := range []string{"URL", "Host", "Lang", "Hash", "FetchedAt"} {
		keyword := bleve.NewKeywordFieldMapping()
		keyword.IncludeInAll = false
		keyword.IncludeTermVectors = false
		docMapping.AddFieldMappingsAt(name, keyword)
	}

	depth := bleve.NewNumericFieldMapping()
	depth.Index = false
	depth.IncludeInAll = false
	docMapping.AddFieldMappingsAt("Depth", depth)

	idxMapping.AddDocumentMapping(docType, docMapping)
	return idxMapping
}

// Index writes the page, replacing any earlier version with the same ID.
func (i *Index) Index(ctx context.Context, id crawler.PageID, text string, meta crawler.PageMetadata) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", crawler.ErrIndex, err)
	}
	doc := pageDoc{
		Title:   meta.Title,
		Snippet: meta.Snippet,
		Content: text,
		URL:     meta.URL,
		Host:    meta.Host,
		Lang:    meta.Lang,
		Hash:    meta.ContentHash,
		Depth:   float64(meta.Depth),
	}
	if !meta.FetchedAt.IsZero() {
		doc.FetchedAt = meta.FetchedAt.UTC().Format(time.RFC3339Nano)
	}
	if err := i.idx.Index(docID(id), doc); err != nil {
		return fmt.Errorf("%w: index page %d: %v", crawler.ErrIndex, id, err)
	}
	return nil
}

// Lookup runs a match query over titles and content and returns hits in score
// order. Titles count double.
func (i *Index) Lookup(ctx context.Context, query string, limit int) ([]crawler.Hit, error) {
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	content := bleve.NewMatchQuery(query)
	content.SetField("Content")
	title := bleve.NewMatchQuery(query)
	title.SetField("Title")
	title.SetBoost(2.0)

	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(content, title), limit, 0, false)
	req.Fields = []string{"Title", "Snippet", "Content", "URL", "Host", "Lang", "Hash", "Depth", "FetchedAt"}
	res, err := i.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: search %q: %v", crawler.ErrIndex, query, err)
	}
	hits := make([]crawler.Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		id, err := strconv.ParseUint(h.ID, 10, 64)
		if err != nil {
			i.logger.Warn("skipping hit with foreign id", zap.String("doc_id", h.ID))
			continue
		}
		meta := crawler.PageMetadata{
			ID:          crawler.PageID(id),
			Title:       stringField(h.Fields, "Title"),
			Snippet:     stringField(h.Fields, "Snippet"),
			URL:         stringField(h.Fields, "URL"),
			Host:        stringField(h.Fields, "Host"),
			Lang:        stringField(h.Fields, "Lang"),
			ContentHash: stringField(h.Fields, "Hash"),
		}
		if depth, ok := h.Fields["Depth"].(float64); ok {
			meta.Depth = int(depth)
		}
		if ts := stringField(h.Fields, "FetchedAt"); ts != "" {
			if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				meta.FetchedAt = parsed
			}
		}
		hits = append(hits, crawler.Hit{Page: meta, Text: stringField(h.Fields, "Content"), Score: h.Score})
	}
	return hits, nil
}

// FetchText returns the indexed text of one page.
func (i *Index) FetchText(ctx context.Context, id crawler.PageID) (string, error) {
	req := bleve.NewSearchRequest(bleve.NewDocIDQuery([]string{docID(id)}))
	req.Fields = []string{"Content"}
	res, err := i.idx.SearchInContext(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: fetch page %d: %v", crawler.ErrIndex, id, err)
	}
	if len(res.Hits) == 0 {
		return "", fmt.Errorf("%w: page %d is not indexed", crawler.ErrNotFound, id)
	}
	return stringField(res.Hits[0].Fields, "Content"), nil
}

// Count returns the number of indexed pages.
func (i *Index) Count() (uint64, error) {
	n, err := i.idx.DocCount()
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", crawler.ErrIndex, err)
	}
	return n, nil
}

// Close flushes and closes the index.
func (i *Index) Close() error {
	if err := i.idx.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", crawler.ErrIndex, err)
	}
	return nil
}

func docID(id crawler.PageID) string {
	return strconv.FormatUint(uint64(id), 10)
}

func stringField(fields map[string]interface{}, name string) string {
	s, _ := fields[name].(string)
	return s
}
