// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultTable = "documents"
	defaultLimit = 10
	maxLimit     = 100
)

// DocumentStoreConfig controls the Postgres connection pool used for indexed
// documents.
type DocumentStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// DocumentStore implements crawler.Indexer and crawler.DocumentReader on a
// Postgres table with a generated full-text search column.
type DocumentStore struct {
	pool  pool
	table string
}

// NewDocumentStore connects to Postgres using the provided config.
func NewDocumentStore(ctx context.Context, cfg DocumentStoreConfig) (*DocumentStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("index.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &DocumentStore{pool: p, table: table}, nil
}

// NewDocumentStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewDocumentStoreWithPool(p pool, table string) (*DocumentStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &DocumentStore{pool: p, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *DocumentStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the documents table and its search index when missing.
func (s *DocumentStore) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	page_id      BIGINT PRIMARY KEY,
	url          TEXT NOT NULL,
	host         TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	snippet      TEXT NOT NULL DEFAULT '',
	lang         TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL,
	depth        INTEGER NOT NULL,
	fetched_at   TIMESTAMPTZ NOT NULL,
	content      TEXT NOT NULL,
	search       TSVECTOR GENERATED ALWAYS AS (
		setweight(to_tsvector('simple', title), 'A') ||
		setweight(to_tsvector('simple', content), 'B')
	) STORED
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_search_idx ON %s USING GIN (search)`, s.table, s.table),
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: ensure schema: %v", crawler.ErrIndex, err)
		}
	}
	return nil
}

// Index upserts the page text and metadata by page ID.
func (s *DocumentStore) Index(ctx context.Context, id crawler.PageID, text string, meta crawler.PageMetadata) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	page_id,
	url,
	host,
	title,
	snippet,
	lang,
	content_hash,
	depth,
	fetched_at,
	content
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
ON CONFLICT (page_id) DO UPDATE SET
	url = EXCLUDED.url,
	host = EXCLUDED.host,
	title = EXCLUDED.title,
	snippet = EXCLUDED.snippet,
	lang = EXCLUDED.lang,
	content_hash = EXCLUDED.content_hash,
	depth = EXCLUDED.depth,
	fetched_at = EXCLUDED.fetched_at,
	content = EXCLUDED.content`, s.table)

	args := []any{
		int64(id),
		meta.URL,
		meta.Host,
		meta.Title,
		meta.Snippet,
		meta.Lang,
		meta.ContentHash,
		meta.Depth,
		meta.FetchedAt,
		text,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: upsert page %d: %v", crawler.ErrIndex, id, err)
	}
	return nil
}

// Lookup returns pages matching the query ordered by text rank.
func (s *DocumentStore) Lookup(ctx context.Context, query string, limit int) ([]crawler.Hit, error) {
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	sql := fmt.Sprintf(`
SELECT page_id, url, host, title, snippet, lang, content_hash, depth, fetched_at,
	content, ts_rank(search, q) AS score
FROM %s, plainto_tsquery('simple', $1) AS q
WHERE search @@ q
ORDER BY score DESC, page_id
LIMIT $2`, s.table)

	rows, err := s.pool.Query(ctx, sql, query, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: search %q: %v", crawler.ErrIndex, query, err)
	}
	defer rows.Close()

	var hits []crawler.Hit
	for rows.Next() {
		var (
			id    int64
			meta  crawler.PageMetadata
			text  string
			score float32
		)
		if err := rows.Scan(
			&id,
			&meta.URL,
			&meta.Host,
			&meta.Title,
			&meta.Snippet,
			&meta.Lang,
			&meta.ContentHash,
			&meta.Depth,
			&meta.FetchedAt,
			&text,
			&score,
		); err != nil {
			return nil, fmt.Errorf("%w: scan hit: %v", crawler.ErrIndex, err)
		}
		meta.ID = crawler.PageID(id)
		hits = append(hits, crawler.Hit{Page: meta, Text: text, Score: float64(score)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read hits: %v", crawler.ErrIndex, err)
	}
	return hits, nil
}

// FetchText returns the stored text of one page.
func (s *DocumentStore) FetchText(ctx context.Context, id crawler.PageID) (string, error) {
	var text string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT content FROM %s WHERE page_id = $1`, s.table), int64(id)).Scan(&text)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: page %d is not indexed", crawler.ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("%w: fetch page %d: %v", crawler.ErrIndex, id, err)
	}
	return text, nil
}
