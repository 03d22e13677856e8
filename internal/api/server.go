package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
	"github.com/JakeFAU/crawl-engine/internal/metrics"
	"github.com/JakeFAU/crawl-engine/internal/summarize"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100
	defaultTimeout     = 10 * time.Second
)

// StatsSource reports page counts by state.
type StatsSource interface {
	Stats() (crawler.Stats, error)
}

// Options tune the Server.
type Options struct {
	// RequestTimeout bounds each request. Defaults to 10s.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the document reader, summarizer and stats.
// Handlers never mutate crawl state.
type Server struct {
	router     chi.Router
	reader     crawler.DocumentReader
	summarizer summarize.Summarizer
	stats      StatsSource
	timeout    time.Duration
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. stats may be nil.
func NewServer(
	reader crawler.DocumentReader,
	summarizer summarize.Summarizer,
	stats StatsSource,
	opts Options,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if summarizer == nil {
		summarizer = summarize.Lead{}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultTimeout
	}
	metrics.Init()
	s := &Server{
		reader:     reader,
		summarizer: summarizer,
		stats:      stats,
		timeout:    opts.RequestTimeout,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		r.Get("/search", s.search)
		r.Get("/stats", s.getStats)
		r.Route("/pages/{id}", func(r chi.Router) {
			r.Get("/text", s.pageText)
			r.Get("/summary", s.pageSummary)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.reader == nil {
		writeError(w, http.StatusServiceUnavailable, "index unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// search handles GET /v1/search?q=&limit=. It returns {"hits": [...]} ordered
// by relevance, 400 for a missing query or bad limit, and 500 if the index
// fails.
func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit, err := parseLimit(r, defaultSearchLimit, maxSearchLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	hits, err := s.reader.Lookup(ctx, query, limit)
	if err != nil {
		s.logger.Error("search failed", zap.String("query", query), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	if hits == nil {
		hits = []crawler.Hit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": query, "hits": hits})
}

// pageText handles GET /v1/pages/{id}/text.
func (s *Server) pageText(w http.ResponseWriter, r *http.Request) {
	page, ok := s.loadText(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": page.id, "text": page.text})
}

// pageSummary handles GET /v1/pages/{id}/summary. Summarizer failures map to
// 502 and leave every crawl record untouched.
func (s *Server) pageSummary(w http.ResponseWriter, r *http.Request) {
	page, ok := s.loadText(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	summary, err := s.summarizer.Summarize(ctx, page.text)
	if err != nil {
		metrics.ObserveSummaryFailure()
		s.logger.Warn("summarize failed", zap.Uint64("page_id", uint64(page.id)), zap.Error(err))
		writeError(w, http.StatusBadGateway, "summarizer failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": page.id, "summary": summary})
}

type loadedPage struct {
	id   crawler.PageID
	text string
}

func (s *Server) loadText(w http.ResponseWriter, r *http.Request) (loadedPage, bool) {
	id, err := parsePageID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return loadedPage{}, false
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	text, err := s.reader.FetchText(ctx, id)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, "page not found")
		return loadedPage{}, false
	case err != nil:
		s.logger.Error("fetch text failed", zap.Uint64("page_id", uint64(id)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load page")
		return loadedPage{}, false
	}
	return loadedPage{id: id, text: text}, true
}

// getStats handles GET /v1/stats. It returns 503 when no stats source is
// wired.
func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "stats unavailable")
		return
	}
	stats, err := s.stats.Stats()
	if err != nil {
		s.logger.Error("load stats failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats, "done": stats.Done()})
}

func parsePageID(r *http.Request) (crawler.PageID, error) {
	raw := chi.URLParam(r, "id")
	if raw == "" {
		return 0, errors.New("id is required")
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid id")
	}
	return crawler.PageID(id), nil
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
