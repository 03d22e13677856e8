package crawler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PagesDiscovered tracks new URLs admitted to the store.
	PagesDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawler_pages_discovered_total",
		Help: "The total number of URLs admitted to the store.",
	})
	// FetchResults tracks completed fetch attempts by outcome.
	FetchResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_fetch_results_total",
		Help: "The total number of fetch attempts by outcome.",
	}, []string{"result"})
	// PagesIndexed tracks pages that reached the index.
	PagesIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawler_pages_indexed_total",
		Help: "The total number of pages indexed.",
	})
	// IndexErrors tracks failed index writes.
	IndexErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawler_index_errors_total",
		Help: "The total number of failed index writes.",
	})
	// LinksDropped tracks extracted links that were not admitted.
	LinksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_links_dropped_total",
		Help: "The total number of extracted links dropped by reason.",
	}, []string{"reason"})
	// AdmissionDenials tracks host admission refusals by reason.
	AdmissionDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_host_admission_denials_total",
		Help: "The total number of times a host was not admitted for dispatch.",
	}, []string{"reason"})
	// TotalRateLimitHits tracks the number of times a server answered 429.
	TotalRateLimitHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawler_rate_limit_hits_total",
		Help: "The total number of times the crawler was rate limited.",
	})
	// LogAppends tracks durable log appends.
	LogAppends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawler_log_appends_total",
		Help: "The total number of records appended to the write-ahead log.",
	})
	// LogTruncatedBytes tracks bytes dropped from a corrupt log tail.
	LogTruncatedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawler_log_truncated_bytes_total",
		Help: "The total number of bytes truncated from the log tail during replay.",
	})
	// InFlightFetches tracks fetches currently running.
	InFlightFetches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crawler_in_flight_fetches",
		Help: "The number of fetches currently in progress.",
	})
	// FrontierEntries tracks entries waiting in the frontier.
	FrontierEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crawler_frontier_entries",
		Help: "The number of entries waiting in the frontier.",
	})
)
