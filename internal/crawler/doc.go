// Package crawler holds the shared vocabulary of the crawl engine: page
// records and their lifecycle, write-ahead log records, the failure taxonomy,
// URL normalization and scope, retry backoff, robots.txt enforcement, and the
// interfaces implemented by fetchers, parsers, indexers and stores.
package crawler
