// Package api hosts the read-only HTTP interface over indexed pages.
// Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/search?q=&limit= for ranked lookups.
//   - GET /v1/pages/{id}/text and /v1/pages/{id}/summary for one page.
//   - GET /v1/stats for page counts by state.
package api
