// Package metrics provides the centralized Prometheus metrics registry for
// the harvester. All metrics are defined in their respective packages
// (fetch, collect, enrich) to maintain modularity and avoid circular
// dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the harvester.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Request Metrics (pkg/fetch):
//   - harvester_requests_total{host, status} (Counter): Requests by host and HTTP status
//   - harvester_request_duration_seconds{host} (Histogram): Request duration by host
//   - harvester_request_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//   - harvester_request_retries_total{class} (Counter): Retry attempts by error class
//
// Collection Metrics (pkg/collect):
//   - harvester_collect_pages_total{outcome} (Counter): Listing pages by outcome
//     (ok, empty, fetch_failed, retry_ok, retry_exhausted, retry_discarded)
//   - harvester_collect_rows_written_total (Counter): Rows appended to the output
//
// Enrichment Metrics (pkg/enrich):
//   - harvester_detail_fetches_total{outcome} (Counter): Detail fetches by outcome
//     (ok, no_match, cache_hit, api_error, http_error, network_error, bad_body)
//   - harvester_detail_cache_hits_total (Counter): Detail cache hits
//   - harvester_detail_cache_misses_total (Counter): Detail cache misses
//   - harvester_detail_cache_errors_total{operation} (Counter): Cache operation errors
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   rate(harvester_detail_cache_hits_total[5m]) /
//   (rate(harvester_detail_cache_hits_total[5m]) + rate(harvester_detail_cache_misses_total[5m]))
//
//   # Pages Lost To Noise
//   rate(harvester_collect_pages_total{outcome="retry_exhausted"}[5m])
//
//   # Request Error Rate
//   rate(harvester_request_errors_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(harvester_request_duration_seconds_bucket[5m]))
