// Package metrics exposes the offline worker's Prometheus metrics.
// All metrics are defined in their respective packages (cache, fetch,
// lifecycle, router, notify) via promauto to avoid circular dependencies.
//
// This package provides the registry, the scrape handler and a reference
// of all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the offline worker.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the source scraped by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - offline_cache_hits_total{backend} (Counter): Cache hits by store backend
//   - offline_cache_misses_total{backend} (Counter): Cache misses, expired entries included
//   - offline_cache_puts_total{backend} (Counter): Entries written
//   - offline_cache_errors_total{backend, operation} (Counter): Store operation errors
//   - offline_cache_generations_deleted_total{backend} (Counter): Generations deleted
//
// Fetch Metrics (pkg/fetch):
//   - offline_fetch_requests_total{method, status} (Counter): Network requests by method and status
//   - offline_fetch_duration_seconds{method} (Histogram): Network request duration
//   - offline_fetch_errors_total{class} (Counter): Errors by class (client, server, network)
//   - offline_fetch_retries_total{error_class} (Counter): Retry attempts
//   - offline_fetch_retry_backoff_seconds{error_class} (Histogram): Backoff duration
//   - offline_fetch_retry_exhausted_total{error_class} (Counter): Requests that exhausted retries
//
// Lifecycle Metrics (pkg/lifecycle):
//   - offline_lifecycle_installs_total{outcome} (Counter): Install attempts (success, failure)
//   - offline_lifecycle_activations_total (Counter): Completed activations
//   - offline_lifecycle_stale_delete_failures_total (Counter): Stale generations that could not be deleted
//
// Router Metrics (pkg/router):
//   - offline_router_requests_total{strategy, outcome} (Counter): Mediated requests
//   - offline_router_background_writes_total{result} (Counter): Background writes (stored, failed, dropped, stale)
//
// Notification Metrics (pkg/notify):
//   - offline_push_events_total{outcome} (Counter): Push events (shown, empty, invalid, error)
//   - offline_notifications_evicted_total (Counter): Visible notifications dropped at the recorder cap
//   - offline_notification_clicks_total{action} (Counter): Clicks (focus, open, error)
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(offline_cache_hits_total[5m])) /
//   (sum(rate(offline_cache_hits_total[5m])) + sum(rate(offline_cache_misses_total[5m])))
//
//   # Share of requests answered while offline
//   sum(rate(offline_router_requests_total{outcome=~"offline|fallback|error"}[5m])) /
//   sum(rate(offline_router_requests_total[5m]))
//
//   # Failed deploys
//   increase(offline_lifecycle_installs_total{outcome="failure"}[1h])
//
//   # P95 Network Latency
//   histogram_quantile(0.95, rate(offline_fetch_duration_seconds_bucket[5m]))
