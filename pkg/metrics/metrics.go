// Package metrics exposes the Prometheus registry of the offline cache.
// All metrics are defined in their respective packages (store, network,
// engine, fallback, lifecycle, resync, connectivity) to maintain modularity
// and avoid circular dependencies.
//
// This package serves them over HTTP and documents the catalogue.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the offline cache.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer matching Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Store Metrics (pkg/store):
//   - offline_store_hits_total{partition} (Counter): Entries found
//   - offline_store_misses_total{partition} (Counter): Entries not found
//   - offline_store_writes_total{partition} (Counter): Entries written
//   - offline_store_errors_total{operation} (Counter): Storage failures by operation
//
// Network Metrics (pkg/network):
//   - offline_fetch_total{result} (Counter): Fetches by result (ok or error class)
//   - offline_fetch_duration_seconds (Histogram): Fetch duration
//   - offline_retries_total{error_class} (Counter): Retry attempts by error class
//   - offline_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - offline_retry_exhausted_total{error_class} (Counter): Fetches that exhausted max retries
//
// Engine Metrics (pkg/engine, pkg/fallback):
//   - offline_requests_total{strategy, source} (Counter): Responses by strategy and source (store, network, fallback, miss)
//   - offline_revalidations_total{result} (Counter): Background revalidations by result
//   - offline_background_tasks (Gauge): Detached fetches in flight
//   - offline_fallbacks_total{category} (Counter): Synthesized fallbacks by category
//
// Lifecycle Metrics (pkg/lifecycle):
//   - offline_lifecycle_state (Gauge): 0=uninitialized .. 4=active, 5=terminated
//   - offline_partitions_deleted_total (Counter): Stale partitions purged on activation
//   - offline_install_duration_seconds (Histogram): Install duration
//
// Resync Metrics (pkg/resync):
//   - offline_resync_deliveries_total{result} (Counter): Mutation deliveries by result
//   - offline_resync_queue_depth (Gauge): Pending mutations
//   - offline_resync_triggers_total{outcome} (Counter): Resync triggers by outcome
//
// Connectivity Metrics (pkg/connectivity):
//   - offline_connectivity_online (Gauge): 1 online, 0 offline
//   - offline_connectivity_restored_total (Counter): Offline to online transitions
//
// Example Prometheus Queries:
//
//   # Store Hit Rate
//   sum(rate(offline_store_hits_total[5m])) /
//   (sum(rate(offline_store_hits_total[5m])) + sum(rate(offline_store_misses_total[5m])))
//
//   # Share of responses served while offline
//   sum(rate(offline_requests_total{source="fallback"}[5m])) / sum(rate(offline_requests_total[5m]))
//
//   # Mutations waiting for delivery
//   offline_resync_queue_depth > 0
//
//   # P95 Fetch Latency
//   histogram_quantile(0.95, rate(offline_fetch_duration_seconds_bucket[5m]))
