package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreHits tracks reads that found an entry, by partition
	StoreHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_store_hits_total",
			Help: "Total number of store reads that found an entry",
		},
		[]string{"partition"},
	)

	// StoreMisses tracks reads that found nothing, by partition
	StoreMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_store_misses_total",
			Help: "Total number of store reads that found no entry",
		},
		[]string{"partition"},
	)

	// StoreWrites tracks successful writes, by partition
	StoreWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_store_writes_total",
			Help: "Total number of entries written to the store",
		},
		[]string{"partition"},
	)

	storeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_store_errors_total",
			Help: "Total number of store operation errors",
		},
		[]string{"operation"}, // "get", "put", "delete", "keys", "open", "list", "drop"
	)
)

func recordHit(partition string) {
	StoreHits.WithLabelValues(partition).Inc()
}

func recordMiss(partition string) {
	StoreMisses.WithLabelValues(partition).Inc()
}

func recordWrite(partition string) {
	StoreWrites.WithLabelValues(partition).Inc()
}
