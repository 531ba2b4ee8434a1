package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lifecycleState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline_lifecycle_state",
		Help: "Current lifecycle state (0=uninitialized 1=installing 2=installed 3=activating 4=active 5=terminated)",
	})

	partitionsDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offline_partitions_deleted_total",
		Help: "Total stale partitions deleted on activation",
	})

	installDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "offline_install_duration_seconds",
		Help:    "Duration of install attempts",
		Buckets: prometheus.DefBuckets,
	})
)
