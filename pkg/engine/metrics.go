package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_requests_total",
		Help: "Total requests served by strategy and response source",
	}, []string{"strategy", "source"}) // source: "store", "network", "fallback", "miss"

	revalidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_revalidations_total",
		Help: "Total background revalidations by result",
	}, []string{"result"}) // "updated", "not_modified", "failed", "skipped"

	backgroundTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline_background_tasks",
		Help: "Number of detached fetches currently running",
	})
)
