package resync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_resync_deliveries_total",
		Help: "Total mutation delivery attempts by result",
	}, []string{"result"}) // "delivered", "failed", "buried", "queued", "rejected"

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline_resync_queue_depth",
		Help: "Number of pending mutations after the last queue change",
	})

	triggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_resync_triggers_total",
		Help: "Total resync triggers by outcome",
	}, []string{"outcome"}) // "completed", "skipped", "error"
)
