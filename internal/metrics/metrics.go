// Package metrics holds the Prometheus collectors for scoring and offline
// delivery. Collectors live on Registry rather than the global default so
// embedding processes and tests can serve or inspect them in isolation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var Registry = prometheus.NewRegistry()

var (
	ScoresComputed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safetrail",
		Subsystem: "score",
		Name:      "computed_total",
		Help:      "Safety scores computed by risk level.",
	}, []string{"risk_level"})

	LastScore = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "safetrail",
		Subsystem: "score",
		Name:      "last",
		Help:      "Most recently computed safety score.",
	})

	EnqueueTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safetrail",
		Subsystem: "queue",
		Name:      "enqueue_total",
		Help:      "Offline events offered to the queue by kind, priority and outcome.",
	}, []string{"kind", "priority", "outcome"})

	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "safetrail",
		Subsystem: "queue",
		Name:      "events",
		Help:      "Offline events held locally by state.",
	}, []string{"state"})

	StorageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "safetrail",
		Subsystem: "queue",
		Name:      "storage_bytes",
		Help:      "Serialized size of the offline queue.",
	})

	DeliveryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safetrail",
		Subsystem: "sync",
		Name:      "delivery_attempts_total",
		Help:      "Collector delivery attempts by result.",
	}, []string{"result"})

	SyncPasses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safetrail",
		Subsystem: "sync",
		Name:      "passes_total",
		Help:      "Sync passes by outcome.",
	}, []string{"outcome"})

	IngestSamples = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "safetrail",
		Subsystem: "ingest",
		Name:      "samples_total",
		Help:      "Location samples received by source and outcome.",
	}, []string{"source", "outcome"})

	Pruned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "safetrail",
		Subsystem: "sync",
		Name:      "pruned_total",
		Help:      "Synced events reclaimed by retention.",
	})
)

func init() {
	Registry.MustRegister(
		ScoresComputed,
		LastScore,
		EnqueueTotal,
		QueueDepth,
		StorageBytes,
		DeliveryAttempts,
		SyncPasses,
		IngestSamples,
		Pruned,
	)
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
