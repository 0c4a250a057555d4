package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	workerIterationsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "media_dispatch",
			Name:      "worker_iterations_total",
			Help:      "Total number of queue worker iterations.",
		},
		[]string{"outcome"}, // idle, sent, permanent_failure, transient_failure, store_error
	)

	// ProviderSendDurationHist is exported so sender adapters can time their requests.
	ProviderSendDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "media_dispatch",
			Name:      "provider_send_duration_seconds",
			Help:      "Duration of media send requests to the messaging provider.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider_name"},
	)

	staleClaimsReclaimedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "media_dispatch",
			Name:      "stale_claims_reclaimed_total",
			Help:      "Total number of messages returned from processing to queued by the sweeper.",
		},
	)

	wakeSignalsCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "media_dispatch",
			Name:      "wake_signals_total",
			Help:      "Total number of enqueue notifications received.",
		},
	)
)
