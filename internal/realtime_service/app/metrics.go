package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	subscriptionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "realtime",
			Name:      "subscriptions",
			Help:      "Current number of (connection, conversation) subscriptions.",
		},
	)

	eventsFannedOutCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "events_delivered_total",
			Help:      "Total number of frames queued to viewers.",
		},
		[]string{"event_type"},
	)

	slowViewerDisconnectsCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "slow_viewer_disconnects_total",
			Help:      "Total number of viewers disconnected because their send buffer was full.",
		},
	)

	providerStatusEventsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "provider_status_events_total",
			Help:      "Total number of provider status events by result.",
		},
		[]string{"result"}, // applied, stale, unknown_message, invalid, error
	)

	natsMessagesReceivedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realtime",
			Name:      "nats_messages_received_total",
			Help:      "Total number of NATS messages received.",
		},
		[]string{"subject_pattern"},
	)
)
