package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectedViewersGauge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "realtime",
		Name:      "connected_viewers",
		Help:      "Current number of open viewer websockets.",
	},
)
