package adminapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jumperd_adminapi_polls_total",
			Help: "Total number of admin-socket poll cycles, by outcome",
		},
		[]string{"status"},
	)

	metricReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jumperd_adminapi_reconnects_total",
			Help: "Total number of admin-socket reconnect attempts that succeeded",
		},
	)
)
