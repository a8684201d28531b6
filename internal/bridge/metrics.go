package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelProtocol = "protocol"
	labelMode     = "mode"
)

var (
	metricBridgesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jumperd_bridge_active",
			Help: "Number of bridges currently supervised",
		},
	)

	metricBridgeEndedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jumperd_bridge_ended_total",
			Help: "Total number of bridge supervisions that ended, by protocol and mode",
		},
		[]string{labelProtocol, labelMode},
	)
)
