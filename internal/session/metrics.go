package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelReason = "reason"

	reasonWhitelist      = "whitelist"
	reasonRedundantPeer  = "redundant_peer"
	reasonAlreadyActive  = "already_active"
	reasonJumperUnsupported = "jumper_unsupported"
	reasonFailureLimit   = "failure_limit"
	reasonNoJumperAdvertised = "no_jumper_advertised"
)

var (
	metricCandidatesFiltered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jumperd_session_candidates_filtered_total",
			Help: "Total number of session-snapshot candidates dropped by the filter pipeline, by reason",
		},
		[]string{labelReason},
	)

	metricRendezvousSpawned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jumperd_session_rendezvous_spawned_total",
			Help: "Total number of Rendezvous Tasks spawned",
		},
	)

	metricActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jumperd_session_active",
			Help: "Number of entries currently held in the active-sessions table",
		},
	)
)
