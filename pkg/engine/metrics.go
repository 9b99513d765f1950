package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commandsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbgfront_engine_commands_sent_total",
			Help: "Commands written to the backend, by MI operation",
		},
		[]string{"operation"},
	)

	repliesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbgfront_engine_replies_total",
			Help: "Result records matched to a command, by result class",
		},
		[]string{"class"},
	)

	commandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbgfront_engine_command_duration_seconds",
			Help:    "Time between writing a command and receiving its reply",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	protocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dbgfront_engine_protocol_errors_total",
		Help: "Backend lines that were discarded because they could not be interpreted",
	})

	commandsForceFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dbgfront_engine_commands_force_failed_total",
		Help: "Commands failed because the backend connection was lost",
	})

	commandsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbgfront_engine_commands_in_flight",
			Help: "Commands waiting for a reply",
		},
		[]string{"session"},
	)

	sessionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbgfront_engine_session_state",
			Help: "Current session state (0 not-started, 1 running, 2 stopped, 3 exited, 4 dead)",
		},
		[]string{"session"},
	)
)
