package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensei_sessions_total",
			Help: "Sessions by language and terminal state",
		},
		[]string{"language", "outcome"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensei_active_sessions",
			Help: "Sessions currently holding a connection",
		},
	)

	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sensei_phase_duration_ms",
			Help:    "Compile and run duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"language", "phase"}, // phase: "compile", "run"
	)

	OutputBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensei_output_bytes_total",
			Help: "Program output forwarded to clients",
		},
		[]string{"stream"},
	)

	InputLinesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensei_input_lines_dropped_total",
			Help: "Client input lines discarded because the program was not reading",
		},
	)

	RejectedConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensei_rejected_connections_total",
			Help: "Connections refused before a session started",
		},
		[]string{"reason"}, // reason: "rate_limit", "max_sessions"
	)
)
