// Package metrics registers the Prometheus instruments shared by the
// league agents. Each process creates one Metrics value with its own
// registry so tests can run side by side.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the instruments one agent process exports.
type Metrics struct {
	registry *prometheus.Registry

	// Protocol traffic
	MessagesReceived *prometheus.CounterVec // message_type
	MessagesSent     *prometheus.CounterVec // message_type
	RPCDuration      *prometheus.HistogramVec
	RPCRetries       *prometheus.CounterVec // endpoint
	BreakerState     *prometheus.GaugeVec   // endpoint: 0 closed, 1 open, 2 half-open

	// Match lifecycle
	MatchesStarted   prometheus.Counter
	MatchesFinished  *prometheus.CounterVec // status
	MatchDuration    prometheus.Histogram
	MoveTimeouts     prometheus.Counter
	TechnicalLosses  prometheus.Counter

	// League progress
	RoundsCompleted  prometheus.Counter
	StandingsVersion prometheus.Gauge
}

// New creates and registers all instruments on a fresh registry.
func New(component string) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"component": component}
	m := &Metrics{registry: reg}

	m.MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "league_messages_received_total",
			Help:        "Inbound protocol messages accepted by message type",
			ConstLabels: labels,
		},
		[]string{"message_type"},
	)
	m.MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "league_messages_sent_total",
			Help:        "Outbound protocol messages by message type",
			ConstLabels: labels,
		},
		[]string{"message_type"},
	)
	m.RPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:        "league_rpc_duration_seconds",
			Help:        "Duration of outbound JSON-RPC calls",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		},
		[]string{"method"},
	)
	m.RPCRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "league_rpc_retries_total",
			Help:        "Retry attempts by endpoint",
			ConstLabels: labels,
		},
		[]string{"endpoint"},
	)
	m.BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "league_breaker_state",
			Help:        "Circuit breaker state per endpoint (0 closed, 1 open, 2 half-open)",
			ConstLabels: labels,
		},
		[]string{"endpoint"},
	)
	m.MatchesStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "league_matches_started_total",
		Help:        "Matches that entered WAITING_FOR_PLAYERS",
		ConstLabels: labels,
	})
	m.MatchesFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "league_matches_finished_total",
			Help:        "Matches that reached a terminal state by result status",
			ConstLabels: labels,
		},
		[]string{"status"},
	)
	m.MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "league_match_duration_seconds",
		Help:        "Wall time from match creation to terminal state",
		Buckets:     []float64{1, 5, 10, 20, 40, 60, 90, 120},
		ConstLabels: labels,
	})
	m.MoveTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "league_move_timeouts_total",
		Help:        "CHOOSE_PARITY_CALL deadlines that expired",
		ConstLabels: labels,
	})
	m.TechnicalLosses = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "league_technical_losses_total",
		Help:        "Matches decided by a non-responding player",
		ConstLabels: labels,
	})
	m.RoundsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "league_rounds_completed_total",
		Help:        "Rounds whose matches have all reported",
		ConstLabels: labels,
	})
	m.StandingsVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "league_standings_version",
		Help:        "Current standings table version",
		ConstLabels: labels,
	})

	reg.MustRegister(
		m.MessagesReceived, m.MessagesSent, m.RPCDuration, m.RPCRetries,
		m.BreakerState, m.MatchesStarted, m.MatchesFinished, m.MatchDuration,
		m.MoveTimeouts, m.TechnicalLosses, m.RoundsCompleted, m.StandingsVersion,
	)
	return m
}

// Handler serves this process's registry at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
