package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "emma",
		Subsystem: "relay",
		Name:      "active_sessions",
		Help:      "Live session entries currently held in the registry.",
	})
	sessionsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "emma",
		Subsystem: "relay",
		Name:      "sessions_started_total",
		Help:      "Sessions created, by kind.",
	}, []string{"kind"})
	engineTurns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "emma",
		Subsystem: "relay",
		Name:      "engine_turns_total",
		Help:      "Dialogue engine invocations, by outcome.",
	}, []string{"outcome"})
	sweepEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "emma",
		Subsystem: "relay",
		Name:      "sweep_evictions_total",
		Help:      "Session entries evicted by the expiry sweeper.",
	})
	handoffs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "emma",
		Subsystem: "relay",
		Name:      "handoffs_total",
		Help:      "Live-agent handoffs issued.",
	})
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(activeSessions, sessionsStarted, engineTurns, sweepEvictions, handoffs)
	})
}

func RecordSessionStart(kind string) {
	RegisterMetrics()
	sessionsStarted.WithLabelValues(kind).Inc()
}

// The active-sessions gauge follows registry membership, not relay lifetime:
// entries can leave through the sweeper, a displacing setup, or shutdown
// without a relay teardown ever running.
func RecordEntryAdded() {
	RegisterMetrics()
	activeSessions.Inc()
}

func RecordEntryRemoved() {
	RegisterMetrics()
	activeSessions.Dec()
}

func RecordEngineTurn(err error) {
	RegisterMetrics()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	engineTurns.WithLabelValues(outcome).Inc()
}

func RecordSweepEviction() {
	RegisterMetrics()
	sweepEvictions.Inc()
}

func RecordHandoff() {
	RegisterMetrics()
	handoffs.Inc()
}
