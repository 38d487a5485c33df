package amqpx

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsRecorder is an optional, nil-safe wrapper around the Prometheus
// vectors a Connection reports recovery activity through. A Connection built
// without WithMetrics runs with metrics == nil and every call site checks
// for that before using it, so instrumentation is never a hard dependency
// of the core recovery logic.
type metricsRecorder struct {
	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
	ledger   *prometheus.GaugeVec
	state    *prometheus.GaugeVec
	name     string
}

// newMetricsRecorder builds the vectors and registers them against reg. name
// labels every series so multiple Connections can share a registry.
func newMetricsRecorder(reg prometheus.Registerer, name string) (*metricsRecorder, error) {
	m := &metricsRecorder{
		name: name,
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amqpx",
			Name:      "recovery_attempts_total",
			Help:      "Total number of transport recovery attempts, by outcome.",
		}, []string{"connection", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "amqpx",
			Name:      "recovery_duration_seconds",
			Help:      "Duration of each recovery attempt, successful or not.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"connection"}),
		ledger: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "amqpx",
			Name:      "ledger_entries",
			Help:      "Number of entries currently tracked in the topology ledger, by kind.",
		}, []string{"connection", "kind"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "amqpx",
			Name:      "connection_state",
			Help:      "Current recovery state of the connection (1 for the active state, 0 otherwise).",
		}, []string{"connection", "state"}),
	}
	for _, c := range []prometheus.Collector{m.attempts, m.duration, m.ledger, m.state} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *metricsRecorder) observeRecovery(success bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.attempts.WithLabelValues(m.name, outcome).Inc()
	m.duration.WithLabelValues(m.name).Observe(d.Seconds())
}

func (m *metricsRecorder) setState(state recoveryState) {
	if m == nil {
		return
	}
	for _, s := range []recoveryState{stateConnected, stateRecovering} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.state.WithLabelValues(m.name, s.String()).Set(v)
	}
}

func (m *metricsRecorder) setLedgerCounts(exchanges, queues, bindings, consumers int) {
	if m == nil {
		return
	}
	m.ledger.WithLabelValues(m.name, "exchange").Set(float64(exchanges))
	m.ledger.WithLabelValues(m.name, "queue").Set(float64(queues))
	m.ledger.WithLabelValues(m.name, "binding").Set(float64(bindings))
	m.ledger.WithLabelValues(m.name, "consumer").Set(float64(consumers))
}
