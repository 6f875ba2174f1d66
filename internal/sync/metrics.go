package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Push results.
const (
	resultSuccess = "success"
	resultFailure = "failure"
)

// Metrics are the sync counters. A nil *Metrics records nothing.
type Metrics struct {
	// Pushes counts document pushes by operation and result.
	Pushes *prometheus.CounterVec
	// Conflicts counts conflicts detected by pulls.
	Conflicts prometheus.Counter
	// Violations counts reconciliation and hydration invariant violations by kind.
	Violations *prometheus.CounterVec
	// BatchRuns counts coordinator runs, skipped ones included.
	BatchRuns *prometheus.CounterVec
}

// NewMetrics registers the sync counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Pushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mdsync",
			Name:      "pushes_total",
			Help:      "Total number of document pushes to the cloud",
		}, []string{"operation", "result"}),
		Conflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mdsync",
			Name:      "conflicts_detected_total",
			Help:      "Total number of conflicting edits detected",
		}),
		Violations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mdsync",
			Name:      "invariant_violations_total",
			Help:      "Total number of invariant violations observed",
		}, []string{"kind"}),
		BatchRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mdsync",
			Name:      "batch_runs_total",
			Help:      "Total number of batch sync runs",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) push(op, result string) {
	if m == nil {
		return
	}
	m.Pushes.WithLabelValues(op, result).Inc()
}

func (m *Metrics) conflict() {
	if m == nil {
		return
	}
	m.Conflicts.Inc()
}

func (m *Metrics) violations(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Violations.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) batch(outcome string) {
	if m == nil {
		return
	}
	m.BatchRuns.WithLabelValues(outcome).Inc()
}
