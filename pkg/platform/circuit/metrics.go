package circuit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for circuit breakers.
type Metrics struct {
	Transitions    *prometheus.CounterVec
	ShortCircuited *prometheus.CounterVec
	StateGauge     *prometheus.GaugeVec
}

// NewMetrics creates and registers circuit breaker metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_circuit_transitions_total",
			Help: "Circuit breaker state transitions by breaker and new state",
		}, []string{"breaker", "state"}),
		ShortCircuited: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_circuit_short_circuited_total",
			Help: "Calls rejected without touching the dependency while open",
		}, []string{"breaker"}),
		StateGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "custodia_circuit_state",
			Help: "Current breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"breaker"}),
	}
}

// ObserveTransition records a state change.
func (m *Metrics) ObserveTransition(name string, to State) {
	m.Transitions.WithLabelValues(name, to.String()).Inc()
	m.StateGauge.WithLabelValues(name).Set(float64(to))
}

// IncShortCircuited records a fast-failed call.
func (m *Metrics) IncShortCircuited(name string) {
	m.ShortCircuited.WithLabelValues(name).Inc()
}
