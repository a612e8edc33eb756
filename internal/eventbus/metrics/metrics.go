package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the event bus.
type Metrics struct {
	Published    *prometheus.CounterVec
	Delivered    *prometheus.CounterVec
	Retries      prometheus.Counter
	DeadLettered prometheus.Counter
	Replayed     prometheus.Counter
	PendingLag   prometheus.Gauge
}

// New creates and registers event bus metrics.
func New() *Metrics {
	return &Metrics{
		Published: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_eventbus_published_total",
			Help: "Envelopes written to the outbox by event type",
		}, []string{"type"}),
		Delivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_eventbus_delivered_total",
			Help: "Envelope deliveries completed by subscriber",
		}, []string{"subscriber"}),
		Retries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_eventbus_retries_total",
			Help: "Envelope deliveries rescheduled after a handler failure",
		}),
		DeadLettered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_eventbus_dead_lettered_total",
			Help: "Envelopes moved to the dead-letter store",
		}),
		Replayed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custodia_eventbus_replayed_total",
			Help: "Envelopes re-delivered through replay",
		}),
		PendingLag: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "custodia_eventbus_pending_envelopes",
			Help: "Envelopes waiting for delivery",
		}),
	}
}
