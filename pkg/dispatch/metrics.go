package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the webhook pipeline. Outcomes: success, rejected,
// retry, duplicate.
type Metrics struct {
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates pipeline metrics and registers them on the given
// registerer. Pass prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subflow",
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Webhook events by provider, normalized type, and outcome.",
		}, []string{"provider", "event_type", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "subflow",
			Subsystem: "webhook",
			Name:      "processing_seconds",
			Help:      "Webhook handler processing time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "event_type"}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.duration)
	}
	return m
}

// ObserveEvent records one processed event.
func (m *Metrics) ObserveEvent(provider, eventType, outcome string, elapsed time.Duration) {
	m.events.WithLabelValues(provider, eventType, outcome).Inc()
	m.duration.WithLabelValues(provider, eventType).Observe(elapsed.Seconds())
}

// ObserveDuplicate records a delivery suppressed by the idempotency guard.
func (m *Metrics) ObserveDuplicate(provider string) {
	m.events.WithLabelValues(provider, "duplicate", "duplicate").Inc()
}

// ObserveRejected records a delivery rejected before dispatch (bad signature,
// malformed payload).
func (m *Metrics) ObserveRejected(provider, reason string) {
	m.events.WithLabelValues(provider, reason, "rejected").Inc()
}
