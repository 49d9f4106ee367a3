package webpush

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts delivery outcomes. A nil *Metrics records nothing.
type Metrics struct {
	deliveries *prometheus.CounterVec
	cleanups   prometheus.Counter
	duration   prometheus.Histogram
}

// NewMetrics creates the push collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webpush",
			Name:      "deliveries_total",
			Help:      "Push delivery attempts by result.",
		}, []string{"result"}),
		cleanups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "webpush",
			Name:      "cleanups_total",
			Help:      "Subscriptions deleted after the push service reported them gone.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "webpush",
			Name:      "delivery_duration_seconds",
			Help:      "Time spent encrypting, signing and posting one message.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.deliveries, m.cleanups, m.duration)
	return m
}

func (m *Metrics) observe(r DeliveryResult, d time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(r.String()).Inc()
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) cleanedUp() {
	if m == nil {
		return
	}
	m.cleanups.Inc()
}
