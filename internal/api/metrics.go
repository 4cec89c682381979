package api

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the subscription endpoint.
type Metrics struct {
	CreateSubscriptionTotal    *prometheus.CounterVec
	CreateSubscriptionDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		CreateSubscriptionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_create_subscription_requests_total",
				Help: "Total number of create-subscription requests by outcome",
			},
			[]string{"outcome"},
		),
		CreateSubscriptionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_create_subscription_duration_seconds",
				Help:    "Create-subscription request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(m.CreateSubscriptionTotal, m.CreateSubscriptionDuration)
	return m
}

// observe records one finished request. A nil receiver records nothing.
func (m *Metrics) observe(outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.CreateSubscriptionTotal.WithLabelValues(outcome).Inc()
	m.CreateSubscriptionDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
}
