// Package metrics holds the Prometheus collectors describing validation and
// delivery outcomes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "smtp_send_api"

// Metrics groups the service collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	EmailsSent         *prometheus.CounterVec
	EmailFailures      *prometheus.CounterVec
	ValidationFailures *prometheus.CounterVec
	SendDuration       *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EmailsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "emails_sent_total",
				Help:      "Total number of emails accepted by the provider",
			},
			[]string{"provider"},
		),
		EmailFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "email_failures_total",
				Help:      "Total number of failed delivery attempts",
			},
			[]string{"provider", "reason"},
		),
		ValidationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_failures_total",
				Help:      "Total number of rejected requests by top-level field",
			},
			[]string{"field"},
		),
		SendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "send_duration_seconds",
				Help:      "Duration of delivery attempts in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider"},
		),
	}
}

// ObserveSent records a successful delivery.
func (m *Metrics) ObserveSent(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.EmailsSent.WithLabelValues(provider).Inc()
	m.SendDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveFailure records a failed delivery.
func (m *Metrics) ObserveFailure(provider, reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.EmailFailures.WithLabelValues(provider, reason).Inc()
	m.SendDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveValidationFailure records a rejected request.
func (m *Metrics) ObserveValidationFailure(field string) {
	if m == nil {
		return
	}
	m.ValidationFailures.WithLabelValues(field).Inc()
}
