// Package prommetrics exports billing.Metrics to Prometheus.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gocredit/pkg/billing"
)

const subsystem = "billing"

// Metrics implements billing.Metrics. Series are named
// <namespace>_billing_<name>.
type Metrics struct {
	webhooks        *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
	webhookErrors   *prometheus.CounterVec
	topUps          *prometheus.CounterVec
	topUpCredits    *prometheus.CounterVec
	apiCalls        *prometheus.CounterVec
	apiCallDuration *prometheus.HistogramVec
}

var _ billing.Metrics = (*Metrics)(nil)

// NewMetrics registers the billing series with reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
			Buckets: prometheus.DefBuckets,
		}, labels)
	}

	return &Metrics{
		webhooks: counter("webhook_events_total",
			"Verified payment webhook events by outcome.", "provider", "event_type", "status"),
		webhookDuration: histogram("webhook_processing_duration_seconds",
			"Time spent applying a verified webhook event.", "provider", "event_type"),
		webhookErrors: counter("webhook_errors_total",
			"Rejected webhook deliveries by reason.", "provider", "reason"),
		topUps: counter("topups_total",
			"Purchases recharged into the ledger.", "provider"),
		topUpCredits: counter("topup_credits_total",
			"Credits bought through purchases.", "provider"),
		apiCalls: counter("api_calls_total",
			"Outbound payment provider API calls by outcome.", "provider", "endpoint", "status"),
		apiCallDuration: histogram("api_call_duration_seconds",
			"Latency of outbound payment provider API calls.", "provider", "endpoint"),
	}
}

func (m *Metrics) RecordWebhook(provider, eventType, status string, duration time.Duration) {
	m.webhooks.WithLabelValues(provider, eventType, status).Inc()
	m.webhookDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, reason string) {
	m.webhookErrors.WithLabelValues(provider, reason).Inc()
}

func (m *Metrics) RecordTopUp(provider string, credits int) {
	m.topUps.WithLabelValues(provider).Inc()
	m.topUpCredits.WithLabelValues(provider).Add(float64(credits))
}

// RecordAPICall skips the latency histogram for calls that never left the
// process (zero duration).
func (m *Metrics) RecordAPICall(provider, endpoint, status string, duration time.Duration) {
	m.apiCalls.WithLabelValues(provider, endpoint, status).Inc()
	if duration > 0 {
		m.apiCallDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
	}
}
