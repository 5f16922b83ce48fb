package billing

import "time"

// Metrics observes payment processing. Providers fall back to NoopMetrics.
type Metrics interface {
	// RecordWebhook records one verified event and how long it took.
	// status is "success", "ignored", "duplicate" or "error".
	RecordWebhook(provider, eventType, status string, duration time.Duration)

	// RecordWebhookError records a rejected delivery by reason
	// ("auth_failed", "invalid_payload", "payload_too_large", "processing_error").
	RecordWebhookError(provider, reason string)

	// RecordTopUp records credits bought through the provider.
	RecordTopUp(provider string, credits int)

	// RecordAPICall records an outbound provider call with its outcome and latency.
	RecordAPICall(provider, endpoint, status string, duration time.Duration)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (*NoopMetrics) RecordWebhook(string, string, string, time.Duration) {}
func (*NoopMetrics) RecordWebhookError(string, string)                   {}
func (*NoopMetrics) RecordTopUp(string, int)                             {}
func (*NoopMetrics) RecordAPICall(string, string, string, time.Duration) {}
