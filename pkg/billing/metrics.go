package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from a provider or gateway.
	// status: "forwarded", "handled" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "invalid_payload", "forward_failed"
	RecordWebhookError(provider, errorType string)

	// RecordAPICall records an API call to the billing provider.
	// status: "ok", "not_found" or "error"
	RecordAPICall(provider, operation, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, operation string, duration time.Duration)

	// RecordMeterEvent records a usage value pushed to a provider meter.
	RecordMeterEvent(provider, meter string, value float64)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
func (n *NoopMetrics) RecordMeterEvent(_, _ string, _ float64)                      {}
