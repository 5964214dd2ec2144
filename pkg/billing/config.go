package billing

import (
	"net/http"

	"github.com/vikram2000b/sage-billing-engine/pkg/logging"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// WebhookSecret is the shared secret used to verify inbound webhook signatures.
	WebhookSecret string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, the provider SDK default is used.
	HTTPClient *http.Client

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is optional; nil disables provider logging.
	Logger logging.Logger
}
