package api

import (
	"fmt"
	"net/http"

	"github.com/vikram2000b/sage-billing-engine/pkg/catalog"
	"github.com/vikram2000b/sage-billing-engine/pkg/entitlement"
	"github.com/vikram2000b/sage-billing-engine/pkg/logging"
	"github.com/vikram2000b/sage-billing-engine/pkg/payments"
	"github.com/vikram2000b/sage-billing-engine/pkg/subscription"
	"github.com/vikram2000b/sage-billing-engine/pkg/usage"
)

// Config holds configuration for the billing API handler
type Config struct {
	// Entitlements serves the read path (required)
	Entitlements *entitlement.Service

	// Usage enables the /usage routes when set
	Usage *usage.Recorder

	// Subscriptions enables the /subscriptions and /invoices routes when set
	Subscriptions *subscription.Service

	// Payments enables POST /invoices/reconcile when set
	Payments *payments.Handler

	// Catalog enables GET /plans when set
	Catalog *catalog.Catalog

	// OnError handles errors. If nil, errors are written as JSON with a
	// status derived from the error.
	OnError func(http.ResponseWriter, *http.Request, error)

	Logger logging.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Entitlements == nil {
		return fmt.Errorf("entitlements service is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Handler{
		config: config,
		logger: logging.OrNoop(config.Logger),
	}, nil
}
