package billing

import (
	"context"
	"time"
)

// Provider is the generic interface the billing engine uses to reach the
// external system of record for customers, subscriptions, invoices and
// usage metering. Implementations translate provider objects into the typed
// projections in this package immediately after each call, so nothing above
// the adapter touches loosely-typed provider payloads.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// GetOrCreateCustomer returns the customer tagged with params.WorkspaceID,
	// creating one when none exists.
	GetOrCreateCustomer(ctx context.Context, params CustomerParams) (*Customer, error)

	// GetCustomerByWorkspace returns ErrCustomerNotFound when the workspace
	// has no billing identity.
	GetCustomerByWorkspace(ctx context.Context, workspaceID string) (*Customer, error)

	CreateSubscription(ctx context.Context, params SubscriptionParams) (*SubscriptionView, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionView, error)

	// GetActiveSubscription returns the customer's current subscription,
	// preferring active, then trialing, then past_due.
	// ErrSubscriptionNotFound when none is in those states.
	GetActiveSubscription(ctx context.Context, customerID string) (*SubscriptionView, error)

	// ListSubscriptions returns the customer's subscriptions of any status,
	// most recent first.
	ListSubscriptions(ctx context.Context, customerID string, limit int) ([]*SubscriptionView, error)

	CancelSubscription(ctx context.Context, subscriptionID string, immediately bool) (*SubscriptionView, error)
	RevokeCancellation(ctx context.Context, subscriptionID string) (*SubscriptionView, error)
	ChangePrice(ctx context.Context, subscriptionID, priceID string, proration ProrationBehavior) (*SubscriptionView, error)
	PauseSubscription(ctx context.Context, subscriptionID string) (*SubscriptionView, error)
	ResumeSubscription(ctx context.Context, subscriptionID string) (*SubscriptionView, error)

	// ReportMeterEvent pushes one usage value to the named meter and returns
	// the provider's identifier for the event.
	ReportMeterEvent(ctx context.Context, event MeterEvent) (string, error)

	// MeterSummary returns the aggregated value of a meter for a customer
	// over [start, end).
	MeterSummary(ctx context.Context, meterName, customerID string, start, end time.Time) (float64, error)

	GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error)
	ListInvoices(ctx context.Context, customerID string, status InvoiceStatus, limit int) ([]*Invoice, error)
	MarkInvoicePaidOutOfBand(ctx context.Context, invoiceID string) (*Invoice, error)
	SendInvoice(ctx context.Context, invoiceID string) (*Invoice, error)
	VoidInvoice(ctx context.Context, invoiceID string) (*Invoice, error)

	// ListProducts returns the active catalog products.
	ListProducts(ctx context.Context) ([]*Product, error)

	// ListPrices returns the active prices, restricted to productID when set.
	ListPrices(ctx context.Context, productID string) ([]*Price, error)

	// VerifyWebhook checks signature against payload using the configured
	// shared secret and returns the parsed event.
	VerifyWebhook(payload []byte, signature string) (*WebhookEvent, error)
}
