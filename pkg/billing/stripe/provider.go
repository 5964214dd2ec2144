// Package stripe implements billing.Provider on top of stripe-go.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/vikram2000b/sage-billing-engine/internal/tracing"
	"github.com/vikram2000b/sage-billing-engine/pkg/billing"
	"github.com/vikram2000b/sage-billing-engine/pkg/logging"
)

const (
	providerName        = "stripe"
	defaultDaysUntilDue = 30
	pauseBehaviorVoid   = "void"
	resourceMissingCode = "resource_missing"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (APIKey, WebhookSecret, Metrics, ...)

	// StripeAPIKey overrides Config.APIKey when set.
	StripeAPIKey string

	// StripeWebhookSecret overrides Config.WebhookSecret when set.
	StripeWebhookSecret string

	// Backends optionally points the client at a different API host (tests, stripe-mock).
	Backends *stripe.Backends
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	client        *stripe.Client
	webhookSecret string
	metrics       billing.Metrics
	logger        logging.Logger

	meterIDs sync.Map // event name -> meter id
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(config.APIKey)
	}
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	secret := strings.TrimSpace(config.StripeWebhookSecret)
	if secret == "" {
		secret = strings.TrimSpace(config.WebhookSecret)
	}

	var opts []stripe.ClientOption
	switch {
	case config.Backends != nil:
		opts = append(opts, stripe.WithBackends(config.Backends))
	case config.HTTPClient != nil:
		opts = append(opts, stripe.WithBackends(stripe.NewBackendsWithConfig(&stripe.BackendConfig{
			HTTPClient: config.HTTPClient,
		})))
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		client:        stripe.NewClient(apiKey, opts...),
		webhookSecret: secret,
		metrics:       metrics,
		logger:        logging.OrNoop(config.Logger),
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// call wraps one Stripe API operation with a span, metrics and error translation.
func (p *Provider) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := tracing.StartSpan(ctx, "stripe."+op)
	start := time.Now()
	err := translateError(op, fn(ctx))

	status := "ok"
	switch {
	case err == nil:
	case billing.IsNotFound(err):
		status = "not_found"
	default:
		status = "error"
	}
	p.metrics.RecordAPICall(providerName, op, status)
	p.metrics.RecordAPICallDuration(providerName, op, time.Since(start))
	tracing.End(span, err)
	return err
}

// translateError maps Stripe resource_missing errors onto billing sentinels
// and wraps everything else in billing.ErrProviderAPIError.
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}
	if billing.IsNotFound(err) {
		return err
	}
	var se *stripe.Error
	if errors.As(err, &se) && (se.HTTPStatusCode == http.StatusNotFound || string(se.Code) == resourceMissingCode) {
		switch {
		case strings.HasPrefix(op, "invoices."):
			return fmt.Errorf("%w: %s", billing.ErrInvoiceNotFound, se.Msg)
		case strings.HasPrefix(op, "subscriptions."):
			return fmt.Errorf("%w: %s", billing.ErrSubscriptionNotFound, se.Msg)
		case strings.HasPrefix(op, "customers."):
			return fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, se.Msg)
		}
	}
	return fmt.Errorf("%w: %s: %v", billing.ErrProviderAPIError, op, err)
}
