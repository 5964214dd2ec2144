package stripe

import (
	"context"
	"strconv"

	"github.com/stripe/stripe-go/v83"

	"github.com/vikram2000b/sage-billing-engine/pkg/billing"
)

// CreateSubscription creates a subscription for an existing customer.
// Invoice-collected subscriptions default to 30 days until due.
func (p *Provider) CreateSubscription(ctx context.Context, params billing.SubscriptionParams) (*billing.SubscriptionView, error) {
	create := &stripe.SubscriptionCreateParams{
		Customer: stripe.String(params.CustomerID),
		Items: []*stripe.SubscriptionCreateItemParams{
			{Price: stripe.String(params.PriceID)},
		},
	}

	method := params.CollectionMethod
	if method == "" {
		method = billing.ChargeAutomatically
	}
	create.CollectionMethod = stripe.String(string(method))
	if method == billing.SendInvoice {
		days := params.DaysUntilDue
		if days <= 0 {
			days = defaultDaysUntilDue
		}
		create.DaysUntilDue = stripe.Int64(int64(days))
	}
	if params.TrialDays > 0 {
		create.TrialPeriodDays = stripe.Int64(int64(params.TrialDays))
	}

	gateway := params.PreferredGateway
	if gateway == "" {
		gateway = billing.GatewayStripe
	}
	for k, v := range params.Metadata {
		create.AddMetadata(k, v)
	}
	create.AddMetadata(billing.MetadataWorkspaceID, params.WorkspaceID)
	create.AddMetadata(billing.MetadataPreferredGateway, string(gateway))

	return p.subscriptionCall(ctx, "subscriptions.create", func(ctx context.Context) (*stripe.Subscription, error) {
		return p.client.V1Subscriptions.Create(ctx, create)
	})
}

// GetSubscription retrieves a subscription by id.
func (p *Provider) GetSubscription(ctx context.Context, subscriptionID string) (*billing.SubscriptionView, error) {
	return p.subscriptionCall(ctx, "subscriptions.retrieve", func(ctx context.Context) (*stripe.Subscription, error) {
		return p.client.V1Subscriptions.Retrieve(ctx, subscriptionID, &stripe.SubscriptionRetrieveParams{})
	})
}

// GetActiveSubscription returns the customer's active subscription, falling
// back to a trialing and then a past_due one.
func (p *Provider) GetActiveSubscription(ctx context.Context, customerID string) (*billing.SubscriptionView, error) {
	for _, status := range []stripe.SubscriptionStatus{
		stripe.SubscriptionStatusActive,
		stripe.SubscriptionStatusTrialing,
		stripe.SubscriptionStatusPastDue,
	} {
		subs, err := p.listSubscriptions(ctx, customerID, string(status), 1)
		if err != nil {
			return nil, err
		}
		if len(subs) > 0 {
			return subs[0], nil
		}
	}
	return nil, billing.ErrSubscriptionNotFound
}

// ListSubscriptions returns subscriptions of any status, most recent first.
func (p *Provider) ListSubscriptions(ctx context.Context, customerID string, limit int) ([]*billing.SubscriptionView, error) {
	return p.listSubscriptions(ctx, customerID, "all", limit)
}

func (p *Provider) listSubscriptions(ctx context.Context, customerID, status string, limit int) ([]*billing.SubscriptionView, error) {
	var out []*billing.SubscriptionView
	err := p.call(ctx, "subscriptions.list", func(ctx context.Context) error {
		params := &stripe.SubscriptionListParams{
			Customer: stripe.String(customerID),
			Status:   stripe.String(status),
		}
		if limit > 0 {
			params.Limit = stripe.Int64(int64(limit))
		}
		for sub, err := range p.client.V1Subscriptions.List(ctx, params) {
			if err != nil {
				return err
			}
			out = append(out, subscriptionFromStripe(sub))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, sub := range out {
		if err := p.hydrateProduct(ctx, sub); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CancelSubscription cancels now, or flags cancel_at_period_end.
func (p *Provider) CancelSubscription(ctx context.Context, subscriptionID string, immediately bool) (*billing.SubscriptionView, error) {
	if immediately {
		return p.subscriptionCall(ctx, "subscriptions.cancel", func(ctx context.Context) (*stripe.Subscription, error) {
			return p.client.V1Subscriptions.Cancel(ctx, subscriptionID, &stripe.SubscriptionCancelParams{})
		})
	}
	return p.updateSubscription(ctx, subscriptionID, &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	})
}

// RevokeCancellation clears a pending cancel_at_period_end.
func (p *Provider) RevokeCancellation(ctx context.Context, subscriptionID string) (*billing.SubscriptionView, error) {
	return p.updateSubscription(ctx, subscriptionID, &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(false),
	})
}

// ChangePrice swaps the price of the first subscription item.
func (p *Provider) ChangePrice(ctx context.Context, subscriptionID, priceID string, proration billing.ProrationBehavior) (*billing.SubscriptionView, error) {
	current, err := p.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if len(current.Items) == 0 {
		return nil, billing.ErrSubscriptionNotFound
	}
	if proration == "" {
		proration = billing.ProrationCreate
	}
	return p.updateSubscription(ctx, subscriptionID, &stripe.SubscriptionUpdateParams{
		Items: []*stripe.SubscriptionUpdateItemParams{
			{ID: stripe.String(current.Items[0].ID), Price: stripe.String(priceID)},
		},
		ProrationBehavior: stripe.String(string(proration)),
	})
}

// PauseSubscription pauses collection; invoices raised while paused are voided.
func (p *Provider) PauseSubscription(ctx context.Context, subscriptionID string) (*billing.SubscriptionView, error) {
	return p.updateSubscription(ctx, subscriptionID, &stripe.SubscriptionUpdateParams{
		PauseCollection: &stripe.SubscriptionUpdatePauseCollectionParams{
			Behavior: stripe.String(pauseBehaviorVoid),
		},
	})
}

// ResumeSubscription clears pause_collection.
func (p *Provider) ResumeSubscription(ctx context.Context, subscriptionID string) (*billing.SubscriptionView, error) {
	params := &stripe.SubscriptionUpdateParams{}
	params.AddExtra("pause_collection", "")
	return p.updateSubscription(ctx, subscriptionID, params)
}

func (p *Provider) updateSubscription(ctx context.Context, subscriptionID string, params *stripe.SubscriptionUpdateParams) (*billing.SubscriptionView, error) {
	return p.subscriptionCall(ctx, "subscriptions.update", func(ctx context.Context) (*stripe.Subscription, error) {
		return p.client.V1Subscriptions.Update(ctx, subscriptionID, params)
	})
}

func (p *Provider) subscriptionCall(ctx context.Context, op string, fn func(ctx context.Context) (*stripe.Subscription, error)) (*billing.SubscriptionView, error) {
	var view *billing.SubscriptionView
	err := p.call(ctx, op, func(ctx context.Context) error {
		sub, err := fn(ctx)
		if err != nil {
			return err
		}
		view = subscriptionFromStripe(sub)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := p.hydrateProduct(ctx, view); err != nil {
		return nil, err
	}
	return view, nil
}

// hydrateProduct fetches the primary product when the subscription only
// carries its id. Plan metadata lives on the product.
func (p *Provider) hydrateProduct(ctx context.Context, sub *billing.SubscriptionView) error {
	prod := sub.PrimaryProduct()
	if prod == nil || prod.ID == "" || prod.Metadata != nil {
		return nil
	}
	return p.call(ctx, "products.retrieve", func(ctx context.Context) error {
		full, err := p.client.V1Products.Retrieve(ctx, prod.ID, &stripe.ProductRetrieveParams{})
		if err != nil {
			return err
		}
		sub.Items[0].Product = productFromStripe(full)
		return nil
	})
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
