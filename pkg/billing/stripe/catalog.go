package stripe

import (
	"context"

	"github.com/stripe/stripe-go/v83"

	"github.com/vikram2000b/sage-billing-engine/pkg/billing"
)

// ListProducts returns every active product.
func (p *Provider) ListProducts(ctx context.Context) ([]*billing.Product, error) {
	var out []*billing.Product
	err := p.call(ctx, "products.list", func(ctx context.Context) error {
		params := &stripe.ProductListParams{Active: stripe.Bool(true)}
		for prod, err := range p.client.V1Products.List(ctx, params) {
			if err != nil {
				return err
			}
			out = append(out, productFromStripe(prod))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListPrices returns every active price, restricted to productID when set.
func (p *Provider) ListPrices(ctx context.Context, productID string) ([]*billing.Price, error) {
	var out []*billing.Price
	err := p.call(ctx, "prices.list", func(ctx context.Context) error {
		params := &stripe.PriceListParams{Active: stripe.Bool(true)}
		if productID != "" {
			params.Product = stripe.String(productID)
		}
		for price, err := range p.client.V1Prices.List(ctx, params) {
			if err != nil {
				return err
			}
			out = append(out, priceFromStripe(price))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
