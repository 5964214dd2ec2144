// Package catalog serves the plan catalog: active products and their prices,
// grouped by billing interval. The catalog changes rarely, so the grouped
// result is cached in the entitlement store and shared across instances.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vikram2000b/sage-billing-engine/internal/tracing"
	"github.com/vikram2000b/sage-billing-engine/pkg/billing"
	"github.com/vikram2000b/sage-billing-engine/pkg/entitlement"
	"github.com/vikram2000b/sage-billing-engine/pkg/logging"
)

// DefaultTTL is how long a built catalog is served from the store.
const DefaultTTL = 10 * time.Minute

const catalogKey = "plans:catalog"

// Source is the slice of billing.Provider the catalog is built from.
type Source interface {
	ListProducts(ctx context.Context) ([]*billing.Product, error)
	ListPrices(ctx context.Context, productID string) ([]*billing.Price, error)
}

// Recurring describes the billing cycle of a recurring price.
type Recurring struct {
	Interval      string `json:"interval"`
	IntervalCount int64  `json:"interval_count"`
}

// Price is one purchasable price of a plan.
type Price struct {
	PriceID    string            `json:"price_id"`
	UnitAmount int64             `json:"unit_amount"`
	Currency   string            `json:"currency"`
	Recurring  *Recurring        `json:"recurring"`
	Type       billing.PriceType `json:"type"`
}

// Plan is a product offered at one specific price.
type Plan struct {
	ProductID   string            `json:"product_id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Tier        billing.PlanTier  `json:"tier"`
	Features    []string          `json:"features"`
	Prices      []Price           `json:"prices"`
	Metadata    map[string]string `json:"metadata"`
	Price       Price             `json:"price"`
}

// Plans groups plans by billing interval. Recurring prices on other
// intervals (day, week) are listed under their product's Prices only.
type Plans struct {
	Monthly []Plan `json:"monthly"`
	Yearly  []Plan `json:"yearly"`
	OneTime []Plan `json:"one_time"`
}

// Config holds catalog configuration.
type Config struct {
	// TTL is the cache lifetime (default: DefaultTTL)
	TTL time.Duration

	// KeyPrefix is prepended to the cache key.
	KeyPrefix string

	Logger logging.Logger
}

// Catalog is a read-through cache over the provider's plan catalog.
type Catalog struct {
	source Source
	store  entitlement.Store
	key    string
	ttl    time.Duration
	logger logging.Logger
	group  singleflight.Group
}

// New creates a catalog that caches in store.
func New(source Source, store entitlement.Store, config Config) (*Catalog, error) {
	if source == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	if store == nil {
		return nil, entitlement.ErrStoreUnavailable
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	return &Catalog{
		source: source,
		store:  store,
		key:    config.KeyPrefix + catalogKey,
		ttl:    config.TTL,
		logger: logging.OrNoop(config.Logger),
	}, nil
}

// Plans returns the grouped catalog, from the store when cached.
func (c *Catalog) Plans(ctx context.Context) (*Plans, error) {
	ctx, span := tracing.StartSpan(ctx, "catalog.plans")
	plans, err := c.plans(ctx)
	tracing.End(span, err)
	return plans, err
}

func (c *Catalog) plans(ctx context.Context) (*Plans, error) {
	raw, err := c.store.Get(ctx, c.key)
	if err == nil {
		var plans Plans
		if err := json.Unmarshal(raw, &plans); err == nil {
			return &plans, nil
		}
		c.logger.Warn("corrupt plan catalog in cache, rebuilding")
	} else if !errors.Is(err, entitlement.ErrNotFound) {
		c.logger.Warn("plan catalog cache read failed", logging.Err(err))
	}

	v, err, _ := c.group.Do(c.key, func() (interface{}, error) {
		plans, err := c.Build(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(plans)
		if err != nil {
			return nil, fmt.Errorf("encode plan catalog: %w", err)
		}
		if err := c.store.SetWithTTL(ctx, c.key, raw, c.ttl); err != nil {
			c.logger.Warn("plan catalog cache write failed", logging.Err(err))
		}
		return plans, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Plans), nil
}

// Invalidate drops the cached catalog.
func (c *Catalog) Invalidate(ctx context.Context) error {
	return c.store.Delete(ctx, c.key)
}

// Build reads the catalog from the provider without touching the cache.
func (c *Catalog) Build(ctx context.Context) (*Plans, error) {
	products, err := c.source.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	prices, err := c.source.ListPrices(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}

	byProduct := make(map[string][]Price)
	for _, p := range prices {
		byProduct[p.ProductID] = append(byProduct[p.ProductID], priceInfo(p))
	}

	plans := &Plans{Monthly: []Plan{}, Yearly: []Plan{}, OneTime: []Plan{}}
	for _, prod := range products {
		base := Plan{
			ProductID:   prod.ID,
			Name:        prod.Name,
			Description: prod.Description,
			Tier:        prod.Tier(),
			Features:    prod.Features(),
			Prices:      byProduct[prod.ID],
			Metadata:    prod.Metadata,
		}
		if base.Features == nil {
			base.Features = []string{}
		}
		if base.Prices == nil {
			base.Prices = []Price{}
		}
		if base.Metadata == nil {
			base.Metadata = map[string]string{}
		}

		for _, price := range base.Prices {
			plan := base
			plan.Price = price
			switch {
			case price.Type == billing.PriceOneTime:
				plans.OneTime = append(plans.OneTime, plan)
			case price.Recurring == nil:
			case price.Recurring.Interval == "month":
				plans.Monthly = append(plans.Monthly, plan)
			case price.Recurring.Interval == "year":
				plans.Yearly = append(plans.Yearly, plan)
			}
		}
	}
	return plans, nil
}

func priceInfo(p *billing.Price) Price {
	out := Price{
		PriceID:    p.ID,
		UnitAmount: p.UnitAmount,
		Currency:   p.Currency,
		Type:       p.Type,
	}
	if p.Interval != "" {
		out.Recurring = &Recurring{Interval: p.Interval, IntervalCount: p.IntervalCount}
	}
	return out
}
