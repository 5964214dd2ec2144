package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vikram2000b/sage-billing-engine/internal/tracing"
	"github.com/vikram2000b/sage-billing-engine/pkg/billing"
	"github.com/vikram2000b/sage-billing-engine/pkg/logging"
)

// DefaultCacheTTL is how long a rebuilt snapshot is served before the next
// read goes back to the provider.
const DefaultCacheTTL = 120 * time.Second

// SubscriptionSource is the slice of billing.Provider the cache rebuilds from.
type SubscriptionSource interface {
	GetCustomerByWorkspace(ctx context.Context, workspaceID string) (*billing.Customer, error)
	GetActiveSubscription(ctx context.Context, customerID string) (*billing.SubscriptionView, error)
}

// CacheConfig holds the entitlement cache configuration.
type CacheConfig struct {
	// TTL is the default snapshot lifetime. Defaults to DefaultCacheTTL.
	TTL time.Duration

	// KeyPrefix is prepended to every key.
	KeyPrefix string

	// LimitKeys maps counter meters to the product metadata limit prefix.
	// Defaults to DefaultLimitKeys().
	LimitKeys map[string]string

	Metrics Metrics
	Logger  logging.Logger
}

// Cache is the read-through entitlement snapshot cache.
type Cache struct {
	store     Store
	source    SubscriptionSource
	counters  *Counters
	keys      Keys
	ttl       time.Duration
	limitKeys map[string]string
	metrics   Metrics
	logger    logging.Logger
	group     singleflight.Group
	now       func() time.Time
}

// NewCache creates a cache that stores snapshots in store, rebuilds them from
// source and fills usage from counters.
func NewCache(store Store, source SubscriptionSource, counters *Counters, config CacheConfig) (*Cache, error) {
	if store == nil || counters == nil {
		return nil, ErrStoreUnavailable
	}
	if source == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	if config.TTL <= 0 {
		config.TTL = DefaultCacheTTL
	}
	if config.LimitKeys == nil {
		config.LimitKeys = DefaultLimitKeys()
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	return &Cache{
		store:     store,
		source:    source,
		counters:  counters,
		keys:      Keys{Prefix: config.KeyPrefix},
		ttl:       config.TTL,
		limitKeys: config.LimitKeys,
		metrics:   config.Metrics,
		logger:    logging.OrNoop(config.Logger),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

type getOptions struct {
	refresh bool
	ttl     time.Duration
}

// GetOption customizes a single Get call.
type GetOption func(*getOptions)

// WithRefresh bypasses any cached snapshot and rebuilds from the provider.
func WithRefresh() GetOption {
	return func(o *getOptions) { o.refresh = true }
}

// WithTTL overrides the default TTL for the snapshot written by this call.
func WithTTL(ttl time.Duration) GetOption {
	return func(o *getOptions) { o.ttl = ttl }
}

// Get returns the workspace's snapshot, from the store when present and
// otherwise rebuilt from the provider and written back.
func (c *Cache) Get(ctx context.Context, workspaceID string, opts ...GetOption) (*Snapshot, error) {
	if workspaceID == "" {
		return nil, ErrInvalidWorkspace
	}
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		o.ttl = c.ttl
	}

	ctx, span := tracing.StartSpan(ctx, "entitlement.get",
		tracing.WorkspaceID(workspaceID),
		tracing.Refresh(o.refresh),
	)
	snap, err := c.get(ctx, workspaceID, o)
	tracing.End(span, err)
	return snap, err
}

func (c *Cache) get(ctx context.Context, workspaceID string, o getOptions) (*Snapshot, error) {
	if !o.refresh {
		snap, err := c.lookup(ctx, workspaceID)
		if err == nil {
			c.metrics.RecordCacheHit()
			return snap, nil
		}
		if !errors.Is(err, ErrNotFound) {
			// A broken store degrades to a provider rebuild.
			c.logger.Warn("entitlement cache read failed",
				logging.Workspace(workspaceID),
				logging.Err(err),
			)
		}
		c.metrics.RecordCacheMiss(false)

		v, err, _ := c.group.Do(workspaceID, func() (interface{}, error) {
			return c.rebuildAndStore(ctx, workspaceID, o.ttl)
		})
		if err != nil {
			return nil, err
		}
		// Callers sharing a rebuild must not share the pointer.
		shared := *v.(*Snapshot)
		return &shared, nil
	}

	c.metrics.RecordCacheMiss(true)
	return c.rebuildAndStore(ctx, workspaceID, o.ttl)
}

func (c *Cache) lookup(ctx context.Context, workspaceID string) (*Snapshot, error) {
	raw, err := c.store.Get(ctx, c.keys.Snapshot(workspaceID))
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("%w: corrupt snapshot: %v", ErrNotFound, err)
	}
	snap.Cached = true
	return &snap, nil
}

func (c *Cache) rebuildAndStore(ctx context.Context, workspaceID string, ttl time.Duration) (*Snapshot, error) {
	start := time.Now()
	snap, err := c.Rebuild(ctx, workspaceID)
	c.metrics.RecordRebuild(time.Since(start), err)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := c.store.SetWithTTL(ctx, c.keys.Snapshot(workspaceID), raw, ttl); err != nil {
		// The fresh snapshot is still correct; only the next read pays again.
		c.logger.Warn("entitlement cache write failed",
			logging.Workspace(workspaceID),
			logging.Err(err),
		)
	}
	return snap, nil
}

// Rebuild builds a snapshot from the provider without touching the cache.
func (c *Cache) Rebuild(ctx context.Context, workspaceID string) (*Snapshot, error) {
	now := c.now()
	snap := &Snapshot{
		WorkspaceID: workspaceID,
		PlanTier:    billing.PlanFree,
		Features:    FeaturesFor(billing.PlanFree),
		Usage:       map[string]UsageSummary{},
		CachedAt:    &now,
	}

	customer, err := c.source.GetCustomerByWorkspace(ctx, workspaceID)
	if errors.Is(err, billing.ErrCustomerNotFound) {
		c.logger.Debug("no billing customer, using free tier", logging.Workspace(workspaceID))
		return snap, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup customer: %w", err)
	}
	snap.CustomerID = customer.ID

	sub, err := c.source.GetActiveSubscription(ctx, customer.ID)
	if errors.Is(err, billing.ErrSubscriptionNotFound) {
		snap.SubscriptionStatus = billing.StatusCanceled
		return snap, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup subscription: %w", err)
	}

	product := sub.PrimaryProduct()
	tier := product.Tier()
	features := product.Features()
	if features == nil {
		features = FeaturesFor(tier)
	}

	snap.HasActiveSubscription = true
	snap.PlanTier = tier
	snap.SubscriptionStatus = sub.Status
	snap.Features = features
	snap.SubscriptionID = sub.ID
	snap.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	if !sub.CurrentPeriodEnd.IsZero() {
		end := sub.CurrentPeriodEnd
		snap.CurrentPeriodEnd = &end
	}
	snap.PaymentOverdue = sub.Status == billing.StatusPastDue

	var metadata map[string]string
	if product != nil {
		metadata = product.Metadata
	}
	for meter, prefix := range c.limitKeys {
		limit := limitFromMetadata(metadata, prefix)
		used, err := c.counters.Get(ctx, workspaceID, meter)
		if err != nil {
			return nil, err
		}
		summary := NewUsageSummary(used, limit)
		snap.Usage[meter] = summary
		if summary.Exceeded() {
			snap.IsQuotaExceeded = true
		}
	}
	return snap, nil
}

func limitFromMetadata(metadata map[string]string, prefix string) *float64 {
	raw, ok := metadata[prefix+billing.MetadataLimitSuffix]
	if !ok {
		return nil
	}
	v, ok := parseFloat(strings.TrimSpace(raw))
	if !ok {
		return nil
	}
	return &v
}

// Invalidate removes the workspace's snapshot. Missing entries are fine.
func (c *Cache) Invalidate(ctx context.Context, workspaceID string) error {
	if workspaceID == "" {
		return ErrInvalidWorkspace
	}
	if err := c.store.Delete(ctx, c.keys.Snapshot(workspaceID)); err != nil {
		return fmt.Errorf("invalidate entitlements: %w", err)
	}
	c.metrics.RecordInvalidation()
	c.logger.Debug("entitlement cache invalidated", logging.Workspace(workspaceID))
	return nil
}
