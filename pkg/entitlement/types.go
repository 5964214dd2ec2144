package entitlement

import (
	"time"

	"github.com/vikram2000b/sage-billing-engine/pkg/billing"
)

// Snapshot is a workspace's cached plan, feature and usage view.
type Snapshot struct {
	WorkspaceID           string                     `json:"workspace_id"`
	HasActiveSubscription bool                       `json:"has_active_subscription"`
	PlanTier              billing.PlanTier           `json:"plan_tier"`
	SubscriptionStatus    billing.SubscriptionStatus `json:"subscription_status,omitempty"`
	Features              []string                   `json:"features"`
	Usage                 map[string]UsageSummary    `json:"usage"`
	IsQuotaExceeded       bool                       `json:"is_quota_exceeded"`
	PaymentOverdue        bool                       `json:"payment_overdue"`
	CustomerID            string                     `json:"customer_id,omitempty"`
	SubscriptionID        string                     `json:"subscription_id,omitempty"`
	CurrentPeriodEnd      *time.Time                 `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd     bool                       `json:"cancel_at_period_end"`

	// Cached is true only when the snapshot was served from the store.
	Cached bool `json:"cached"`
	// CachedAt is stamped when the snapshot is rebuilt from the provider.
	CachedAt *time.Time `json:"cached_at,omitempty"`
}

// HasFeature reports whether feature is listed in the snapshot.
func (s *Snapshot) HasFeature(feature string) bool {
	for _, f := range s.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Limit returns the configured limit for meter, or nil when unlimited.
func (s *Snapshot) Limit(meter string) *float64 {
	u, ok := s.Usage[meter]
	if !ok || u.Limit == nil {
		return nil
	}
	limit := *u.Limit
	return &limit
}

// UsageSummary is one meter's usage against its plan limit.
type UsageSummary struct {
	Used       float64  `json:"used"`
	Limit      *float64 `json:"limit,omitempty"`
	Percentage *float64 `json:"percentage,omitempty"`
}

// NewUsageSummary builds a summary; percentage is left nil when limit is nil
// and reported as zero for a non-positive limit.
func NewUsageSummary(used float64, limit *float64) UsageSummary {
	s := UsageSummary{Used: used}
	if limit == nil {
		return s
	}
	l := *limit
	pct := 0.0
	if l > 0 {
		pct = used / l * 100
	}
	s.Limit = &l
	s.Percentage = &pct
	return s
}

// Exceeded reports whether used has reached the limit.
func (u UsageSummary) Exceeded() bool {
	return u.Limit != nil && u.Used >= *u.Limit
}
