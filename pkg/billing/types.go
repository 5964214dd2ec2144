package billing

import (
	"encoding/json"
	"strings"
	"time"
)

// PlanTier is the subscription plan level a workspace is on.
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanStarter    PlanTier = "starter"
	PlanGrowth     PlanTier = "growth"
	PlanEnterprise PlanTier = "enterprise"
)

// ParsePlanTier maps a product metadata tier string to a PlanTier.
// Missing or unrecognized values resolve to PlanStarter.
func ParsePlanTier(s string) PlanTier {
	switch t := PlanTier(strings.ToLower(strings.TrimSpace(s))); t {
	case PlanFree, PlanStarter, PlanGrowth, PlanEnterprise:
		return t
	default:
		return PlanStarter
	}
}

// SubscriptionStatus mirrors the provider's subscription statuses.
type SubscriptionStatus string

const (
	StatusActive            SubscriptionStatus = "active"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusIncomplete        SubscriptionStatus = "incomplete"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusUnpaid            SubscriptionStatus = "unpaid"
	StatusPaused            SubscriptionStatus = "paused"
)

// ParseSubscriptionStatus maps a provider status string to a
// SubscriptionStatus. Unknown values resolve to StatusActive.
func ParseSubscriptionStatus(s string) SubscriptionStatus {
	switch st := SubscriptionStatus(s); st {
	case StatusActive, StatusPastDue, StatusCanceled, StatusIncomplete,
		StatusIncompleteExpired, StatusTrialing, StatusUnpaid, StatusPaused:
		return st
	default:
		return StatusActive
	}
}

// CollectionMethod is how payment is collected for a subscription.
type CollectionMethod string

const (
	ChargeAutomatically CollectionMethod = "charge_automatically"
	SendInvoice         CollectionMethod = "send_invoice"
)

// PaymentGateway is where a workspace prefers to pay its invoices.
type PaymentGateway string

const (
	GatewayStripe             PaymentGateway = "stripe"
	GatewayRazorpay           PaymentGateway = "razorpay"
	GatewayManualBankTransfer PaymentGateway = "manual_bank_transfer"
	GatewayZohoBooks          PaymentGateway = "zoho_books"
)

// InvoiceStatus mirrors the provider's invoice statuses.
type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "draft"
	InvoiceOpen          InvoiceStatus = "open"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceVoid          InvoiceStatus = "void"
	InvoiceUncollectible InvoiceStatus = "uncollectible"
)

// ProrationBehavior controls invoicing when a subscription price changes.
type ProrationBehavior string

const (
	ProrationCreate ProrationBehavior = "create_prorations"
	ProrationNone   ProrationBehavior = "none"
	ProrationAlways ProrationBehavior = "always_invoice"
)

// Metadata keys written to and read from provider objects.
const (
	MetadataWorkspaceID      = "workspace_id"
	MetadataUserID           = "user_id"
	MetadataPreferredGateway = "preferred_gateway"
	MetadataTier             = "tier"
	MetadataFeatures         = "features"
	MetadataLimitSuffix      = "_limit"
)

// Customer is the provider's billing identity for a workspace.
type Customer struct {
	ID          string
	WorkspaceID string
	Email       string
	Name        string
	Metadata    map[string]string
}

// Product is a catalog entry; plan limits and features live in its metadata.
type Product struct {
	ID          string
	Name        string
	Description string
	Metadata    map[string]string
}

// Tier returns the plan tier declared in the product metadata.
func (p *Product) Tier() PlanTier {
	if p == nil {
		return PlanStarter
	}
	return ParsePlanTier(p.Metadata[MetadataTier])
}

// Features returns the comma-separated feature list from product metadata,
// or nil when the product declares none.
func (p *Product) Features() []string {
	if p == nil {
		return nil
	}
	raw := strings.TrimSpace(p.Metadata[MetadataFeatures])
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, f := range parts {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// PriceType distinguishes recurring prices from one-off charges.
type PriceType string

const (
	PriceRecurring PriceType = "recurring"
	PriceOneTime   PriceType = "one_time"
)

// Price is a catalog price attached to a product. Interval and
// IntervalCount are set for recurring prices only.
type Price struct {
	ID            string
	ProductID     string
	UnitAmount    int64
	Currency      string
	Type          PriceType
	Interval      string // "day", "week", "month", "year"
	IntervalCount int64
}

// SubscriptionItem is one priced line of a subscription.
type SubscriptionItem struct {
	ID      string
	PriceID string
	Product *Product
}

// SubscriptionView is the typed projection of a provider subscription.
type SubscriptionView struct {
	ID                 string
	CustomerID         string
	Status             SubscriptionStatus
	CollectionMethod   CollectionMethod
	PreferredGateway   PaymentGateway
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	TrialEnd           *time.Time
	Paused             bool
	Created            time.Time
	Items              []SubscriptionItem
	Metadata           map[string]string
}

// WorkspaceID returns the workspace tag carried in subscription metadata.
func (s *SubscriptionView) WorkspaceID() string {
	if s == nil {
		return ""
	}
	return s.Metadata[MetadataWorkspaceID]
}

// PrimaryProduct returns the product of the first subscription item.
func (s *SubscriptionView) PrimaryProduct() *Product {
	if s == nil || len(s.Items) == 0 {
		return nil
	}
	return s.Items[0].Product
}

// Invoice is the typed projection of a provider invoice.
type Invoice struct {
	ID               string
	CustomerID       string
	Status           InvoiceStatus
	AmountDue        int64
	AmountPaid       int64
	Currency         string
	DueDate          *time.Time
	HostedInvoiceURL string
	InvoicePDF       string
	Created          time.Time
	Metadata         map[string]string
}

// MeterEvent is one usage value pushed to a provider meter.
type MeterEvent struct {
	EventName  string
	CustomerID string
	Value      float64
	// Identifier deduplicates the event on the provider side when set.
	Identifier string
	// Timestamp defaults to the provider's receive time when zero.
	Timestamp time.Time
}

// CustomerParams describes the customer to find or create.
type CustomerParams struct {
	WorkspaceID string
	Email       string
	Name        string
	Metadata    map[string]string
}

// SubscriptionParams describes a subscription to create.
type SubscriptionParams struct {
	WorkspaceID      string
	CustomerID       string
	PriceID          string
	CollectionMethod CollectionMethod
	PreferredGateway PaymentGateway
	// DaysUntilDue applies to SendInvoice collection only.
	DaysUntilDue int
	TrialDays    int
	Metadata     map[string]string
}

// WebhookEvent is a verified inbound provider event.
type WebhookEvent struct {
	ID                 string
	Type               string
	Object             json.RawMessage
	PreviousAttributes json.RawMessage
	Created            time.Time
}
