package stripe

import (
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/vikram2000b/sage-billing-engine/pkg/billing"
)

func customerFromStripe(c *stripe.Customer) *billing.Customer {
	if c == nil {
		return nil
	}
	return &billing.Customer{
		ID:          c.ID,
		WorkspaceID: c.Metadata[billing.MetadataWorkspaceID],
		Email:       c.Email,
		Name:        c.Name,
		Metadata:    copyMetadata(c.Metadata),
	}
}

// productFromStripe keeps Metadata nil for unexpanded products so callers
// can tell them apart from products with empty metadata.
func productFromStripe(p *stripe.Product) *billing.Product {
	if p == nil {
		return nil
	}
	return &billing.Product{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Metadata:    copyMetadata(p.Metadata),
	}
}

func priceFromStripe(p *stripe.Price) *billing.Price {
	if p == nil {
		return nil
	}
	price := &billing.Price{
		ID:         p.ID,
		UnitAmount: p.UnitAmount,
		Currency:   string(p.Currency),
		Type:       billing.PriceType(p.Type),
	}
	if p.Product != nil {
		price.ProductID = p.Product.ID
	}
	if p.Recurring != nil {
		price.Interval = string(p.Recurring.Interval)
		price.IntervalCount = p.Recurring.IntervalCount
	}
	return price
}

func subscriptionFromStripe(s *stripe.Subscription) *billing.SubscriptionView {
	if s == nil {
		return nil
	}
	view := &billing.SubscriptionView{
		ID:                s.ID,
		Status:            billing.ParseSubscriptionStatus(string(s.Status)),
		CollectionMethod:  billing.CollectionMethod(s.CollectionMethod),
		PreferredGateway:  billing.GatewayStripe,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		CanceledAt:        unixPtr(s.CanceledAt),
		TrialEnd:          unixPtr(s.TrialEnd),
		Paused:            s.PauseCollection != nil,
		Created:           unixTime(s.Created),
		Metadata:          copyMetadata(s.Metadata),
	}
	if s.Customer != nil {
		view.CustomerID = s.Customer.ID
	}
	if gw := s.Metadata[billing.MetadataPreferredGateway]; gw != "" {
		view.PreferredGateway = billing.PaymentGateway(gw)
	}
	if s.Items != nil {
		for i, item := range s.Items.Data {
			if item == nil {
				continue
			}
			si := billing.SubscriptionItem{ID: item.ID}
			if item.Price != nil {
				si.PriceID = item.Price.ID
				si.Product = productFromStripe(item.Price.Product)
			}
			view.Items = append(view.Items, si)
			// Billing periods live on items since API version 2025-03-31.
			if i == 0 {
				view.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
				view.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
			}
		}
	}
	return view
}

func invoiceFromStripe(i *stripe.Invoice) *billing.Invoice {
	if i == nil {
		return nil
	}
	inv := &billing.Invoice{
		ID:               i.ID,
		Status:           billing.InvoiceStatus(i.Status),
		AmountDue:        i.AmountDue,
		AmountPaid:       i.AmountPaid,
		Currency:         string(i.Currency),
		DueDate:          unixPtr(i.DueDate),
		HostedInvoiceURL: i.HostedInvoiceURL,
		InvoicePDF:       i.InvoicePDF,
		Created:          unixTime(i.Created),
		Metadata:         copyMetadata(i.Metadata),
	}
	if i.Customer != nil {
		inv.CustomerID = i.Customer.ID
	}
	return inv
}

func unixTime(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

func unixPtr(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

func copyMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
