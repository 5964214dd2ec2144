// Package billingtest provides an in-memory billing.Provider for tests.
package billingtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vikram2000b/sage-billing-engine/pkg/billing"
)

// Provider is an in-memory billing.Provider that records every call.
// Errors can be injected per operation with FailOn.
type Provider struct {
	mu            sync.Mutex
	customers     map[string]*billing.Customer // by workspace
	subscriptions map[string]*billing.SubscriptionView
	invoices      map[string]*billing.Invoice
	products      []*billing.Product
	prices        []*billing.Price
	meterEvents   []billing.MeterEvent
	failures      map[string]error
	calls         map[string]int
	seq           int

	// WebhookSecret is the signature VerifyWebhook accepts.
	WebhookSecret string
}

var _ billing.Provider = (*Provider)(nil)

// New creates an empty fake provider.
func New() *Provider {
	return &Provider{
		customers:     make(map[string]*billing.Customer),
		subscriptions: make(map[string]*billing.SubscriptionView),
		invoices:      make(map[string]*billing.Invoice),
		failures:      make(map[string]error),
		calls:         make(map[string]int),
		WebhookSecret: "whsec_test",
	}
}

// AddCustomer registers a customer for a workspace.
func (p *Provider) AddCustomer(workspaceID, customerID string) *billing.Customer {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := &billing.Customer{
		ID:          customerID,
		WorkspaceID: workspaceID,
		Metadata:    map[string]string{billing.MetadataWorkspaceID: workspaceID},
	}
	p.customers[workspaceID] = c
	return c
}

// AddSubscription registers a subscription.
func (p *Provider) AddSubscription(sub *billing.SubscriptionView) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscriptions[sub.ID] = sub
}

// AddInvoice registers an invoice.
func (p *Provider) AddInvoice(inv *billing.Invoice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invoices[inv.ID] = inv
}

// AddProduct appends an active catalog product.
func (p *Provider) AddProduct(prod *billing.Product) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.products = append(p.products, prod)
}

// AddPrice appends an active catalog price.
func (p *Provider) AddPrice(price *billing.Price) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices = append(p.prices, price)
}

// FailOn makes every later call to op return err. A nil err clears it.
func (p *Provider) FailOn(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, op)
		return
	}
	p.failures[op] = err
}

// Calls returns how many times op was invoked.
func (p *Provider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// TotalCalls returns the number of calls across all operations.
func (p *Provider) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		n += c
	}
	return n
}

// MeterEvents returns a copy of every pushed meter event.
func (p *Provider) MeterEvents() []billing.MeterEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]billing.MeterEvent(nil), p.meterEvents...)
}

// Invoice returns the stored invoice, or nil.
func (p *Provider) Invoice(id string) *billing.Invoice {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invoices[id]
}

// Subscription returns the stored subscription, or nil.
func (p *Provider) Subscription(id string) *billing.SubscriptionView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscriptions[id]
}

// enter records a call and returns any injected failure. Caller holds no lock.
func (p *Provider) enter(op string) error {
	p.calls[op]++
	return p.failures[op]
}

func (p *Provider) nextID(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s_%d", prefix, p.seq)
}

func (p *Provider) Name() string { return "fake" }

func (p *Provider) GetOrCreateCustomer(_ context.Context, params billing.CustomerParams) (*billing.Customer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("GetOrCreateCustomer"); err != nil {
		return nil, err
	}
	if c, ok := p.customers[params.WorkspaceID]; ok {
		return c, nil
	}
	meta := map[string]string{billing.MetadataWorkspaceID: params.WorkspaceID}
	for k, v := range params.Metadata {
		meta[k] = v
	}
	c := &billing.Customer{
		ID:          p.nextID("cus"),
		WorkspaceID: params.WorkspaceID,
		Email:       params.Email,
		Name:        params.Name,
		Metadata:    meta,
	}
	p.customers[params.WorkspaceID] = c
	return c, nil
}

func (p *Provider) GetCustomerByWorkspace(_ context.Context, workspaceID string) (*billing.Customer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("GetCustomerByWorkspace"); err != nil {
		return nil, err
	}
	c, ok := p.customers[workspaceID]
	if !ok {
		return nil, billing.ErrCustomerNotFound
	}
	return c, nil
}

func (p *Provider) CreateSubscription(_ context.Context, params billing.SubscriptionParams) (*billing.SubscriptionView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("CreateSubscription"); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	meta := map[string]string{
		billing.MetadataWorkspaceID:      params.WorkspaceID,
		billing.MetadataPreferredGateway: string(params.PreferredGateway),
	}
	for k, v := range params.Metadata {
		meta[k] = v
	}
	status := billing.StatusActive
	var trialEnd *time.Time
	if params.TrialDays > 0 {
		status = billing.StatusTrialing
		te := now.AddDate(0, 0, params.TrialDays)
		trialEnd = &te
	}
	sub := &billing.SubscriptionView{
		ID:                 p.nextID("sub"),
		CustomerID:         params.CustomerID,
		Status:             status,
		CollectionMethod:   params.CollectionMethod,
		PreferredGateway:   params.PreferredGateway,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		TrialEnd:           trialEnd,
		Created:            now.Add(time.Duration(p.seq) * time.Nanosecond),
		Items:              []billing.SubscriptionItem{{ID: p.nextID("si"), PriceID: params.PriceID}},
		Metadata:           meta,
	}
	p.subscriptions[sub.ID] = sub
	return sub, nil
}

func (p *Provider) GetSubscription(_ context.Context, subscriptionID string) (*billing.SubscriptionView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("GetSubscription"); err != nil {
		return nil, err
	}
	sub, ok := p.subscriptions[subscriptionID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (p *Provider) GetActiveSubscription(_ context.Context, customerID string) (*billing.SubscriptionView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("GetActiveSubscription"); err != nil {
		return nil, err
	}
	subs := p.sortedFor(customerID)
	for _, want := range []billing.SubscriptionStatus{billing.StatusActive, billing.StatusTrialing, billing.StatusPastDue} {
		for _, s := range subs {
			if s.Status == want {
				return s, nil
			}
		}
	}
	return nil, billing.ErrSubscriptionNotFound
}

func (p *Provider) ListSubscriptions(_ context.Context, customerID string, limit int) ([]*billing.SubscriptionView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("ListSubscriptions"); err != nil {
		return nil, err
	}
	subs := p.sortedFor(customerID)
	if limit > 0 && len(subs) > limit {
		subs = subs[:limit]
	}
	return subs, nil
}

// sortedFor returns the customer's subscriptions, most recent first.
func (p *Provider) sortedFor(customerID string) []*billing.SubscriptionView {
	var out []*billing.SubscriptionView
	for _, s := range p.subscriptions {
		if s.CustomerID == customerID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	return out
}

func (p *Provider) mutate(op, id string, fn func(*billing.SubscriptionView)) (*billing.SubscriptionView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(op); err != nil {
		return nil, err
	}
	sub, ok := p.subscriptions[id]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	fn(sub)
	return sub, nil
}

func (p *Provider) CancelSubscription(_ context.Context, id string, immediately bool) (*billing.SubscriptionView, error) {
	return p.mutate("CancelSubscription", id, func(s *billing.SubscriptionView) {
		if immediately {
			now := time.Now().UTC()
			s.Status = billing.StatusCanceled
			s.CanceledAt = &now
			return
		}
		s.CancelAtPeriodEnd = true
	})
}

func (p *Provider) RevokeCancellation(_ context.Context, id string) (*billing.SubscriptionView, error) {
	return p.mutate("RevokeCancellation", id, func(s *billing.SubscriptionView) {
		s.CancelAtPeriodEnd = false
	})
}

func (p *Provider) ChangePrice(_ context.Context, id, priceID string, _ billing.ProrationBehavior) (*billing.SubscriptionView, error) {
	return p.mutate("ChangePrice", id, func(s *billing.SubscriptionView) {
		if len(s.Items) == 0 {
			s.Items = []billing.SubscriptionItem{{}}
		}
		s.Items[0].PriceID = priceID
		s.Items[0].Product = nil
	})
}

func (p *Provider) PauseSubscription(_ context.Context, id string) (*billing.SubscriptionView, error) {
	return p.mutate("PauseSubscription", id, func(s *billing.SubscriptionView) {
		s.Paused = true
	})
}

func (p *Provider) ResumeSubscription(_ context.Context, id string) (*billing.SubscriptionView, error) {
	return p.mutate("ResumeSubscription", id, func(s *billing.SubscriptionView) {
		s.Paused = false
	})
}

func (p *Provider) ReportMeterEvent(_ context.Context, event billing.MeterEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("ReportMeterEvent"); err != nil {
		return "", err
	}
	if event.Identifier == "" {
		event.Identifier = p.nextID("mev")
	}
	p.meterEvents = append(p.meterEvents, event)
	return event.Identifier, nil
}

func (p *Provider) MeterSummary(_ context.Context, meterName, customerID string, start, end time.Time) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("MeterSummary"); err != nil {
		return 0, err
	}
	var total float64
	for _, e := range p.meterEvents {
		if e.EventName != meterName || e.CustomerID != customerID {
			continue
		}
		if !e.Timestamp.IsZero() && (e.Timestamp.Before(start) || !e.Timestamp.Before(end)) {
			continue
		}
		total += e.Value
	}
	return total, nil
}

func (p *Provider) GetInvoice(_ context.Context, id string) (*billing.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("GetInvoice"); err != nil {
		return nil, err
	}
	inv, ok := p.invoices[id]
	if !ok {
		return nil, billing.ErrInvoiceNotFound
	}
	return inv, nil
}

func (p *Provider) ListInvoices(_ context.Context, customerID string, status billing.InvoiceStatus, limit int) ([]*billing.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("ListInvoices"); err != nil {
		return nil, err
	}
	var out []*billing.Invoice
	for _, inv := range p.invoices {
		if inv.CustomerID != customerID || (status != "" && inv.Status != status) {
			continue
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (p *Provider) ListProducts(context.Context) ([]*billing.Product, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("ListProducts"); err != nil {
		return nil, err
	}
	return append([]*billing.Product(nil), p.products...), nil
}

func (p *Provider) ListPrices(_ context.Context, productID string) ([]*billing.Price, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("ListPrices"); err != nil {
		return nil, err
	}
	var out []*billing.Price
	for _, price := range p.prices {
		if productID == "" || price.ProductID == productID {
			out = append(out, price)
		}
	}
	return out, nil
}

func (p *Provider) setInvoiceStatus(op, id string, status billing.InvoiceStatus) (*billing.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(op); err != nil {
		return nil, err
	}
	inv, ok := p.invoices[id]
	if !ok {
		return nil, billing.ErrInvoiceNotFound
	}
	if status != "" {
		inv.Status = status
		if status == billing.InvoicePaid {
			inv.AmountPaid = inv.AmountDue
		}
	}
	return inv, nil
}

func (p *Provider) MarkInvoicePaidOutOfBand(_ context.Context, id string) (*billing.Invoice, error) {
	return p.setInvoiceStatus("MarkInvoicePaidOutOfBand", id, billing.InvoicePaid)
}

func (p *Provider) SendInvoice(_ context.Context, id string) (*billing.Invoice, error) {
	return p.setInvoiceStatus("SendInvoice", id, "")
}

func (p *Provider) VoidInvoice(_ context.Context, id string) (*billing.Invoice, error) {
	return p.setInvoiceStatus("VoidInvoice", id, billing.InvoiceVoid)
}

// VerifyWebhook accepts payloads whose signature equals WebhookSecret. The
// payload uses the forwarded billing event shape.
func (p *Provider) VerifyWebhook(payload []byte, signature string) (*billing.WebhookEvent, error) {
	p.mu.Lock()
	err := p.enter("VerifyWebhook")
	secret := p.WebhookSecret
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if signature == "" || signature != secret {
		return nil, billing.ErrInvalidWebhookSignature
	}
	var raw struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object             json.RawMessage `json:"object"`
			PreviousAttributes json.RawMessage `json:"previous_attributes"`
		} `json:"data"`
		Created int64 `json:"created"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return &billing.WebhookEvent{
		ID:                 raw.ID,
		Type:               raw.Type,
		Object:             raw.Data.Object,
		PreviousAttributes: raw.Data.PreviousAttributes,
		Created:            time.Unix(raw.Created, 0).UTC(),
	}, nil
}
