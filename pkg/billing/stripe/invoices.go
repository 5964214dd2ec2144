package stripe

import (
	"context"

	"github.com/stripe/stripe-go/v83"

	"github.com/vikram2000b/sage-billing-engine/pkg/billing"
	"github.com/vikram2000b/sage-billing-engine/pkg/logging"
)

func (p *Provider) GetInvoice(ctx context.Context, invoiceID string) (*billing.Invoice, error) {
	return p.invoiceCall(ctx, "invoices.retrieve", func(ctx context.Context) (*stripe.Invoice, error) {
		return p.client.V1Invoices.Retrieve(ctx, invoiceID, &stripe.InvoiceRetrieveParams{})
	})
}

// ListInvoices lists a customer's invoices, optionally filtered by status.
func (p *Provider) ListInvoices(ctx context.Context, customerID string, status billing.InvoiceStatus, limit int) ([]*billing.Invoice, error) {
	var out []*billing.Invoice
	err := p.call(ctx, "invoices.list", func(ctx context.Context) error {
		params := &stripe.InvoiceListParams{Customer: stripe.String(customerID)}
		if status != "" {
			params.Status = stripe.String(string(status))
		}
		if limit > 0 {
			params.Limit = stripe.Int64(int64(limit))
		}
		for inv, err := range p.client.V1Invoices.List(ctx, params) {
			if err != nil {
				return err
			}
			out = append(out, invoiceFromStripe(inv))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkInvoicePaidOutOfBand records a payment collected outside Stripe
// (alternate gateway, bank transfer).
func (p *Provider) MarkInvoicePaidOutOfBand(ctx context.Context, invoiceID string) (*billing.Invoice, error) {
	inv, err := p.invoiceCall(ctx, "invoices.pay", func(ctx context.Context) (*stripe.Invoice, error) {
		return p.client.V1Invoices.Pay(ctx, invoiceID, &stripe.InvoicePayParams{
			PaidOutOfBand: stripe.Bool(true),
		})
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("marked invoice paid out of band", logging.F("invoice_id", invoiceID))
	return inv, nil
}

func (p *Provider) SendInvoice(ctx context.Context, invoiceID string) (*billing.Invoice, error) {
	return p.invoiceCall(ctx, "invoices.send", func(ctx context.Context) (*stripe.Invoice, error) {
		return p.client.V1Invoices.SendInvoice(ctx, invoiceID, &stripe.InvoiceSendInvoiceParams{})
	})
}

func (p *Provider) VoidInvoice(ctx context.Context, invoiceID string) (*billing.Invoice, error) {
	return p.invoiceCall(ctx, "invoices.void", func(ctx context.Context) (*stripe.Invoice, error) {
		return p.client.V1Invoices.VoidInvoice(ctx, invoiceID, &stripe.InvoiceVoidInvoiceParams{})
	})
}

func (p *Provider) invoiceCall(ctx context.Context, op string, fn func(ctx context.Context) (*stripe.Invoice, error)) (*billing.Invoice, error) {
	var out *billing.Invoice
	err := p.call(ctx, op, func(ctx context.Context) error {
		inv, err := fn(ctx)
		if err != nil {
			return err
		}
		out = invoiceFromStripe(inv)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
