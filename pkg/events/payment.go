package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// PaymentSource identifies where an out-of-band payment event came from.
type PaymentSource string

const (
	// SourceStripe is a provider-native payment, already reflected on the invoice.
	SourceStripe PaymentSource = "stripe"
	// SourceRazorpay is the alternate payment gateway.
	SourceRazorpay PaymentSource = "razorpay"
	// SourceManual is a bank transfer reconciled by an operator.
	SourceManual PaymentSource = "manual_reconciliation"
	// SourceZohoBooks is the external accounting ledger.
	SourceZohoBooks PaymentSource = "zoho_books"
)

// Payment event types shared across gateways.
const (
	PaymentCaptured   = "payment.captured"
	PaymentFailed     = "payment.failed"
	PaymentReconciled = "payment.reconciled"
)

// PaymentEvent is an external payment notification forwarded onto the payment queue.
type PaymentEvent struct {
	Source      PaymentSource          `json:"source"`
	EventType   string                 `json:"event_type"`
	WorkspaceID string                 `json:"workspace_id,omitempty"`
	Amount      float64                `json:"amount,omitempty"`
	Currency    string                 `json:"currency,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Timestamp   *time.Time             `json:"timestamp,omitempty"`

	// Set by manual reconciliation.
	InvoiceID     string `json:"stripe_invoice_id,omitempty"`
	BankReference string `json:"bank_reference,omitempty"`
}

// ParsePaymentEvent decodes a payment message.
func ParsePaymentEvent(body []byte) (*PaymentEvent, error) {
	var e PaymentEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &e, nil
}

// RazorpayNotes returns payload.payment.entity.notes from a razorpay webhook
// body carried in Metadata, along with the payment id.
func (e *PaymentEvent) RazorpayNotes() (notes map[string]string, paymentID string) {
	entity := nested(e.Metadata, "payload", "payment", "entity")
	if entity == nil {
		return nil, ""
	}
	paymentID, _ = entity["id"].(string)
	raw, _ := entity["notes"].(map[string]interface{})
	if len(raw) == 0 {
		return nil, paymentID
	}
	notes = make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			notes[k] = s
		}
	}
	return notes, paymentID
}

func nested(m map[string]interface{}, path ...string) map[string]interface{} {
	cur := m
	for _, p := range path {
		next, ok := cur[p].(map[string]interface{})
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}
