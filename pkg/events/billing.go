package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// BillingKind is the typed form of a provider event type string.
type BillingKind int

const (
	KindUnknown BillingKind = iota
	KindSubscriptionCreated
	KindSubscriptionUpdated
	KindSubscriptionDeleted
	KindTrialWillEnd
	KindInvoicePaid
	KindInvoicePaymentFailed
	KindInvoiceUpcoming
	KindMeterUsageReported
)

var billingKinds = map[string]BillingKind{
	"customer.subscription.created":       KindSubscriptionCreated,
	"customer.subscription.updated":       KindSubscriptionUpdated,
	"customer.subscription.deleted":       KindSubscriptionDeleted,
	"customer.subscription.trial_will_end": KindTrialWillEnd,
	"invoice.paid":                        KindInvoicePaid,
	"invoice.payment_succeeded":           KindInvoicePaid,
	"invoice.payment_failed":              KindInvoicePaymentFailed,
	"invoice.upcoming":                    KindInvoiceUpcoming,
	"billing.meter.usage_reported":        KindMeterUsageReported,
}

// ParseBillingKind maps a provider event type to a BillingKind; unrecognized
// types map to KindUnknown.
func ParseBillingKind(eventType string) BillingKind {
	return billingKinds[eventType]
}

func (k BillingKind) String() string {
	switch k {
	case KindSubscriptionCreated:
		return "subscription_created"
	case KindSubscriptionUpdated:
		return "subscription_updated"
	case KindSubscriptionDeleted:
		return "subscription_deleted"
	case KindTrialWillEnd:
		return "trial_will_end"
	case KindInvoicePaid:
		return "invoice_paid"
	case KindInvoicePaymentFailed:
		return "invoice_payment_failed"
	case KindInvoiceUpcoming:
		return "invoice_upcoming"
	case KindMeterUsageReported:
		return "meter_usage_reported"
	default:
		return "unknown"
	}
}

// IsInvoice reports whether the event's object is an invoice.
func (k BillingKind) IsInvoice() bool {
	return k == KindInvoicePaid || k == KindInvoicePaymentFailed || k == KindInvoiceUpcoming
}

// BillingEventData is the provider event's data block.
type BillingEventData struct {
	Object             json.RawMessage `json:"object"`
	PreviousAttributes json.RawMessage `json:"previous_attributes,omitempty"`
}

// BillingEvent is a provider webhook event forwarded onto the billing queue.
type BillingEvent struct {
	EventID   string           `json:"event_id"`
	EventType string           `json:"event_type"`
	Data      BillingEventData `json:"data"`
	Created   UnixTime         `json:"created"`
}

// Kind returns the typed event kind.
func (e *BillingEvent) Kind() BillingKind {
	return ParseBillingKind(e.EventType)
}

// ParseBillingEvent decodes a billing message. Only structural problems are
// errors; an unknown event type is not.
func ParseBillingEvent(body []byte) (*BillingEvent, error) {
	var e BillingEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.EventType == "" {
		return nil, fmt.Errorf("%w: missing event_type", ErrMalformed)
	}
	return &e, nil
}

// UnixTime is a timestamp encoded as Unix seconds. It also accepts RFC 3339
// strings on decode.
type UnixTime struct {
	time.Time
}

func (t UnixTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("0"), nil
	}
	return []byte(strconv.FormatInt(t.Unix(), 10)), nil
}

func (t *UnixTime) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" || s == "0" || s == `""` {
		t.Time = time.Time{}
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		t.Time = time.Unix(n, 0).UTC()
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("invalid timestamp %s", s)
	}
	parsed, err := time.Parse(time.RFC3339, str)
	if err != nil {
		return err
	}
	t.Time = parsed.UTC()
	return nil
}
