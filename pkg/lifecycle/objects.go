package lifecycle

import (
	"bytes"
	"encoding/json"

	"github.com/vikram2000b/sage-billing-engine/pkg/billing"
)

// expandable is a provider reference that arrives either as a bare id or
// as the expanded object.
type expandable struct {
	ID       string
	Metadata map[string]string
}

func (e *expandable) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &e.ID)
	}
	var obj struct {
		ID       string            `json:"id"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	e.ID, e.Metadata = obj.ID, obj.Metadata
	return nil
}

type previousAttributes struct {
	CurrentPeriodStart json.RawMessage `json:"current_period_start"`
	Items              *struct {
		Data []struct {
			CurrentPeriodStart json.RawMessage `json:"current_period_start"`
		} `json:"data"`
	} `json:"items"`
}

// periodChanged reports whether the diff carries a previous billing period
// start, at the subscription level or on any item.
func (p *previousAttributes) periodChanged() bool {
	if p == nil {
		return false
	}
	if len(p.CurrentPeriodStart) > 0 {
		return true
	}
	if p.Items != nil {
		for _, item := range p.Items.Data {
			if len(item.CurrentPeriodStart) > 0 {
				return true
			}
		}
	}
	return false
}

type subscriptionObject struct {
	ID                 string              `json:"id"`
	Status             string              `json:"status"`
	Metadata           map[string]string   `json:"metadata"`
	Customer           expandable          `json:"customer"`
	TrialEnd           int64               `json:"trial_end"`
	PreviousAttributes *previousAttributes `json:"previous_attributes"`
}

// workspaceID prefers the subscription's own metadata and falls back to the
// expanded customer.
func (s *subscriptionObject) workspaceID() string {
	if ws := s.Metadata[billing.MetadataWorkspaceID]; ws != "" {
		return ws
	}
	return s.Customer.Metadata[billing.MetadataWorkspaceID]
}

type metadataHolder struct {
	Metadata map[string]string `json:"metadata"`
}

type invoiceObject struct {
	ID                  string            `json:"id"`
	Metadata            map[string]string `json:"metadata"`
	AmountPaid          int64             `json:"amount_paid"`
	AmountDue           int64             `json:"amount_due"`
	Currency            string            `json:"currency"`
	AttemptCount        int               `json:"attempt_count"`
	Customer            expandable        `json:"customer"`
	Subscription        expandable        `json:"subscription"`
	SubscriptionDetails *metadataHolder   `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *metadataHolder `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []metadataHolder `json:"data"`
	} `json:"lines"`
}

// workspaceID walks the invoice's own metadata, the expanded subscription,
// the subscription details snapshot and finally the line items.
func (i *invoiceObject) workspaceID() string {
	if ws := i.Metadata[billing.MetadataWorkspaceID]; ws != "" {
		return ws
	}
	if ws := i.Subscription.Metadata[billing.MetadataWorkspaceID]; ws != "" {
		return ws
	}
	if i.SubscriptionDetails != nil {
		if ws := i.SubscriptionDetails.Metadata[billing.MetadataWorkspaceID]; ws != "" {
			return ws
		}
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		if ws := i.Parent.SubscriptionDetails.Metadata[billing.MetadataWorkspaceID]; ws != "" {
			return ws
		}
	}
	for _, line := range i.Lines.Data {
		if ws := line.Metadata[billing.MetadataWorkspaceID]; ws != "" {
			return ws
		}
	}
	return ""
}
