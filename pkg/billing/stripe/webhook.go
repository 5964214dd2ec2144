package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/vikram2000b/sage-billing-engine/pkg/billing"
)

// VerifyWebhook validates the Stripe-Signature header against the payload and
// returns the parsed event. Events pinned to a different API version are
// accepted; handlers only read the fields they need.
func (p *Provider) VerifyWebhook(payload []byte, signature string) (*billing.WebhookEvent, error) {
	if p.webhookSecret == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	if signature == "" {
		return nil, billing.ErrInvalidWebhookSignature
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", billing.ErrInvalidWebhookPayload, event.ID)
	}

	var prev json.RawMessage
	if len(event.Data.PreviousAttributes) > 0 {
		if prev, err = json.Marshal(event.Data.PreviousAttributes); err != nil {
			return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
		}
	}

	return &billing.WebhookEvent{
		ID:                 event.ID,
		Type:               string(event.Type),
		Object:             event.Data.Raw,
		PreviousAttributes: prev,
		Created:            time.Unix(event.Created, 0).UTC(),
	}, nil
}
