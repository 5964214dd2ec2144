package webhook

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/vikram2000b/sage-billing-engine/internal/httputil"
	"github.com/vikram2000b/sage-billing-engine/pkg/billing"
	"github.com/vikram2000b/sage-billing-engine/pkg/events"
	"github.com/vikram2000b/sage-billing-engine/pkg/logging"
	"github.com/vikram2000b/sage-billing-engine/pkg/queue"
)

// Stripe handles POST /webhooks/stripe.
func (r *Receiver) Stripe(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	body, ok := r.readBody(w, req, providerStripe)
	if !ok {
		return
	}

	event, err := r.verifier.VerifyWebhook(body, req.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, billing.ErrProviderNotConfigured):
		httputil.WriteError(w, http.StatusServiceUnavailable, "webhook not configured")
		return
	case err != nil:
		r.logger.Warn("stripe webhook verification failed", logging.Err(err))
		r.metrics.RecordWebhookError(providerStripe, "auth_failed")
		httputil.WriteError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	r.logger.Info("received stripe webhook",
		logging.EventType(event.Type),
		logging.F("event_id", event.ID),
	)

	msg := &events.BillingEvent{
		EventID:   event.ID,
		EventType: event.Type,
		Data: events.BillingEventData{
			Object:             event.Object,
			PreviousAttributes: event.PreviousAttributes,
		},
		Created: events.UnixTime{Time: event.Created},
	}

	if r.config.BillingQueue == "" {
		r.respond(w, providerStripe, event.Type, r.billing.HandleEvent(req.Context(), msg), start)
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to encode event")
		return
	}
	_, err = r.forward(req.Context(), r.config.BillingQueue, payload, queue.PublishOptions{})
	r.forwarded(w, providerStripe, event.Type, err, start)
}
