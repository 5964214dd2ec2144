package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vikram2000b/sage-billing-engine/internal/httputil"
	"github.com/vikram2000b/sage-billing-engine/pkg/events"
	"github.com/vikram2000b/sage-billing-engine/pkg/logging"
	"github.com/vikram2000b/sage-billing-engine/pkg/queue"
)

const defaultCurrency = "INR"

// VerifyRazorpaySignature reports whether signature is the hex HMAC-SHA256
// of payload under secret.
func VerifyRazorpaySignature(payload []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

type razorpayEntity struct {
	ID       string  `json:"id"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

type razorpayPayload struct {
	Event     string `json:"event"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		Payment struct {
			Entity razorpayEntity `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// Razorpay handles POST /webhooks/razorpay.
func (r *Receiver) Razorpay(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	body, ok := r.readBody(w, req, providerRazorpay)
	if !ok {
		return
	}

	if r.config.RazorpaySecret != "" && !VerifyRazorpaySignature(body, req.Header.Get("X-Razorpay-Signature"), r.config.RazorpaySecret) {
		r.logger.Warn("razorpay webhook verification failed")
		r.metrics.RecordWebhookError(providerRazorpay, "auth_failed")
		httputil.WriteError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	var typed razorpayPayload
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &typed); err != nil {
		r.metrics.RecordWebhookError(providerRazorpay, "invalid_payload")
		httputil.WriteError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		r.metrics.RecordWebhookError(providerRazorpay, "invalid_payload")
		httputil.WriteError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	eventType := typed.Event
	if eventType == "" {
		eventType = "unknown"
	}
	entity := typed.Payload.Payment.Entity
	currency := entity.Currency
	if currency == "" {
		currency = defaultCurrency
	}
	ts := time.Now().UTC()
	if typed.CreatedAt > 0 {
		ts = time.Unix(typed.CreatedAt, 0).UTC()
	}

	msg := &events.PaymentEvent{
		Source:    events.SourceRazorpay,
		EventType: eventType,
		Amount:    entity.Amount,
		Currency:  currency,
		Metadata:  raw,
		Timestamp: &ts,
	}
	// Notes arrive as an empty array when unset, so read them untyped.
	notes, _ := msg.RazorpayNotes()
	msg.WorkspaceID = notes["workspace_id"]

	r.logger.Info("received razorpay webhook",
		logging.EventType(eventType),
		logging.F("payment_id", entity.ID),
	)

	if r.config.PaymentQueue == "" {
		r.respond(w, providerRazorpay, eventType, r.payments.HandleEvent(req.Context(), msg), start)
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to encode event")
		return
	}
	_, err = r.forward(req.Context(), r.config.PaymentQueue, payload, queue.PublishOptions{})
	r.forwarded(w, providerRazorpay, eventType, err, start)
}
