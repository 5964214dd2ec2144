// Package webhook receives signed provider and gateway webhooks and forwards
// them onto the billing and payment queues, or handles them in-process when
// no queue is configured.
package webhook

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"

	"github.com/vikram2000b/sage-billing-engine/internal/httputil"
	"github.com/vikram2000b/sage-billing-engine/pkg/billing"
	"github.com/vikram2000b/sage-billing-engine/pkg/events"
	"github.com/vikram2000b/sage-billing-engine/pkg/logging"
	"github.com/vikram2000b/sage-billing-engine/pkg/queue"
)

const (
	providerStripe   = "stripe"
	providerRazorpay = "razorpay"

	// DefaultMaxBodyBytes caps webhook payloads.
	DefaultMaxBodyBytes = 256 * 1024
)

// Verifier checks a provider webhook signature and parses the event.
type Verifier interface {
	VerifyWebhook(payload []byte, signature string) (*billing.WebhookEvent, error)
}

// BillingHandler handles a provider event inline.
type BillingHandler interface {
	HandleEvent(ctx context.Context, e *events.BillingEvent) queue.Result
}

// PaymentHandler handles a gateway event inline.
type PaymentHandler interface {
	HandleEvent(ctx context.Context, e *events.PaymentEvent) queue.Result
}

// Config holds receiver configuration.
type Config struct {
	// BillingQueue receives provider events. Empty means handle inline.
	BillingQueue string

	// PaymentQueue receives gateway events. Empty means handle inline.
	PaymentQueue string

	// RazorpaySecret verifies X-Razorpay-Signature. Empty disables the check.
	RazorpaySecret string

	// MaxBodyBytes caps request bodies (default: 256 KiB).
	MaxBodyBytes int64

	// RateLimit is the number of requests allowed per client per RateWindow
	// (default: 100 per minute).
	RateLimit  int
	RateWindow time.Duration

	// PublishRetries bounds forward attempts after the first (default: 4).
	PublishRetries uint64

	// PublishBackoff is the initial retry interval (default: 100ms).
	PublishBackoff time.Duration

	Metrics billing.Metrics
	Logger  logging.Logger
}

// DefaultConfig returns the receiver defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:   DefaultMaxBodyBytes,
		RateLimit:      100,
		RateWindow:     time.Minute,
		PublishRetries: 4,
		PublishBackoff: 100 * time.Millisecond,
	}
}

// Receiver serves the inbound webhook endpoints.
type Receiver struct {
	verifier  Verifier
	publisher queue.Publisher
	billing   BillingHandler
	payments  PaymentHandler
	limiter   *httputil.RateLimiter
	config    Config
	metrics   billing.Metrics
	logger    logging.Logger
}

// NewReceiver creates a receiver. publisher may be nil when both queues are
// empty; the matching handler must then be set.
func NewReceiver(verifier Verifier, publisher queue.Publisher, billingHandler BillingHandler, paymentHandler PaymentHandler, config Config) (*Receiver, error) {
	if verifier == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	defaults := DefaultConfig()
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if config.RateLimit <= 0 {
		config.RateLimit = defaults.RateLimit
	}
	if config.RateWindow <= 0 {
		config.RateWindow = defaults.RateWindow
	}
	if config.PublishRetries == 0 {
		config.PublishRetries = defaults.PublishRetries
	}
	if config.PublishBackoff <= 0 {
		config.PublishBackoff = defaults.PublishBackoff
	}
	if config.Metrics == nil {
		config.Metrics = &billing.NoopMetrics{}
	}

	if (config.BillingQueue != "" || config.PaymentQueue != "") && publisher == nil {
		return nil, errors.New("webhook: queue configured without a publisher")
	}
	if config.BillingQueue == "" && billingHandler == nil {
		return nil, errors.New("webhook: billing events need a queue or an inline handler")
	}
	if config.PaymentQueue == "" && paymentHandler == nil {
		return nil, errors.New("webhook: payment events need a queue or an inline handler")
	}

	return &Receiver{
		verifier:  verifier,
		publisher: publisher,
		billing:   billingHandler,
		payments:  paymentHandler,
		limiter:   httputil.NewRateLimiter(config.RateLimit, config.RateWindow),
		config:    config,
		metrics:   config.Metrics,
		logger:    logging.OrNoop(config.Logger),
	}, nil
}

// Routes returns the webhook router, rate limited per client IP.
func (r *Receiver) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(r.limiter.Middleware)
	router.Post("/stripe", r.Stripe)
	router.Post("/razorpay", r.Razorpay)
	return router
}

// readBody applies the common preamble and returns false when a response
// has already been written.
func (r *Receiver) readBody(w http.ResponseWriter, req *http.Request, provider string) ([]byte, bool) {
	httputil.SetSecurityHeaders(w)
	body, err := httputil.ReadBodyStrict(w, req, r.config.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, httputil.ErrPayloadTooLarge) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
			r.metrics.RecordWebhookError(provider, "payload_too_large")
		} else {
			httputil.WriteError(w, http.StatusBadRequest, "invalid payload")
			r.metrics.RecordWebhookError(provider, "invalid_payload")
		}
		return nil, false
	}
	return body, true
}

// forward publishes with exponential backoff until ctx ends or the retry
// budget is spent.
func (r *Receiver) forward(ctx context.Context, queueName string, body []byte, opts queue.PublishOptions) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.PublishBackoff

	var id string
	op := func() error {
		var err error
		id, err = r.publisher.Publish(ctx, queueName, body, opts)
		if err != nil {
			r.logger.Warn("webhook forward attempt failed", logging.Queue(queueName), logging.Err(err))
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, r.config.PublishRetries), ctx))
	return id, err
}

// respond maps an inline handler result to a status. Retry asks the
// sender to redeliver.
func (r *Receiver) respond(w http.ResponseWriter, provider, eventType string, res queue.Result, start time.Time) {
	r.metrics.RecordWebhookProcessingDuration(provider, eventType, time.Since(start))
	if res.Outcome == queue.OutcomeRetry {
		r.metrics.RecordWebhookEvent(provider, eventType, "error")
		r.metrics.RecordWebhookError(provider, "processing_error")
		httputil.WriteError(w, http.StatusInternalServerError, "failed to process webhook")
		return
	}
	r.metrics.RecordWebhookEvent(provider, eventType, "handled")
	_ = httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

func (r *Receiver) forwarded(w http.ResponseWriter, provider, eventType string, err error, start time.Time) {
	r.metrics.RecordWebhookProcessingDuration(provider, eventType, time.Since(start))
	if err != nil {
		r.logger.Error("failed to forward webhook",
			logging.F("provider", provider),
			logging.EventType(eventType),
			logging.Err(err),
		)
		r.metrics.RecordWebhookEvent(provider, eventType, "error")
		r.metrics.RecordWebhookError(provider, "forward_failed")
		httputil.WriteError(w, http.StatusServiceUnavailable, "failed to enqueue webhook")
		return
	}
	r.metrics.RecordWebhookEvent(provider, eventType, "forwarded")
	_ = httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "received"})
}
