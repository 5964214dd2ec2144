package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vikram2000b/sage-billing-engine/internal/httputil"
	"github.com/vikram2000b/sage-billing-engine/pkg/billing"
	"github.com/vikram2000b/sage-billing-engine/pkg/entitlement"
	"github.com/vikram2000b/sage-billing-engine/pkg/events"
	"github.com/vikram2000b/sage-billing-engine/pkg/logging"
	"github.com/vikram2000b/sage-billing-engine/pkg/payments"
	"github.com/vikram2000b/sage-billing-engine/pkg/subscription"
	"github.com/vikram2000b/sage-billing-engine/pkg/usage"
)

const (
	maxWorkspaceIDLen = 255
	maxRequestBytes   = 64 * 1024
)

// Handler serves the billing engine's HTTP API
type Handler struct {
	config Config
	logger logging.Logger
}

// Routes returns the API router. Optional services add their routes only
// when configured.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/entitlements/{workspace}", func(r chi.Router) {
		r.Get("/", h.GetEntitlements)
		r.Get("/features/{feature}", h.CheckFeature)
		r.Get("/usage/{meter}", h.CheckUsageExceeded)
		r.Post("/invalidate", h.Invalidate)
	})

	if h.config.Usage != nil {
		r.Post("/usage/events", h.RecordUsage)
		r.Post("/usage/events/async", h.PublishUsage)
		r.Get("/usage/{workspace}", h.UsageReport)
	}

	if h.config.Subscriptions != nil {
		r.Post("/subscriptions", h.CreateSubscription)
		r.Post("/subscriptions/cancel", h.CancelSubscription)
		r.Route("/subscriptions/{workspace}", func(r chi.Router) {
			r.Get("/", h.GetSubscription)
			r.Post("/change-plan", h.ChangePlan)
			r.Post("/revoke-cancellation", h.RevokeCancellation)
			r.Post("/pause", h.PauseSubscription)
			r.Post("/resume", h.ResumeSubscription)
		})
		r.Get("/invoices/workspace/{workspace}", h.ListInvoices)
		r.Get("/invoices/{invoice}", h.GetInvoice)
		r.Post("/invoices/{invoice}/send", h.SendInvoice)
	}

	if h.config.Payments != nil {
		r.Post("/invoices/reconcile", h.Reconcile)
	}

	if h.config.Catalog != nil {
		r.Get("/plans", h.ListPlans)
	}
	return r
}

// GetEntitlements handles GET /entitlements/{workspace}?refresh=true
func (h *Handler) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	var opts []entitlement.GetOption
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		opts = append(opts, entitlement.WithRefresh())
	}
	snap, err := h.config.Entitlements.Entitlements(r.Context(), ws, opts...)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// CheckFeature handles GET /entitlements/{workspace}/features/{feature}
func (h *Handler) CheckFeature(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	feature := chi.URLParam(r, "feature")
	has, err := h.config.Entitlements.HasFeature(r.Context(), ws, feature)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, FeatureCheckResponse{WorkspaceID: ws, Feature: feature, HasAccess: has})
}

// CheckUsageExceeded handles GET /entitlements/{workspace}/usage/{meter}
func (h *Handler) CheckUsageExceeded(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	meter := chi.URLParam(r, "meter")
	exceeded, err := h.config.Entitlements.UsageExceeded(r.Context(), ws, meter)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, UsageExceededResponse{WorkspaceID: ws, Meter: meter, Exceeded: exceeded})
}

// Invalidate handles POST /entitlements/{workspace}/invalidate
func (h *Handler) Invalidate(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	if err := h.config.Entitlements.Invalidate(r.Context(), ws); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, StatusResponse{Status: "invalidated"})
}

// RecordUsage handles POST /usage/events
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var e events.UsageEvent
	if !h.decode(w, r, &e) {
		return
	}
	res, err := h.config.Usage.Record(r.Context(), &e)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// PublishUsage handles POST /usage/events/async
func (h *Handler) PublishUsage(w http.ResponseWriter, r *http.Request) {
	var e events.UsageEvent
	if !h.decode(w, r, &e) {
		return
	}
	id, err := h.config.Usage.Publish(r.Context(), &e)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, PublishResponse{Status: "queued", MessageID: id})
}

// UsageReport handles GET /usage/{workspace}?start=...&end=... (RFC 3339)
func (h *Handler) UsageReport(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	start, err := parseTimeParam(r, "start")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	end, err := parseTimeParam(r, "end")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	rep, err := h.config.Usage.Report(r.Context(), ws, start, end)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rep)
}

// GetSubscription handles GET /subscriptions/{workspace}
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	view, err := h.config.Subscriptions.Get(r.Context(), ws)
	h.respondView(w, r, view, err)
}

// CreateSubscription handles POST /subscriptions
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscription.CreateRequest
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.config.Subscriptions.Create(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, view)
}

// CancelSubscription handles POST /subscriptions/cancel
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.config.Subscriptions.Cancel(r.Context(), req.WorkspaceID, req.CancelImmediately)
	h.respondView(w, r, view, err)
}

// ChangePlan handles POST /subscriptions/{workspace}/change-plan
func (h *Handler) ChangePlan(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	var req ChangePlanRequest
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.config.Subscriptions.ChangePlan(r.Context(), ws, req.NewPriceID, billing.ProrationBehavior(req.ProrationBehavior))
	h.respondView(w, r, view, err)
}

// RevokeCancellation handles POST /subscriptions/{workspace}/revoke-cancellation
func (h *Handler) RevokeCancellation(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	view, err := h.config.Subscriptions.RevokeCancellation(r.Context(), ws)
	h.respondView(w, r, view, err)
}

// PauseSubscription handles POST /subscriptions/{workspace}/pause
func (h *Handler) PauseSubscription(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	view, err := h.config.Subscriptions.Pause(r.Context(), ws)
	h.respondView(w, r, view, err)
}

// ResumeSubscription handles POST /subscriptions/{workspace}/resume
func (h *Handler) ResumeSubscription(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	view, err := h.config.Subscriptions.Resume(r.Context(), ws)
	h.respondView(w, r, view, err)
}

// ListInvoices handles GET /invoices/workspace/{workspace}?status=open
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	status := billing.InvoiceStatus(r.URL.Query().Get("status"))
	invoices, err := h.config.Subscriptions.ListInvoices(r.Context(), ws, status, 0)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, invoices)
}

// GetInvoice handles GET /invoices/{invoice}
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.config.Subscriptions.GetInvoice(r.Context(), chi.URLParam(r, "invoice"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inv)
}

// SendInvoice handles POST /invoices/{invoice}/send
func (h *Handler) SendInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.config.Subscriptions.SendInvoice(r.Context(), chi.URLParam(r, "invoice"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inv)
}

// Reconcile handles POST /invoices/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req payments.ReconcileRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.config.Payments.Reconcile(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// ListPlans handles GET /plans
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.config.Catalog.Plans(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, plans)
}

func (h *Handler) respondView(w http.ResponseWriter, r *http.Request, view *subscription.View, err error) {
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) workspace(w http.ResponseWriter, r *http.Request) (string, bool) {
	ws := chi.URLParam(r, "workspace")
	if ws == "" || len(ws) > maxWorkspaceIDLen {
		h.handleError(w, r, entitlement.ErrInvalidWorkspace)
		return "", false
	}
	return ws, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := httputil.ReadBodyStrict(w, r, maxRequestBytes)
	if err == nil {
		err = json.Unmarshal(body, v)
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("%w: %v", events.ErrMalformed, err))
		return false
	}
	return true
}

func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", events.ErrMalformed, name, err)
	}
	return &t, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	if err := httputil.WriteJSON(w, code, v); err != nil {
		h.logger.Warn("failed to encode response", logging.Err(err))
	}
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	code := StatusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("api request failed",
			logging.F("path", r.URL.Path),
			logging.Err(err),
		)
	}
	httputil.WriteError(w, code, err.Error())
}

// StatusFor maps an error onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case billing.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, events.ErrMalformed),
		errors.Is(err, entitlement.ErrInvalidWorkspace),
		errors.Is(err, entitlement.ErrInvalidMeter),
		errors.Is(err, usage.ErrUnknownMeter):
		return http.StatusBadRequest
	case errors.Is(err, usage.ErrQueueNotConfigured),
		errors.Is(err, entitlement.ErrStoreUnavailable),
		errors.Is(err, entitlement.ErrCircuitOpen),
		errors.Is(err, billing.ErrProviderNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
