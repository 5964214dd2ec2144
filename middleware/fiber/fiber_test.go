package fiber

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikram2000b/sage-billing-engine/pkg/billing"
	"github.com/vikram2000b/sage-billing-engine/pkg/billing/billingtest"
	"github.com/vikram2000b/sage-billing-engine/pkg/entitlement"
	"github.com/vikram2000b/sage-billing-engine/storage/memory"
)

type failingChecker struct{}

func (failingChecker) HasFeature(context.Context, string, string) (bool, error) {
	return false, errors.New("redis down")
}

func (failingChecker) UsageExceeded(context.Context, string, string) (bool, error) {
	return false, errors.New("redis down")
}

// setupService returns a service where ws_ent is on the enterprise plan with
// five SMS sends, and every other workspace is on the free tier.
func setupService(t *testing.T) *entitlement.Service {
	t.Helper()

	provider := billingtest.New()
	provider.AddCustomer("ws_ent", "cus_ent")
	provider.AddSubscription(&billing.SubscriptionView{
		ID:         "sub_ent",
		CustomerID: "cus_ent",
		Status:     billing.StatusActive,
		Items: []billing.SubscriptionItem{{
			ID:      "si_1",
			PriceID: "price_ent",
			Product: &billing.Product{ID: "prod_ent", Metadata: map[string]string{
				billing.MetadataTier: "enterprise",
				"sms_sends_limit":    "5",
			}},
		}},
		Metadata: map[string]string{billing.MetadataWorkspaceID: "ws_ent"},
	})

	store := memory.New()
	counters, err := entitlement.NewCounters(store, entitlement.CountersConfig{})
	require.NoError(t, err)
	cache, err := entitlement.NewCache(store, provider, counters, entitlement.CacheConfig{})
	require.NoError(t, err)
	return entitlement.NewService(cache, counters)
}

func newApp(cfg Config) *fiber.App {
	app := fiber.New()
	app.Get("/w/:workspace/run", RequireFeature(cfg), func(c *fiber.Ctx) error {
		return c.SendString("ran")
	})
	return app
}

func do(t *testing.T, app *fiber.App, path string) (int, []byte) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestRequireFeature_Panics(t *testing.T) {
	assert.Panics(t, func() { RequireFeature(Config{GetWorkspaceID: FromParam("workspace")}) })
	assert.Panics(t, func() { RequireFeature(Config{Checker: failingChecker{}}) })
}

func TestRequireFeature_Allows(t *testing.T) {
	app := newApp(Config{
		Checker:        setupService(t),
		GetWorkspaceID: FromParam("workspace"),
		Feature:        "sla",
		Meter:          "sms_send",
	})
	code, body := do(t, app, "/w/ws_ent/run")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ran", string(body))
}

func TestRequireFeature_Denies(t *testing.T) {
	svc := setupService(t)

	code, raw := do(t, newApp(Config{Checker: svc, GetWorkspaceID: FromParam("workspace"), Feature: "sla"}), "/w/ws_free/run")
	assert.Equal(t, http.StatusPaymentRequired, code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "sla", body["feature"])

	_, err := svc.Counters().Increment(context.Background(), "ws_ent", "sms_send", 5)
	require.NoError(t, err)
	code, raw = do(t, newApp(Config{
		Checker:          svc,
		GetWorkspaceID:   FromParam("workspace"),
		Meter:            "sms_send",
		DeniedStatusCode: http.StatusTooManyRequests,
	}), "/w/ws_ent/run")
	assert.Equal(t, http.StatusTooManyRequests, code)
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "sms_send", body["meter"])
}

func TestRequireFeature_Unauthorized(t *testing.T) {
	var called bool
	app := newApp(Config{
		Checker:        setupService(t),
		GetWorkspaceID: FromHeader("X-Workspace-ID"),
		Feature:        "sla",
		OnUnauthorized: func(c *fiber.Ctx) error {
			called = true
			return c.SendStatus(fiber.StatusForbidden)
		},
	})
	code, _ := do(t, app, "/w/ws_ent/run")
	assert.Equal(t, http.StatusForbidden, code)
	assert.True(t, called)
}

func TestRequireFeature_LookupFailure(t *testing.T) {
	code, _ := do(t, newApp(Config{Checker: failingChecker{}, GetWorkspaceID: FromParam("workspace"), Feature: "sla"}), "/w/ws_1/run")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = do(t, newApp(Config{Checker: failingChecker{}, GetWorkspaceID: FromParam("workspace"), Feature: "sla", FailOpen: true}), "/w/ws_1/run")
	assert.Equal(t, http.StatusOK, code)
}

func TestFromContext(t *testing.T) {
	app := fiber.New()
	app.Get("/run",
		func(c *fiber.Ctx) error {
			c.Locals("WorkspaceID", "ws_ent")
			return c.Next()
		},
		RequireFeature(Config{Checker: setupService(t), GetWorkspaceID: FromContext("WorkspaceID"), Feature: "sla"}),
		func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) },
	)
	code, _ := do(t, app, "/run")
	assert.Equal(t, http.StatusNoContent, code)
}
