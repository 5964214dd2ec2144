package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikram2000b/sage-billing-engine/internal/config"
	"github.com/vikram2000b/sage-billing-engine/pkg/events"
	"github.com/vikram2000b/sage-billing-engine/pkg/logging"
	qmemory "github.com/vikram2000b/sage-billing-engine/pkg/queue/memory"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:                       config.DefaultEnv,
		LogLevel:                  "debug",
		StripeSecretKey:           "sk_test_123",
		StripeWebhookSecret:       "whsec_test",
		StripeMeters:              map[events.UsageEventType]string{events.UsageAICredits: "ai_credits"},
		QueueBackend:              config.QueueMemory,
		UsageEventsQueue:          "usage",
		BillingEventsQueue:        "billing",
		PaymentEventsQueue:        "payment",
		EntitlementCacheTTL:       config.DefaultEntitlementCacheTTL,
		UsageCounterTTL:           config.DefaultUsageCounterTTL,
		ConsumerBatchSize:         config.DefaultConsumerBatchSize,
		ConsumerWaitTime:          config.DefaultConsumerWaitTime,
		ConsumerVisibilityTimeout: config.DefaultConsumerVisibilityTimeout,
		ConsumerPollBackoff:       config.DefaultConsumerPollBackoff,
		MetricsNamespace:          "test",
	}
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "billing-engine "+Version)
}

func TestBuildApp_InMemory(t *testing.T) {
	a, err := buildApp(context.Background(), testConfig(), &logging.NoopLogger{})
	require.NoError(t, err)
	defer a.close()

	assert.Nil(t, a.redis)
	assert.IsType(t, &qmemory.Transport{}, a.transport)

	consumers, err := a.consumers()
	require.NoError(t, err)
	assert.Len(t, consumers, 3)
}

func TestBuildApp_WithoutQueues(t *testing.T) {
	cfg := testConfig()
	cfg.UsageEventsQueue = ""
	cfg.BillingEventsQueue = ""
	cfg.PaymentEventsQueue = "payment"

	a, err := buildApp(context.Background(), cfg, &logging.NoopLogger{})
	require.NoError(t, err)
	defer a.close()

	consumers, err := a.consumers()
	require.NoError(t, err)
	require.Len(t, consumers, 1)
	assert.Equal(t, "payment", consumers[0].Queue())
}

func TestBuildApp_UnknownQueueBackend(t *testing.T) {
	cfg := testConfig()
	cfg.QueueBackend = "kafka"
	_, err := buildApp(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestRouter(t *testing.T) {
	a, err := buildApp(context.Background(), testConfig(), &logging.NoopLogger{})
	require.NoError(t, err)
	h := a.router()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString("{}")))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing signature is rejected before any provider call")
}

func TestNewLogger(t *testing.T) {
	cfg := testConfig()
	cfg.LogLevel = "nonsense"
	assert.NotNil(t, newLogger(cfg))
	cfg.Env = "production"
	assert.NotNil(t, newLogger(cfg))
}
