package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vikram2000b/sage-billing-engine/internal/config"
	"github.com/vikram2000b/sage-billing-engine/pkg/api"
	"github.com/vikram2000b/sage-billing-engine/pkg/billing"
	billingprom "github.com/vikram2000b/sage-billing-engine/pkg/billing/metrics/prometheus"
	"github.com/vikram2000b/sage-billing-engine/pkg/billing/stripe"
	"github.com/vikram2000b/sage-billing-engine/pkg/catalog"
	"github.com/vikram2000b/sage-billing-engine/pkg/entitlement"
	entitlementprom "github.com/vikram2000b/sage-billing-engine/pkg/entitlement/metrics/prometheus"
	"github.com/vikram2000b/sage-billing-engine/pkg/lifecycle"
	"github.com/vikram2000b/sage-billing-engine/pkg/logging"
	zlog "github.com/vikram2000b/sage-billing-engine/pkg/logging/zerolog"
	"github.com/vikram2000b/sage-billing-engine/pkg/notify"
	"github.com/vikram2000b/sage-billing-engine/pkg/payments"
	"github.com/vikram2000b/sage-billing-engine/pkg/queue"
	qmemory "github.com/vikram2000b/sage-billing-engine/pkg/queue/memory"
	queueprom "github.com/vikram2000b/sage-billing-engine/pkg/queue/metrics/prometheus"
	"github.com/vikram2000b/sage-billing-engine/pkg/queue/redisstream"
	"github.com/vikram2000b/sage-billing-engine/pkg/queue/sqs"
	"github.com/vikram2000b/sage-billing-engine/pkg/subscription"
	"github.com/vikram2000b/sage-billing-engine/pkg/usage"
	"github.com/vikram2000b/sage-billing-engine/pkg/webhook"
	"github.com/vikram2000b/sage-billing-engine/storage/memory"
	redisstore "github.com/vikram2000b/sage-billing-engine/storage/redis"
)

const (
	breakerFailureThreshold = 5
	breakerResetTimeout     = 30 * time.Second
)

// app is the fully wired engine shared by every command.
type app struct {
	cfg      *config.Config
	logger   logging.Logger
	registry *prometheus.Registry

	redis     redis.UniversalClient
	transport queue.Transport
	provider  billing.Provider

	entitlements  *entitlement.Service
	recorder      *usage.Recorder
	lifecycle     *lifecycle.Handler
	payments      *payments.Handler
	subscriptions *subscription.Service
	webhooks      *webhook.Receiver
	api           *api.Handler
	queueMetrics  queue.Metrics
}

func newLogger(cfg *config.Config) logging.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var zl zerolog.Logger
	if cfg.IsDevelopment() {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		zl = zerolog.New(os.Stdout)
	}
	zl = zl.Level(level).With().Timestamp().Str("service", "billing-engine").Logger()
	return zlog.NewLogger(zl)
}

func newRedisClient(cfg *config.Config) redis.UniversalClient {
	if cfg.RedisClusterMode {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:     []string{cfg.RedisAddr},
			Password:  cfg.RedisPassword,
			TLSConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		})
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func buildApp(ctx context.Context, cfg *config.Config, logger logging.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ns := cfg.MetricsNamespace

	if cfg.RedisAddr != "" {
		a.redis = newRedisClient(cfg)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	// Entitlement snapshots and counters
	entMetrics := entitlementprom.NewMetrics(a.registry, ns)
	store, err := a.buildStore(entMetrics)
	if err != nil {
		return nil, err
	}

	billingMetrics := billingprom.NewMetrics(a.registry, ns)
	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			APIKey:        cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			Metrics:       billingMetrics,
			Logger:        logger,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("stripe provider: %w", err)
	}
	a.provider = provider

	counters, err := entitlement.NewCounters(store, entitlement.CountersConfig{
		TTL:     cfg.UsageCounterTTL,
		Metrics: entMetrics,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	cache, err := entitlement.NewCache(store, provider, counters, entitlement.CacheConfig{
		TTL:     cfg.EntitlementCacheTTL,
		Metrics: entMetrics,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	a.entitlements = entitlement.NewService(cache, counters)

	// Queues
	a.transport, err = a.buildTransport(ctx)
	if err != nil {
		return nil, err
	}
	a.queueMetrics = queueprom.NewMetrics(a.registry, ns)

	// Handlers
	notifier := notify.LogNotifier{Logger: logger}

	a.recorder, err = usage.NewRecorder(provider, counters, a.transport, usage.Config{
		Queue:  cfg.UsageEventsQueue,
		Meters: cfg.StripeMeters,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	a.lifecycle, err = lifecycle.NewHandler(cache, counters, lifecycle.Config{
		Notifier: notifier,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	a.payments, err = payments.NewHandler(provider, cache, payments.Config{
		Notifier: notifier,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	a.subscriptions, err = subscription.NewService(provider, cache, logger)
	if err != nil {
		return nil, err
	}

	// Inbound surfaces
	whCfg := webhook.DefaultConfig()
	whCfg.BillingQueue = cfg.BillingEventsQueue
	whCfg.PaymentQueue = cfg.PaymentEventsQueue
	whCfg.RazorpaySecret = cfg.RazorpayWebhookSecret
	whCfg.Metrics = billingMetrics
	whCfg.Logger = logger
	a.webhooks, err = webhook.NewReceiver(provider, a.transport, a.lifecycle, a.payments, whCfg)
	if err != nil {
		return nil, err
	}

	plans, err := catalog.New(provider, store, catalog.Config{Logger: logger})
	if err != nil {
		return nil, err
	}

	a.api, err = api.NewHandler(api.Config{
		Entitlements:  a.entitlements,
		Usage:         a.recorder,
		Subscriptions: a.subscriptions,
		Payments:      a.payments,
		Catalog:       plans,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// buildStore returns the Redis store behind a circuit breaker, or the
// in-memory store when no Redis address is configured.
func (a *app) buildStore(metrics entitlement.Metrics) (entitlement.Store, error) {
	if a.redis == nil {
		a.logger.Warn("REDIS_ADDR not set, using in-memory entitlement store")
		return memory.New(), nil
	}
	rs, err := redisstore.New(a.redis, redisstore.DefaultConfig())
	if err != nil {
		return nil, err
	}
	cb := entitlement.NewCircuitBreaker(breakerFailureThreshold, breakerResetTimeout, func(state entitlement.CircuitBreakerState) {
		a.logger.Warn("entitlement store circuit breaker changed state", logging.F("state", string(state)))
	})
	return entitlement.NewGuardedStore(rs, cb, metrics), nil
}

func (a *app) buildTransport(ctx context.Context) (queue.Transport, error) {
	switch a.cfg.QueueBackend {
	case config.QueueSQS:
		return sqs.NewFromEnv(ctx, a.cfg.AWSRegion)
	case config.QueueRedis:
		if a.redis == nil {
			return nil, fmt.Errorf("redis queue backend requires REDIS_ADDR")
		}
		return redisstream.New(a.redis, redisstream.DefaultConfig())
	case config.QueueMemory:
		a.logger.Warn("using in-memory queues; events are lost on restart")
		return qmemory.New(), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", a.cfg.QueueBackend)
	}
}

// consumers builds one consumer per configured inbound queue.
func (a *app) consumers() ([]*queue.Consumer, error) {
	routes := []struct {
		name    string
		handler queue.Handler
	}{
		{a.cfg.UsageEventsQueue, a.recorder.Handle},
		{a.cfg.BillingEventsQueue, a.lifecycle.Handle},
		{a.cfg.PaymentEventsQueue, a.payments.Handle},
	}

	out := make([]*queue.Consumer, 0, len(routes))
	for _, r := range routes {
		if r.name == "" {
			continue
		}
		c, err := queue.NewConsumer(a.transport, queue.ConsumerConfig{
			Queue:             r.name,
			Handler:           r.handler,
			BatchSize:         a.cfg.ConsumerBatchSize,
			WaitTime:          a.cfg.ConsumerWaitTime,
			VisibilityTimeout: a.cfg.ConsumerVisibilityTimeout,
			PollBackoff:       a.cfg.ConsumerPollBackoff,
			Logger:            a.logger,
			Metrics:           a.queueMetrics,
		})
		if err != nil {
			return nil, fmt.Errorf("consumer %s: %w", r.name, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis client", logging.Err(err))
		}
	}
}

// setup loads configuration and wires the engine for a command.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return buildApp(ctx, cfg, newLogger(cfg))
}
