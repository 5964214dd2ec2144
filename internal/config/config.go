// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/vikram2000b/sage-billing-engine/pkg/events"
)

// Queue backends.
const (
	QueueSQS    = "sqs"
	QueueRedis  = "redis"
	QueueMemory = "memory"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Redis backs the entitlement cache and counters; in-memory when unset
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	RedisClusterMode bool // TLS, as required by managed cluster endpoints

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeMeters        map[events.UsageEventType]string

	// Razorpay
	RazorpayWebhookSecret string

	// Queues. An empty queue name disables its consumer; webhooks for an
	// unset billing or payment queue are handled in-process.
	QueueBackend       string
	AWSRegion          string
	UsageEventsQueue   string
	BillingEventsQueue string
	PaymentEventsQueue string

	// Cache and counters
	EntitlementCacheTTL time.Duration
	UsageCounterTTL     time.Duration

	// Consumers
	ConsumerBatchSize         int
	ConsumerWaitTime          time.Duration
	ConsumerVisibilityTimeout time.Duration
	ConsumerPollBackoff       time.Duration

	// Observability
	OTLPEndpoint     string
	MetricsNamespace string
}

// Defaults
const (
	DefaultPort                      = "8080"
	DefaultEnv                       = "development"
	DefaultLogLevel                  = "info"
	DefaultAWSRegion                 = "ap-south-1"
	DefaultEntitlementCacheTTL       = 120 * time.Second
	DefaultUsageCounterTTL           = 35 * 24 * time.Hour
	DefaultConsumerBatchSize         = 10
	DefaultConsumerWaitTime          = 20 * time.Second
	DefaultConsumerVisibilityTimeout = 60 * time.Second
	DefaultConsumerPollBackoff       = 5 * time.Second
	DefaultMetricsNamespace          = "sage_billing"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnv("PORT", DefaultPort),
		Env:      getEnv("ENV", DefaultEnv),
		LogLevel: getEnv("LOG_LEVEL", DefaultLogLevel),

		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          getEnvInt("REDIS_DB", 0),
		RedisClusterMode: getEnvBool("REDIS_CLUSTER_MODE", false),

		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeMeters: map[events.UsageEventType]string{
			events.UsageAICredits:       getEnv("STRIPE_METER_AI_CREDITS", "ai_credits"),
			events.UsageWhatsAppMessage: getEnv("STRIPE_METER_WHATSAPP_MESSAGES", "whatsapp_messages"),
			events.UsageEmailSend:       getEnv("STRIPE_METER_EMAIL_SENDS", "email_sends"),
			events.UsageSMSSend:         getEnv("STRIPE_METER_SMS_SENDS", "sms_sends"),
		},

		RazorpayWebhookSecret: os.Getenv("RAZORPAY_WEBHOOK_SECRET"),

		QueueBackend:       strings.ToLower(getEnv("QUEUE_BACKEND", QueueSQS)),
		AWSRegion:          getEnv("AWS_REGION", DefaultAWSRegion),
		UsageEventsQueue:   os.Getenv("USAGE_EVENTS_QUEUE"),
		BillingEventsQueue: os.Getenv("BILLING_EVENTS_QUEUE"),
		PaymentEventsQueue: os.Getenv("PAYMENT_EVENTS_QUEUE"),

		EntitlementCacheTTL: getEnvDuration("ENTITLEMENT_CACHE_TTL", DefaultEntitlementCacheTTL),
		UsageCounterTTL:     getEnvDuration("USAGE_COUNTER_TTL", DefaultUsageCounterTTL),

		ConsumerBatchSize:         getEnvInt("CONSUMER_BATCH_SIZE", DefaultConsumerBatchSize),
		ConsumerWaitTime:          getEnvDuration("CONSUMER_WAIT_TIME", DefaultConsumerWaitTime),
		ConsumerVisibilityTimeout: getEnvDuration("CONSUMER_VISIBILITY_TIMEOUT", DefaultConsumerVisibilityTimeout),
		ConsumerPollBackoff:       getEnvDuration("CONSUMER_POLL_BACKOFF", DefaultConsumerPollBackoff),

		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		MetricsNamespace: getEnv("METRICS_NAMESPACE", DefaultMetricsNamespace),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required")
	}

	switch c.QueueBackend {
	case QueueSQS:
		if c.AWSRegion == "" {
			return fmt.Errorf("AWS_REGION is required for the sqs queue backend")
		}
		for env, q := range c.queueEnv() {
			if q != "" && !isQueueURL(q) {
				return fmt.Errorf("%s must be a queue URL for the sqs queue backend (got %q)", env, q)
			}
		}
	case QueueRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis queue backend")
		}
	case QueueMemory:
		if c.IsProduction() {
			return fmt.Errorf("QUEUE_BACKEND=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("QUEUE_BACKEND must be one of sqs, redis, memory (got %q)", c.QueueBackend)
	}

	if c.EntitlementCacheTTL <= 0 {
		return fmt.Errorf("ENTITLEMENT_CACHE_TTL must be positive")
	}
	if c.UsageCounterTTL <= 0 {
		return fmt.Errorf("USAGE_COUNTER_TTL must be positive")
	}
	if c.ConsumerBatchSize < 1 || c.ConsumerBatchSize > 10 {
		return fmt.Errorf("CONSUMER_BATCH_SIZE must be between 1 and 10")
	}

	return nil
}

func (c *Config) queueEnv() map[string]string {
	return map[string]string{
		"USAGE_EVENTS_QUEUE":   c.UsageEventsQueue,
		"BILLING_EVENTS_QUEUE": c.BillingEventsQueue,
		"PAYMENT_EVENTS_QUEUE": c.PaymentEventsQueue,
	}
}

func isQueueURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != "" && strings.Trim(u.Path, "/") != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
