// Package config provides runtime configuration values for the service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds table names, queue wiring and checkout tuning knobs.
type Config struct {
	HTTPAddr    string
	RunLocal    bool
	LogLevel    string
	AWSRegion   string
	AWSEndpoint string

	ProductsTable     string
	ReservationsTable string
	CartsTable        string
	OrdersTable       string
	OrderKeysTable    string
	RequestsTable     string
	AttemptsTable     string

	QueueURL         string
	MetricsNamespace string

	ReservationTTL     time.Duration
	SweepInterval      time.Duration
	RequestLease       time.Duration
	IdempotencyTTL     time.Duration
	PaymentTimeout     time.Duration
	PaymentMaxAttempts int
	PaymentBackoff     time.Duration
	MaxItemQuantity    int

	PaymentBaseURL  string
	PaymentAPIKey   string
	PaymentCurrency string

	RedisAddr    string
	RedisLockTTL time.Duration
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func atoienv(key string, def int) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func boolenv(key string, def bool) bool {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func durenvms(key string, defMs int) time.Duration {
	return time.Duration(atoienv(key, defMs)) * time.Millisecond
}

func durenvs(key string, defSec int) time.Duration {
	return time.Duration(atoienv(key, defSec)) * time.Second
}

// Load collects configuration from environment with defaults.
func Load() Config {
	c := Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		RunLocal:    boolenv("RUN_LOCAL", false),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		AWSRegion:   getenv("AWS_REGION", "us-east-1"),
		AWSEndpoint: getenv("AWS_ENDPOINT_OVERRIDE", ""),

		ProductsTable:     getenv("PRODUCTS_TABLE", "products"),
		ReservationsTable: getenv("RESERVATIONS_TABLE", "reservations"),
		CartsTable:        getenv("CARTS_TABLE", "carts"),
		OrdersTable:       getenv("ORDERS_TABLE", "orders"),
		OrderKeysTable:    getenv("ORDER_KEYS_TABLE", "order_keys"),
		RequestsTable:     getenv("IDEMPOTENCY_TABLE", "checkout_requests"),
		AttemptsTable:     getenv("ATTEMPTS_TABLE", "checkout_attempts"),

		QueueURL:         getenv("ORDERS_QUEUE_URL", ""),
		MetricsNamespace: getenv("METRICS_NAMESPACE", "Storefront"),

		ReservationTTL:     durenvs("RESERVATION_TTL_SECONDS", 120),
		SweepInterval:      durenvs("SWEEP_INTERVAL_SECONDS", 30),
		RequestLease:       durenvs("REQUEST_LEASE_SECONDS", 60),
		IdempotencyTTL:     time.Duration(atoienv("IDEMPOTENCY_TTL_HOURS", 48)) * time.Hour,
		PaymentTimeout:     durenvms("PAYMENT_TIMEOUT_MS", 5000),
		PaymentMaxAttempts: atoienv("PAYMENT_MAX_ATTEMPTS", 3),
		PaymentBackoff:     durenvms("PAYMENT_BACKOFF_MS", 200),
		MaxItemQuantity:    atoienv("MAX_ITEM_QUANTITY", 10),

		PaymentBaseURL:  getenv("PAYMENT_BASE_URL", ""),
		PaymentAPIKey:   getenv("PAYMENT_API_KEY", ""),
		PaymentCurrency: getenv("PAYMENT_CURRENCY", "USD"),

		RedisAddr:    getenv("REDIS_ADDR", ""),
		RedisLockTTL: durenvms("REDIS_LOCK_TTL_MS", 5000),
	}
	if c.PaymentMaxAttempts < 1 {
		c.PaymentMaxAttempts = 1
	}
	// the lease and the reservation must both outlive the whole payment retry budget
	budget := c.PaymentBudget()
	if c.RequestLease < budget {
		c.RequestLease = budget
	}
	if c.ReservationTTL < budget {
		c.ReservationTTL = budget
	}
	return c
}

// PaymentBudget is the longest a checkout can spend in the payment step.
func (c Config) PaymentBudget() time.Duration {
	return time.Duration(c.PaymentMaxAttempts) * (c.PaymentTimeout + c.PaymentBackoff)
}
