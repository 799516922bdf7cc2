// Package app wires configuration, AWS clients and the storefront components into one
// graph shared by the api, worker and sweeper binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/imrishuroy/go-checkout-saga/internal/aws"
	"github.com/imrishuroy/go-checkout-saga/internal/cart"
	"github.com/imrishuroy/go-checkout-saga/internal/catalog"
	"github.com/imrishuroy/go-checkout-saga/internal/checkout"
	"github.com/imrishuroy/go-checkout-saga/internal/config"
	"github.com/imrishuroy/go-checkout-saga/internal/handlers"
	"github.com/imrishuroy/go-checkout-saga/internal/idempotency"
	"github.com/imrishuroy/go-checkout-saga/internal/inventory"
	"github.com/imrishuroy/go-checkout-saga/internal/metrics"
	"github.com/imrishuroy/go-checkout-saga/internal/orders"
	"github.com/imrishuroy/go-checkout-saga/internal/payment"
)

const cartLockPrefix = "cart-lock:"

type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	Carts       *cart.Store
	Catalog     *catalog.Store
	Ledger      *inventory.Ledger
	Orders      *orders.Store
	Requests    *idempotency.Store
	Attempts    *checkout.AttemptStore
	Publisher   *aws.Publisher
	Gateway     payment.Gateway
	Coordinator *checkout.Coordinator

	redis *redis.Client
}

// New builds the component graph on top of clients.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, clients *aws.AWSClients) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(),
	}

	var locker cart.Locker
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			_ = a.redis.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		locker = cart.NewRedisLocker(a.redis, cartLockPrefix, cfg.RedisLockTTL)
		logger.Info("cart locks backed by redis", "addr", cfg.RedisAddr)
	}

	a.Carts = cart.NewStore(clients.DynamoDB, cfg.CartsTable, cfg.MaxItemQuantity, locker)
	a.Catalog = catalog.NewStore(clients.DynamoDB, cfg.ProductsTable)
	a.Ledger = inventory.NewLedger(clients.DynamoDB, cfg.ProductsTable, cfg.ReservationsTable, cfg.ReservationTTL, logger)
	a.Orders = orders.NewStore(clients.DynamoDB, cfg.OrdersTable, cfg.OrderKeysTable)
	a.Requests = idempotency.NewStore(clients.DynamoDB, cfg.RequestsTable, cfg.IdempotencyTTL)
	a.Attempts = checkout.NewAttemptStore(clients.DynamoDB, cfg.AttemptsTable, cfg.IdempotencyTTL)
	a.Publisher = aws.NewPublisher(clients.SQS, cfg.QueueURL)

	if cfg.PaymentBaseURL != "" {
		a.Gateway = payment.NewHTTPGateway(cfg.PaymentBaseURL, cfg.PaymentAPIKey, cfg.PaymentCurrency, cfg.PaymentTimeout)
	} else {
		logger.Warn("PAYMENT_BASE_URL not set, using the in-memory payment simulator")
		a.Gateway = payment.NewSimulator()
	}

	var reconciler checkout.Reconciler = checkout.LogReconciler{Logger: logger}
	if cfg.QueueURL != "" {
		reconciler = checkout.NewQueueReconciler(a.Publisher, aws.NewMetricEmitter(clients.CloudWatch, cfg.MetricsNamespace), logger)
	}

	a.Coordinator = checkout.NewCoordinator(checkout.Deps{
		Carts:      a.Carts,
		Catalog:    a.Catalog,
		Ledger:     a.Ledger,
		Orders:     a.Orders,
		Requests:   a.Requests,
		Attempts:   a.Attempts,
		Gateway:    a.Gateway,
		Reconciler: reconciler,
		Metrics:    a.Metrics,
		Logger:     logger,
	}, checkout.Config{
		RequestLease:       cfg.RequestLease,
		PaymentTimeout:     cfg.PaymentTimeout,
		PaymentMaxAttempts: cfg.PaymentMaxAttempts,
		PaymentBackoff:     cfg.PaymentBackoff,
	})
	return a, nil
}

// HandlerConfig returns the dependencies of the HTTP routes.
func (a *App) HandlerConfig() handlers.HandlerConfig {
	return handlers.HandlerConfig{
		Carts:     a.Carts,
		Products:  a.Catalog,
		Checkouts: a.Coordinator,
		Orders:    a.Orders,
		Publisher: a.Publisher,
		Logger:    a.Logger,
	}
}

// Close releases the redis connection pool, if any.
func (a *App) Close() error {
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}
