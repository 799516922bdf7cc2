// Package handlers exposes the storefront over HTTP with gin. Every route lives under
// /api and trusts the X-User-Id header set by the auth layer in front of it.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/go-checkout-saga/internal/cart"
	"github.com/imrishuroy/go-checkout-saga/internal/catalog"
	"github.com/imrishuroy/go-checkout-saga/internal/checkout"
	"github.com/imrishuroy/go-checkout-saga/internal/orders"
	"github.com/imrishuroy/go-checkout-saga/internal/validation"
)

// UserIDHeader carries the authenticated user id.
const UserIDHeader = "X-User-Id"

// IdempotencyKeyHeader is required on POST /api/orders.
const IdempotencyKeyHeader = "Idempotency-Key"

// Carts is the cart API used by the cart routes.
type Carts interface {
	Get(ctx context.Context, userID string) (cart.Cart, error)
	UpsertItem(ctx context.Context, userID, productID string, qty int) (cart.Cart, error)
	RemoveItem(ctx context.Context, userID, productID string) (cart.Cart, error)
}

// Products looks up catalog rows so unknown ids are rejected at the cart.
type Products interface {
	Get(ctx context.Context, productID string) (*catalog.Product, error)
}

// Checkouts runs a checkout for one idempotency key.
type Checkouts interface {
	Checkout(ctx context.Context, req checkout.Request) (*checkout.Result, error)
}

// Orders reads persisted orders.
type Orders interface {
	Get(ctx context.Context, orderID string) (*orders.Order, error)
}

// EventPublisher enqueues messages for the worker.
type EventPublisher interface {
	Publish(ctx context.Context, msgType string, payload interface{}, attributes map[string]string) error
}

// HandlerConfig groups dependencies for the API routes.
type HandlerConfig struct {
	Carts     Carts
	Products  Products
	Checkouts Checkouts
	Orders    Orders
	Publisher EventPublisher
	Logger    *slog.Logger
}

type api struct {
	HandlerConfig
	v *validatorv10.Validate
}

// RegisterRoutes mounts the /api routes on r.
func RegisterRoutes(r gin.IRouter, cfg HandlerConfig) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &api{HandlerConfig: cfg, v: validation.New()}

	g := r.Group("/api")
	g.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	g.GET("/cart", h.getCart)
	g.POST("/cart", h.upsertCartItem)
	g.DELETE("/cart/:product_id", h.removeCartItem)

	g.POST("/orders", h.createOrder)
	g.GET("/orders/:id", h.getOrder)

	g.POST("/payment/webhook", h.paymentWebhook)
}

// userID returns the caller or writes a 401.
func userID(c *gin.Context) (string, bool) {
	id := c.GetHeader(UserIDHeader)
	if id == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing_user"})
		return "", false
	}
	return id, true
}
