package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-checkout-saga/internal/checkout"
	"github.com/imrishuroy/go-checkout-saga/internal/inventory"
	"github.com/imrishuroy/go-checkout-saga/internal/logging"
	"github.com/imrishuroy/go-checkout-saga/internal/orders"
	"github.com/imrishuroy/go-checkout-saga/internal/validation"
)

func (h *api) createOrder(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	hdr := validation.CheckoutHeaders{UserID: uid, IdempotencyKey: c.GetHeader(IdempotencyKeyHeader)}
	if hdr.IdempotencyKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_idempotency_key"})
		return
	}
	if err := validation.Validate(c, hdr, h.v); err != nil {
		return
	}

	res, err := h.Checkouts.Checkout(c.Request.Context(), checkout.Request{
		UserID:         uid,
		IdempotencyKey: hdr.IdempotencyKey,
	})
	if err != nil {
		h.writeCheckoutError(c, err)
		return
	}

	c.Header("Location", fmt.Sprintf("/api/orders/%s", res.Order.OrderID))
	if res.Replayed {
		c.JSON(http.StatusOK, res.Order)
		return
	}
	c.JSON(http.StatusCreated, res.Order)
}

func (h *api) getOrder(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	o, err := h.Orders.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, orders.ErrNotFound) || (err == nil && o.UserID != uid) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
		return
	}
	if err != nil {
		h.internalError(c, "order_read_failed", err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// writeCheckoutError maps checkout failures to HTTP responses.
func (h *api) writeCheckoutError(c *gin.Context, err error) {
	var (
		stock   *inventory.InsufficientStockError
		decline *checkout.PaymentDeclinedError
		persist *checkout.PostPaymentPersistenceError
	)
	switch {
	case errors.As(err, &stock):
		c.JSON(http.StatusConflict, gin.H{"error": "insufficient_stock", "product_id": stock.ProductID})
	case errors.As(err, &decline):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "payment_declined", "reason": decline.Reason})
	case errors.Is(err, checkout.ErrEmptyCart):
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_cart"})
	case errors.Is(err, checkout.ErrUnknownProduct):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_product", "detail": err.Error()})
	case errors.Is(err, checkout.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "detail": err.Error()})
	case errors.Is(err, checkout.ErrCheckoutInProgress):
		c.JSON(http.StatusAccepted, gin.H{"message": "checkout already in progress"})
	case errors.Is(err, inventory.ErrContention):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "inventory_busy"})
	case errors.Is(err, checkout.ErrPaymentUnavailable):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payment_unavailable"})
	case errors.As(err, &persist):
		h.Logger.ErrorContext(c.Request.Context(), "checkout persisted no order after payment",
			slog.String("idempotency_key", persist.IdempotencyKey),
			slog.String("order_id", persist.OrderID),
			slog.String("payment_reference", persist.PaymentReference),
			slog.String("error", persist.Err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":                   "order_persistence_failed",
			"order_id":                persist.OrderID,
			"reconciliation_required": true,
		})
	case errors.Is(err, checkout.ErrStateConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "checkout_conflict"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request_cancelled"})
	default:
		h.internalError(c, "checkout_failed", err)
	}
}

func (h *api) internalError(c *gin.Context, code string, err error) {
	h.Logger.ErrorContext(c.Request.Context(), code,
		slog.String("error", err.Error()),
		slog.String("request_id", logging.RequestIDFromContext(c.Request.Context())),
	)
	c.JSON(http.StatusInternalServerError, gin.H{"error": code})
}
