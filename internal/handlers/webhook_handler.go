package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-checkout-saga/internal/aws"
	"github.com/imrishuroy/go-checkout-saga/internal/logging"
	"github.com/imrishuroy/go-checkout-saga/internal/validation"
)

// paymentWebhook accepts provider callbacks and leaves the status change to the worker.
func (h *api) paymentWebhook(c *gin.Context) {
	var req validation.PaymentWebhookRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	ctx := c.Request.Context()

	attrs := map[string]string{
		"order_id":       req.OrderID,
		"correlation_id": logging.RequestIDFromContext(ctx),
	}
	if err := h.Publisher.Publish(ctx, aws.MessageTypePaymentEvent, req, attrs); err != nil {
		h.internalError(c, "enqueue_failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "order_id": req.OrderID})
}
