package validation

// CartItemRequest is the payload for POST /api/cart. A quantity of zero or less removes
// the line; only a missing quantity is rejected.
type CartItemRequest struct {
	ProductID string `json:"product_id" validate:"required,max=64"`
	Quantity  *int   `json:"quantity" validate:"required"`
}

// CheckoutHeaders carries the identity and idempotency headers of POST /api/orders.
type CheckoutHeaders struct {
	UserID         string `json:"user_id" validate:"required,max=128"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,idempotency_key"`
}

// Payment webhook statuses.
const (
	WebhookSucceeded = "succeeded"
	WebhookFailed    = "failed"
)

// PaymentWebhookRequest is the payload the payment provider posts to /api/payment/webhook.
type PaymentWebhookRequest struct {
	OrderID          string `json:"order_id" validate:"required"`
	PaymentReference string `json:"payment_reference"`
	Status           string `json:"status" validate:"required,oneof=succeeded failed"`
	Reason           string `json:"reason,omitempty" validate:"max=256"`
}
