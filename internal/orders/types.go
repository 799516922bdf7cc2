package orders

import (
	"errors"
	"time"

	"github.com/imrishuroy/go-checkout-saga/internal/money"
)

// Order statuses
const (
	StatusPendingPayment = "PENDING_PAYMENT"
	StatusPaid           = "PAID"
	StatusFailed         = "FAILED"
	StatusCancelled      = "CANCELLED"
)

var (
	// ErrNotFound is returned by Get and UpdateStatus for unknown order ids.
	ErrNotFound = errors.New("order not found")
	// ErrConflictingOrder means an order already exists for the idempotency key (or id).
	ErrConflictingOrder = errors.New("conflicting order")
	// ErrInvalidTransition rejects backward moves and moves out of a terminal status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStatusMismatch means another writer changed the status between read and write.
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
)

var transitions = map[string][]string{
	StatusPendingPayment: {StatusPaid, StatusFailed, StatusCancelled},
	StatusFailed:         {StatusCancelled},
}

// IsTerminal reports whether no transition leaves status.
func IsTerminal(status string) bool {
	return status == StatusPaid || status == StatusCancelled
}

// CanTransition reports whether from -> to is a permitted forward move.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Item is a purchased line; UnitPrice is the catalog price at checkout time.
type Item struct {
	ProductID string       `dynamodbav:"product_id" json:"product_id"`
	Name      string       `dynamodbav:"name,omitempty" json:"name,omitempty"`
	Quantity  int          `dynamodbav:"quantity" json:"quantity"`
	UnitPrice money.Amount `dynamodbav:"unit_price_cents" json:"unit_price"`
}

// Subtotal returns UnitPrice * Quantity.
func (i Item) Subtotal() money.Amount { return i.UnitPrice.Mul(i.Quantity) }

// Order represents the item stored in the orders table.
type Order struct {
	OrderID          string       `dynamodbav:"order_id" json:"order_id"` // PK
	UserID           string       `dynamodbav:"user_id" json:"user_id"`
	Items            []Item       `dynamodbav:"items" json:"items"`
	Total            money.Amount `dynamodbav:"total_cents" json:"total"`
	Status           string       `dynamodbav:"status" json:"status"`
	PaymentReference string       `dynamodbav:"payment_reference,omitempty" json:"payment_reference,omitempty"`
	IdempotencyKey   string       `dynamodbav:"idempotency_key" json:"-"`
	CreatedAt        time.Time    `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt        time.Time    `dynamodbav:"updated_at" json:"updated_at"`
}

// orderKey is the guard row that makes order creation unique per idempotency key.
type orderKey struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK
	OrderID        string    `dynamodbav:"order_id"`
	CreatedAt      time.Time `dynamodbav:"created_at"`
}
