package checkout

import (
	"errors"
	"fmt"

	"github.com/imrishuroy/go-checkout-saga/internal/payment"
)

var (
	// ErrValidation is the parent of every input error the caller can fix.
	ErrValidation = errors.New("validation failed")
	// ErrEmptyCart: nothing to check out. No reservation or payment happened.
	ErrEmptyCart = fmt.Errorf("%w: cart is empty", ErrValidation)
	// ErrUnknownProduct: a cart line points at a product that no longer exists.
	ErrUnknownProduct = fmt.Errorf("%w: unknown product", ErrValidation)
	// ErrCheckoutInProgress: another attempt holds the idempotency key right now.
	ErrCheckoutInProgress = errors.New("checkout already in progress")
	// ErrPaymentUnavailable: the gateway kept failing transiently. Nothing was charged
	// and the same key may be retried.
	ErrPaymentUnavailable = errors.New("payment provider unavailable")
	// ErrPostPaymentPersistence: the customer was charged but the order could not be stored.
	ErrPostPaymentPersistence = errors.New("order persistence failed after payment")
	// ErrStateConflict: a conditional attempt state write lost against another writer.
	ErrStateConflict = errors.New("attempt state changed concurrently")
)

// PaymentDeclinedError carries the provider's reason for a decline.
type PaymentDeclinedError struct {
	Reason string
}

func (e *PaymentDeclinedError) Error() string {
	if e.Reason == "" {
		return payment.ErrDeclined.Error()
	}
	return fmt.Sprintf("%s: %s", payment.ErrDeclined, e.Reason)
}

func (e *PaymentDeclinedError) Unwrap() error { return payment.ErrDeclined }

// PostPaymentPersistenceError identifies a paid checkout whose order is missing. It has
// already been reported for reconciliation when returned.
type PostPaymentPersistenceError struct {
	IdempotencyKey   string
	OrderID          string
	PaymentReference string
	Err              error
}

func (e *PostPaymentPersistenceError) Error() string {
	return fmt.Sprintf("%s (order %s, payment %s): %v", ErrPostPaymentPersistence, e.OrderID, e.PaymentReference, e.Err)
}

func (e *PostPaymentPersistenceError) Unwrap() []error {
	return []error{ErrPostPaymentPersistence, e.Err}
}
