// Package payment defines the contract of the external payment provider and two
// implementations: an HTTP client and an in-memory simulator.
package payment

import (
	"context"
	"errors"

	"github.com/imrishuroy/go-checkout-saga/internal/money"
)

// Outcomes returned by a gateway.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeDeclined  = "declined"
)

var (
	// ErrTransient covers timeouts, network failures and provider-side errors. The call
	// may be retried with the same idempotency key.
	ErrTransient = errors.New("payment gateway temporarily unavailable")
	// ErrDeclined is the definitive refusal of a charge.
	ErrDeclined = errors.New("payment declined")
)

// Result is what the provider reports for a charge.
type Result struct {
	Outcome   string `json:"outcome"`
	Reference string `json:"reference,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Gateway authorizes and captures amount in one step. Calls with the same key charge at
// most once; a repeated call returns the result of the first.
type Gateway interface {
	AuthorizeAndCapture(ctx context.Context, amount money.Amount, key string) (Result, error)
}
