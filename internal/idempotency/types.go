package idempotency

import (
	"errors"
	"time"

	"github.com/imrishuroy/go-checkout-saga/internal/money"
	"github.com/imrishuroy/go-checkout-saga/internal/orders"
)

// Status values for checkout request records
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// Payment outcomes recorded against a request.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeDeclined  = "declined"
)

var (
	// ErrNotOwner is returned when a write is attempted by an attempt that no longer
	// holds the request (its lease expired and another attempt reclaimed it).
	ErrNotOwner = errors.New("request is owned by another attempt")
	// ErrUserMismatch means the idempotency key was first used by a different user.
	ErrUserMismatch = errors.New("idempotency key belongs to another user")
)

// Record is the checkout request record persisted in the idempotency table. It doubles as
// the durable payment attempt: the payment key, the priced snapshot and the payment
// outcome survive every retry of the same key.
type Record struct {
	IdempotencyKey    string        `dynamodbav:"idempotency_key"` // PK
	Status            string        `dynamodbav:"status"`
	UserID            string        `dynamodbav:"user_id"`
	AttemptID         string        `dynamodbav:"attempt_id"`
	PreviousAttemptID string        `dynamodbav:"previous_attempt_id,omitempty"`
	Attempts          int           `dynamodbav:"attempts"`
	OrderID           string        `dynamodbav:"order_id,omitempty"`
	PaymentKey        string        `dynamodbav:"payment_key,omitempty"`
	Amount            money.Amount  `dynamodbav:"amount_cents,omitempty"`
	Lines             []orders.Item `dynamodbav:"lines,omitempty"`
	PaymentOutcome    string        `dynamodbav:"payment_outcome,omitempty"`
	PaymentReference  string        `dynamodbav:"payment_reference,omitempty"`
	ReservedBy        string        `dynamodbav:"reserved_by,omitempty"` // attempt holding the paid-for reservation
	Committed         bool          `dynamodbav:"reservation_committed,omitempty"`
	ResponseBody      string        `dynamodbav:"response_body,omitempty"`
	ResponseStatus    int           `dynamodbav:"response_status,omitempty"`
	LeaseExpiresAt    int64         `dynamodbav:"lease_expires_at"` // unix millis
	CreatedAt         time.Time     `dynamodbav:"created_at"`
	UpdatedAt         time.Time     `dynamodbav:"updated_at"`
	ExpiresAt         int64         `dynamodbav:"expires_at"` // TTL epoch seconds
	Note              string        `dynamodbav:"note,omitempty"`
}

// HasSnapshot reports whether the priced lines and payment key were stored.
func (r *Record) HasSnapshot() bool { return r.PaymentKey != "" && len(r.Lines) > 0 }

// Paid reports whether a payment for this request succeeded.
func (r *Record) Paid() bool {
	return r.PaymentOutcome == OutcomeSucceeded && r.PaymentReference != ""
}

// LeaseActive reports whether an IN_PROGRESS attempt still holds the request at now.
func (r *Record) LeaseActive(now time.Time) bool {
	return r.Status == StatusInProgress && now.UnixMilli() <= r.LeaseExpiresAt
}
