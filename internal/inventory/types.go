package inventory

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientStock is wrapped by *InsufficientStockError.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrReservationLost means commit found no reservation record for some items:
	// it expired and was swept, or was released concurrently.
	ErrReservationLost = errors.New("reservation lost before commit")
	// ErrContention means transactions on the same rows kept cancelling each other. Nothing
	// was written and the call may be retried.
	ErrContention = errors.New("inventory transaction contention")
	// ErrInvalidReservation rejects malformed reserve requests.
	ErrInvalidReservation = errors.New("invalid reservation request")
)

// InsufficientStockError names the first product that could not be reserved.
type InsufficientStockError struct {
	ProductID string
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s", e.ProductID)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// LostReservationError lists the products whose reservation was gone at commit time.
type LostReservationError struct {
	AttemptID  string
	ProductIDs []string
}

func (e *LostReservationError) Error() string {
	return fmt.Sprintf("attempt %s: reservation lost for %v", e.AttemptID, e.ProductIDs)
}

func (e *LostReservationError) Unwrap() error { return ErrReservationLost }

// Item is one product/quantity pair to hold.
type Item struct {
	ProductID string `json:"product_id" dynamodbav:"product_id"`
	Quantity  int    `json:"quantity" dynamodbav:"quantity"`
}

// ReservationSet is the caller's handle on the reservations of one checkout attempt.
// The reservation rows themselves never leave this package.
type ReservationSet struct {
	AttemptID string `json:"attempt_id" dynamodbav:"attempt_id"`
	Items     []Item `json:"items" dynamodbav:"items"`
}

// reservation is the row shape of the reservations table.
type reservation struct {
	ReservationID string `dynamodbav:"reservation_id"` // PK: attempt_id#product_id
	AttemptID     string `dynamodbav:"attempt_id"`
	ProductID     string `dynamodbav:"product_id"`
	Quantity      int    `dynamodbav:"quantity"`
	ExpiresAt     int64  `dynamodbav:"expires_at"` // unix seconds
	CreatedAt     int64  `dynamodbav:"created_at"`
}

func reservationID(attemptID, productID string) string {
	return attemptID + "#" + productID
}
