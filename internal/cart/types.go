package cart

import (
	"errors"
	"time"
)

var (
	// ErrQuantityLimitExceeded rejects a line above the per-item maximum.
	ErrQuantityLimitExceeded = errors.New("quantity limit exceeded")
	// ErrConcurrentUpdate is returned when the optimistic version check keeps losing.
	ErrConcurrentUpdate = errors.New("cart modified concurrently")
)

// Item is one cart line.
type Item struct {
	ProductID string `dynamodbav:"product_id" json:"product_id"`
	Quantity  int    `dynamodbav:"quantity" json:"quantity"`
}

// Cart is the row shape of the carts table. Items keep insertion order.
type Cart struct {
	UserID    string    `dynamodbav:"user_id" json:"user_id"` // PK
	Items     []Item    `dynamodbav:"items" json:"items"`
	Version   int64     `dynamodbav:"version" json:"-"`
	UpdatedAt time.Time `dynamodbav:"updated_at" json:"updated_at"`
}

// IsEmpty reports whether the cart has no lines.
func (c Cart) IsEmpty() bool { return len(c.Items) == 0 }
