package catalog

import (
	"errors"
	"time"

	"github.com/imrishuroy/go-checkout-saga/internal/money"
)

// ErrProductNotFound is returned when a product id has no row in the products table.
var ErrProductNotFound = errors.New("product not found")

// Product is the row shape of the products table. Available is owned by the inventory
// ledger once the row exists; catalog writes never touch it after creation.
type Product struct {
	ProductID  string       `dynamodbav:"product_id" json:"product_id"` // PK
	Name       string       `dynamodbav:"name" json:"name"`
	PriceCents money.Amount `dynamodbav:"price_cents" json:"price"`
	Available  int          `dynamodbav:"available" json:"available"`
	UpdatedAt  time.Time    `dynamodbav:"updated_at" json:"updated_at"`
}
