package checkout

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/imrishuroy/go-checkout-saga/internal/orders"
)

// PaymentKey derives the provider idempotency key for a checkout request from the user,
// the attempt that first priced it and the priced lines. Line order does not matter.
func PaymentKey(userID, firstAttemptID string, lines []orders.Item) string {
	sorted := make([]orders.Item, len(lines))
	copy(sorted, lines)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })

	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n", userID, firstAttemptID)
	for _, l := range sorted {
		fmt.Fprintf(h, "%s:%d:%d\n", l.ProductID, l.Quantity, l.UnitPrice.Cents())
	}
	return hex.EncodeToString(h.Sum(nil))
}
