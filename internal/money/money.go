// Package money holds the fixed-point currency type used for prices and totals.
package money

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Amount is a currency value in minor units (cents). Arithmetic stays in integers;
// decimal.Decimal is only used at the text boundary.
type Amount int64

// Cents builds an Amount from minor units.
func Cents(c int64) Amount { return Amount(c) }

// FromDecimal converts a decimal to an Amount, rounding half away from zero to cents.
func FromDecimal(d decimal.Decimal) Amount {
	return Amount(d.Shift(2).Round(0).IntPart())
}

// Parse reads a decimal string such as "10.00" or "5".
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.Exponent() < -2 && !d.Equal(d.Round(2)) {
		return 0, fmt.Errorf("parse amount %q: more than two decimal places", s)
	}
	return FromDecimal(d), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Cents returns the value in minor units.
func (a Amount) Cents() int64 { return int64(a) }

// Decimal returns the value as a decimal with two places.
func (a Amount) Decimal() decimal.Decimal { return decimal.New(int64(a), -2) }

// Mul multiplies by a quantity.
func (a Amount) Mul(qty int) Amount { return a * Amount(qty) }

// Add returns a+b.
func (a Amount) Add(b Amount) Amount { return a + b }

func (a Amount) String() string { return a.Decimal().StringFixed(2) }

// MarshalJSON encodes the amount as a string with two decimals, e.g. "25.00".
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.String())), nil
}

// UnmarshalJSON accepts either a quoted decimal string or a bare JSON number.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return fmt.Errorf("decode amount: %w", err)
	}
	*a = FromDecimal(d)
	return nil
}
