// Package money holds the decimal conventions used for balances and charges.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits persisted for any amount (NUMERIC(20,4)).
const Scale = 4

// Round normalizes an amount to the persisted scale.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Parse reads a decimal amount from user input. Empty input is an error.
func Parse(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("amount is empty")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return d, nil
}

// Positive reports whether d is strictly greater than zero after rounding.
func Positive(d decimal.Decimal) bool {
	return Round(d).IsPositive()
}

// PerSecondCharge prices seconds of watch time against a per-minute rate.
func PerSecondCharge(ratePerMinute decimal.Decimal, seconds int64) decimal.Decimal {
	return Round(ratePerMinute.Mul(decimal.NewFromInt(seconds)).Div(decimal.NewFromInt(60)))
}

// Display renders a balance with two fractional digits.
func Display(d decimal.Decimal) string {
	return d.StringFixed(2)
}
