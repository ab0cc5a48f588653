package escrow

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxAmountDecimals bounds the precision accepted for an escrow amount.
const MaxAmountDecimals = 18

// ParseAmount parses a positive decimal amount.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if -d.Exponent() > MaxAmountDecimals {
		return decimal.Zero, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, MaxAmountDecimals)
	}
	return d, nil
}

// NormalizeAmount returns the canonical string form of a valid amount.
func NormalizeAmount(s string) (string, error) {
	d, err := ParseAmount(s)
	if err != nil {
		return "", err
	}
	return d.String(), nil
}

// SameAmount compares two amount strings numerically. Unparseable values
// compare by string.
func SameAmount(a, b string) bool {
	da, errA := decimal.NewFromString(strings.TrimSpace(a))
	db, errB := decimal.NewFromString(strings.TrimSpace(b))
	if errA != nil || errB != nil {
		return a == b
	}
	return da.Equal(db)
}
