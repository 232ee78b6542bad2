// Package money holds the currency and decimal primitives shared by the
// wallet, ledger and rate packages.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits every stored amount is quantized to.
const Scale int32 = 8

// ErrInvalidCurrency indicates a malformed ISO 4217 currency code.
var ErrInvalidCurrency = errors.New("invalid currency code")

// Currency is an upper-case ISO 4217 code such as PLN or EUR.
type Currency string

// ParseCurrency normalizes and validates a currency code.
func ParseCurrency(s string) (Currency, error) {
	code := strings.ToUpper(strings.TrimSpace(s))
	if len(code) != 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, s)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, s)
		}
	}
	return Currency(code), nil
}

// ParseCurrencies parses a comma separated list, skipping blanks and duplicates.
func ParseCurrencies(list string) ([]Currency, error) {
	var out []Currency
	seen := make(map[Currency]struct{})
	for _, part := range strings.Split(list, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		c, err := ParseCurrency(part)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out, nil
}

func (c Currency) String() string { return string(c) }

// FitsScale reports whether d can be stored without losing fractional digits.
func FitsScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(Scale))
}

// Truncate quantizes d to Scale, dropping any further digits.
func Truncate(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(Scale)
}

// Quo divides a by b and truncates the quotient to Scale exactly, without
// the intermediate rounding of decimal.Div.
func Quo(a, b decimal.Decimal) decimal.Decimal {
	q, _ := a.QuoRem(b, Scale)
	return q
}

// Format renders d with exactly Scale fractional digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}
