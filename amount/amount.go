// Package amount converts between human-entered decimal token amounts and
// the integer base-unit values carried on chain.  Conversions are exact:
// fractional digits beyond a token's precision are truncated, never rounded,
// so an amount a user typed can always be reproduced from the stored value.
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	// ErrInvalidFormat describes an amount string that is empty or does
	// not match the decimal number grammar ^\d+(\.\d*)?$.
	ErrInvalidFormat = errors.New("invalid decimal amount")

	// ErrNonPositive describes an amount that parses to zero base units.
	ErrNonPositive = errors.New("amount must be greater than zero")
)

// tenPow returns 10^n as a big integer.
func tenPow(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Parse converts a decimal string such as "0.01" to an integer number of
// base units for a token with the given number of decimal places.  The
// fractional part is right-padded with zeros to the token precision and any
// digits beyond it are dropped.  Parse returns ErrInvalidFormat when the
// string does not match the decimal grammar and ErrNonPositive when the
// result would be zero.
func Parse(s string, decimals uint8) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty string", ErrInvalidFormat)
	}

	intPart := trimmed
	fracPart := ""
	if dot := strings.IndexByte(trimmed, '.'); dot != -1 {
		intPart = trimmed[:dot]
		fracPart = trimmed[dot+1:]
	}
	if intPart == "" || !isDigits(intPart) || !isDigits(fracPart) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}

	// Truncate or right-pad the fractional digits to the token precision.
	if len(fracPart) > int(decimals) {
		fracPart = fracPart[:decimals]
	} else {
		fracPart += strings.Repeat("0", int(decimals)-len(fracPart))
	}

	whole, ok := new(big.Int).SetString(intPart, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
	units := whole.Mul(whole, tenPow(decimals))
	if fracPart != "" {
		frac, ok := new(big.Int).SetString(fracPart, 10)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
		}
		units.Add(units, frac)
	}

	if units.Sign() <= 0 {
		return nil, ErrNonPositive
	}
	return units, nil
}

// Format renders a base-unit value as a decimal string for a token with the
// given number of decimal places.  Trailing fractional zeros are trimmed so
// the output round-trips through Parse.
func Format(units *big.Int, decimals uint8) string {
	quo, rem := new(big.Int).QuoRem(units, tenPow(decimals), new(big.Int))
	if rem.Sign() == 0 {
		return quo.String()
	}
	frac := fmt.Sprintf("%0*s", int(decimals), rem.String())
	frac = strings.TrimRight(frac, "0")
	return quo.String() + "." + frac
}
