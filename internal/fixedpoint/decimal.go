package fixedpoint

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// FromDecimal converts a human readable decimal into fixed18, truncating any
// digits beyond the 18th place.
func FromDecimal(d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, ErrNegative
	}
	scaled := d.Shift(Decimals).Truncate(0).BigInt()
	z, overflow := uint256.FromBig(scaled)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Parse reads a decimal string such as "1.10" into fixed18.
func Parse(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", s, err)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) *uint256.Int {
	z, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return z
}

// ToDecimal converts a fixed18 value back to a decimal.
func ToDecimal(x *uint256.Int) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x.ToBig(), -Decimals)
}

// Format renders x as a plain decimal string.
func Format(x *uint256.Int) string {
	return ToDecimal(x).String()
}

// Float is a lossy conversion used for metrics and charts only.
func Float(x *uint256.Int) float64 {
	return ToDecimal(x).InexactFloat64()
}

// Raw renders the integer representation used for persistence.
func Raw(x *uint256.Int) string {
	return Clone(x).Dec()
}

// ParseRaw reads an integer representation written by Raw.
func ParseRaw(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	z, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse raw %q: %w", s, err)
	}
	return z, nil
}
