package fixedpoint

import (
	"errors"

	"github.com/holiman/uint256"
)

// Decimals is the precision of every fixed18 quantity handled by the ledger.
const Decimals = 18

var (
	// ErrDivideByZero is returned when a divisor is zero.
	ErrDivideByZero = errors.New("fixedpoint: division by zero")
	// ErrOverflow is returned when a result does not fit in 256 bits.
	ErrOverflow = errors.New("fixedpoint: overflow")
	// ErrNegative is returned when a signed input cannot be represented.
	ErrNegative = errors.New("fixedpoint: negative value")
)

var (
	wad = uint256.NewInt(1_000_000_000_000_000_000)

	// MaxAmount bounds every externally supplied amount. Keeping inputs below
	// 2^128 guarantees that the product of two ledger quantities never leaves
	// 256 bits.
	MaxAmount = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), uint256.NewInt(1))
)

// One returns 1.0 as a fixed18 value.
func One() *uint256.Int {
	return new(uint256.Int).Set(wad)
}

// Zero returns a fresh zero value.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// Units returns n whole units scaled to fixed18.
func Units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), wad)
}

// Clone copies x, treating nil as zero.
func Clone(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(x)
}

// IsZero reports whether x is nil or zero.
func IsZero(x *uint256.Int) bool {
	return x == nil || x.IsZero()
}

// MulDiv returns floor(x*y/d) using a 512-bit intermediate product.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if IsZero(d) {
		return nil, ErrDivideByZero
	}
	if IsZero(x) || IsZero(y) {
		return new(uint256.Int), nil
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// MulDivUp returns ceil(x*y/d).
func MulDivUp(x, y, d *uint256.Int) (*uint256.Int, error) {
	z, err := MulDiv(x, y, d)
	if err != nil {
		return nil, err
	}
	if IsZero(x) || IsZero(y) {
		return z, nil
	}
	if !new(uint256.Int).MulMod(x, y, d).IsZero() {
		if _, overflow := z.AddOverflow(z, uint256.NewInt(1)); overflow {
			return nil, ErrOverflow
		}
	}
	return z, nil
}

// Mul returns floor(x*y/1e18). Both operands must respect MaxAmount or be a
// bounded rate; Mul panics when the result cannot be represented because that
// can only happen after a caller skipped input validation.
func Mul(x, y *uint256.Int) *uint256.Int {
	z, err := MulDiv(x, y, wad)
	if err != nil {
		panic("fixedpoint: mul out of range: " + err.Error())
	}
	return z
}

// MulUp returns ceil(x*y/1e18).
func MulUp(x, y *uint256.Int) *uint256.Int {
	z, err := MulDivUp(x, y, wad)
	if err != nil {
		panic("fixedpoint: mul out of range: " + err.Error())
	}
	return z
}

// Div returns floor(x*1e18/y).
func Div(x, y *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, wad, y)
}

// DivUp returns ceil(x*1e18/y).
func DivUp(x, y *uint256.Int) (*uint256.Int, error) {
	return MulDivUp(x, wad, y)
}

// Add returns x+y without mutating the operands.
func Add(x, y *uint256.Int) *uint256.Int {
	return new(uint256.Int).Add(Clone(x), Clone(y))
}

// AddChecked returns x+y, or ErrOverflow when the sum leaves MaxAmount.
// Running totals use it so repeated in-range inputs cannot wrap.
func AddChecked(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(Clone(x), Clone(y))
	if overflow || z.Gt(MaxAmount) {
		return nil, ErrOverflow
	}
	return z, nil
}

// Sub returns x-y, or an error when y exceeds x.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(Clone(x), Clone(y))
	if underflow {
		return nil, ErrNegative
	}
	return z, nil
}

// SubFloor returns max(x-y, 0).
func SubFloor(x, y *uint256.Int) *uint256.Int {
	a, b := Clone(x), Clone(y)
	if a.Cmp(b) <= 0 {
		return new(uint256.Int)
	}
	return a.Sub(a, b)
}

// Min returns a copy of the smaller operand.
func Min(x, y *uint256.Int) *uint256.Int {
	a, b := Clone(x), Clone(y)
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Max returns a copy of the larger operand.
func Max(x, y *uint256.Int) *uint256.Int {
	a, b := Clone(x), Clone(y)
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// InRange reports whether 0 < x <= MaxAmount.
func InRange(x *uint256.Int) bool {
	return !IsZero(x) && x.Cmp(MaxAmount) <= 0
}

// Normalize rescales an amount expressed with from decimals into to decimals.
// Scaling down truncates.
func Normalize(amount *uint256.Int, from, to uint8) (*uint256.Int, error) {
	if from == to {
		return Clone(amount), nil
	}
	if from > to {
		return new(uint256.Int).Div(Clone(amount), pow10(from-to)), nil
	}
	z, overflow := new(uint256.Int).MulOverflow(Clone(amount), pow10(to-from))
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

func pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}
