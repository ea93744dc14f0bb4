package math

import (
	"math/big"
	"sync"
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown
	RoundUp
)

// Pooled big.Int for 128-bit intermediate products
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b without overflow. Release the result with putInt128.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	x, y := getInt128(), getInt128()
	result.Mul(x.SetInt64(a), y.SetInt64(b))
	putInt128(x)
	putInt128(y)
	return result
}

// DivideInt128 divides a non-negative numerator by a positive denominator.
// ok is false when the rounded quotient does not fit in an int64.
func DivideInt128(numerator *big.Int, denominator int64, mode RoundingMode) (result int64, ok bool) {
	denom := getInt128().SetInt64(denominator)
	quotient := getInt128()
	remainder := getInt128()
	defer func() {
		putInt128(denom)
		putInt128(quotient)
		putInt128(remainder)
	}()

	quotient.DivMod(numerator, denom, remainder)

	switch mode {
	case RoundUp:
		if remainder.Sign() != 0 {
			quotient.Add(quotient, big.NewInt(1))
		}
	case RoundHalfEven:
		twice := remainder.Lsh(remainder, 1)
		cmp := twice.Cmp(denom)
		if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
			quotient.Add(quotient, big.NewInt(1))
		}
	}

	if !quotient.IsInt64() {
		return 0, false
	}
	return quotient.Int64(), true
}
