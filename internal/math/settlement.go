package math

import "errors"

const (
	// OddsScale is the fixed-point scale of odds: 1000 means 1.0x.
	OddsScale = 1000
	// DefaultOdds is quoted for an option nobody has backed yet.
	DefaultOdds = 2000
	// MaxOdds caps quoted odds at 10x.
	MaxOdds = 10000
	// BpsScale is the denominator of fee rates: 10000 bps is 100%.
	BpsScale = 10000
)

// ErrOverflow is returned when a settlement amount does not fit in an int64.
var ErrOverflow = errors.New("settlement amount overflows int64")

// Odds quotes floor(total*1000/option) capped at MaxOdds, or DefaultOdds when
// the option pool is empty. Pools are non-negative.
func Odds(totalPool, optionPool int64) uint32 {
	if optionPool <= 0 {
		return DefaultOdds
	}

	numerator := MultiplyInt128(totalPool, OddsScale)
	defer putInt128(numerator)

	q, ok := DivideInt128(numerator, optionPool, RoundDown)
	if !ok || q > MaxOdds {
		return MaxOdds
	}
	return uint32(q)
}

// Settlement is the breakdown of a winning payout.
type Settlement struct {
	Gross  int64
	Fee    int64
	Payout int64
}

// Settle computes gross = floor(stake*odds/1000), fee = floor(gross*bps/10000)
// and payout = gross - fee, in that order.
func Settle(stake int64, odds uint32, feeRateBps uint16) (Settlement, error) {
	product := MultiplyInt128(stake, int64(odds))
	gross, ok := DivideInt128(product, OddsScale, RoundDown)
	putInt128(product)
	if !ok {
		return Settlement{}, ErrOverflow
	}

	feeProduct := MultiplyInt128(gross, int64(feeRateBps))
	fee, _ := DivideInt128(feeProduct, BpsScale, RoundDown)
	putInt128(feeProduct)

	return Settlement{Gross: gross, Fee: fee, Payout: gross - fee}, nil
}

// Payout returns the net amount paid to a winning bet.
func Payout(stake int64, odds uint32, feeRateBps uint16) (int64, error) {
	s, err := Settle(stake, odds, feeRateBps)
	if err != nil {
		return 0, err
	}
	return s.Payout, nil
}

// ImpliedProbabilityBps is the option's share of the total pool in basis
// points, rounded half-even. Zero when nothing is staked.
func ImpliedProbabilityBps(totalPool, optionPool int64) uint32 {
	if totalPool <= 0 || optionPool <= 0 {
		return 0
	}
	numerator := MultiplyInt128(optionPool, BpsScale)
	defer putInt128(numerator)

	q, ok := DivideInt128(numerator, totalPool, RoundHalfEven)
	if !ok || q > BpsScale {
		return BpsScale
	}
	return uint32(q)
}
