package ledger

import (
	"math/big"
	"sort"
)

// BalanceTracker accumulates account balances with arbitrary precision so
// summing many int64 balances cannot overflow.
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

// Add moves amount into key. Negative amounts move value out.
func (bt *BalanceTracker) Add(key AccountKey, amount int64) {
	b, ok := bt.balances[key]
	if !ok {
		b = new(big.Int)
		bt.balances[key] = b
	}
	b.Add(b, big.NewInt(amount))
}

// GetBalance returns a copy of the balance for key (zero when untouched).
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if b, ok := bt.balances[key]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// SumKind totals every account of one kind.
func (bt *BalanceTracker) SumKind(kind AccountKind) *big.Int {
	total := new(big.Int)
	for k, b := range bt.balances {
		if k.Kind == kind {
			total.Add(total, b)
		}
	}
	return total
}

// ComputeGlobalBalance sums every account. A consistent ledger sums to zero
// because external funding is booked with the opposite sign.
func (bt *BalanceTracker) ComputeGlobalBalance() *big.Int {
	total := new(big.Int)
	for _, b := range bt.balances {
		total.Add(total, b)
	}
	return total
}

// NegativeAccounts lists accounts of the given kind below zero, sorted by path.
func (bt *BalanceTracker) NegativeAccounts(kind AccountKind) []AccountKey {
	var out []AccountKey
	for k, b := range bt.balances {
		if k.Kind == kind && b.Sign() < 0 {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountPath() < out[j].AccountPath() })
	return out
}

// Snapshot returns every balance keyed by account path.
func (bt *BalanceTracker) Snapshot() map[string]*big.Int {
	out := make(map[string]*big.Int, len(bt.balances))
	for k, b := range bt.balances {
		out[k.AccountPath()] = new(big.Int).Set(b)
	}
	return out
}
