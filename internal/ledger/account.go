package ledger

import "fmt"

// AccountKind partitions the accounts value can sit in.
type AccountKind uint8

const (
	KindUser AccountKind = iota
	KindSystem
	KindExternal
)

// System account names.
const (
	// Stakes of bets that are neither claimed nor refunded.
	SystemEscrow = "escrow"
	// Stakes kept by the house minus payouts made above the stake.
	SystemHouse = "house"
	// Accumulated protocol fees.
	SystemProtocolFees = "protocol_fees"
	// Mirror of money that entered or left through deposits/withdrawals.
	ExternalNetFunding = "net_funding"
)

// AccountKey identifies one account in the audit view of the ledger.
type AccountKey struct {
	Kind   AccountKind
	Entity string
}

func NewUserAccountKey(owner string) AccountKey {
	return AccountKey{Kind: KindUser, Entity: owner}
}

func NewSystemAccountKey(name string) AccountKey {
	return AccountKey{Kind: KindSystem, Entity: name}
}

func NewExternalAccountKey(name string) AccountKey {
	return AccountKey{Kind: KindExternal, Entity: name}
}

// AccountPath renders the key, e.g. "user:alice" or "system:escrow".
func (k AccountKey) AccountPath() string {
	switch k.Kind {
	case KindUser:
		return "user:" + k.Entity
	case KindSystem:
		return "system:" + k.Entity
	case KindExternal:
		return "external:" + k.Entity
	default:
		return fmt.Sprintf("unknown(%d):%s", k.Kind, k.Entity)
	}
}
