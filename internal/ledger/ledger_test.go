package ledger_test

import (
	"context"
	"math"
	"math/big"
	"testing"

	"PariLedger/internal/ledger"
	"PariLedger/internal/market"
	"PariLedger/internal/store"
	"PariLedger/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_Paths(t *testing.T) {
	assert.Equal(t, "user:alice", ledger.NewUserAccountKey("alice").AccountPath())
	assert.Equal(t, "system:escrow", ledger.NewSystemAccountKey(ledger.SystemEscrow).AccountPath())
	assert.Equal(t, "external:net_funding", ledger.NewExternalAccountKey(ledger.ExternalNetFunding).AccountPath())
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	assert.Equal(t, 0, bt.GetBalance(ledger.NewUserAccountKey("alice")).Sign())
}

func TestBalanceTracker_NoOverflow(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	alice := ledger.NewUserAccountKey("alice")
	bt.Add(alice, math.MaxInt64)
	bt.Add(alice, math.MaxInt64)

	want := new(big.Int).Mul(big.NewInt(math.MaxInt64), big.NewInt(2))
	assert.Equal(t, 0, bt.GetBalance(alice).Cmp(want))
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.Add(ledger.NewExternalAccountKey(ledger.ExternalNetFunding), -300)
	bt.Add(ledger.NewUserAccountKey("alice"), 200)
	bt.Add(ledger.NewUserAccountKey("bob"), 50)
	bt.Add(ledger.NewSystemAccountKey(ledger.SystemEscrow), 50)

	assert.Equal(t, 0, bt.ComputeGlobalBalance().Sign())
	assert.Equal(t, int64(250), bt.SumKind(ledger.KindUser).Int64())

	bt.Add(ledger.NewUserAccountKey("carol"), -1)
	assert.Equal(t, []ledger.AccountKey{ledger.NewUserAccountKey("carol")}, bt.NegativeAccounts(ledger.KindUser))
	assert.Equal(t, int64(-1), bt.ComputeGlobalBalance().Int64())
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

// seedLedger writes a consistent two-user ledger:
// alice deposited 500 and staked 100 on option 0, bob deposited 100 and
// staked 50 on option 1.
func seedLedger(t *testing.T) store.Store {
	t.Helper()
	s := memory.New()
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)

	mid, _ := tx.NextMarketID()
	m := &market.Market{
		ID: mid, Title: "t", CreatedAt: 1, LocksAt: 10, Status: market.StatusOpen,
		Options: []market.Option{{ID: 0, Label: "a", Pool: 100}, {ID: 1, Label: "b", Pool: 50}},
	}
	require.NoError(t, tx.PutMarket(m))
	require.NoError(t, tx.AddOpenMarket(mid))

	for _, b := range []market.Bet{
		{Owner: "alice", MarketID: mid, OptionID: 0, Amount: 100, Odds: 1000},
		{Owner: "bob", MarketID: mid, OptionID: 1, Amount: 50, Odds: 3000},
	} {
		b.ID, _ = tx.NextBetID()
		require.NoError(t, tx.PutBet(&b))
		require.NoError(t, tx.AppendOwnerBet(b.Owner, b.ID))
		require.NoError(t, tx.AppendMarketBet(mid, b.ID))
	}
	require.NoError(t, tx.PutBalance("alice", 400))
	require.NoError(t, tx.PutBalance("bob", 50))
	require.NoError(t, tx.PutGlobals(store.Globals{
		Initialized: true, FeeRateBps: 100, TotalVolume: 150, TotalDeposits: 600,
	}))
	require.NoError(t, tx.Commit())
	return s
}

func audit(t *testing.T, s store.Store, mutate func(tx store.Tx)) *ledger.Report {
	t.Helper()
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	if mutate != nil {
		mutate(tx)
	}
	r, err := ledger.NewInvariantValidator().Audit(tx)
	require.NoError(t, err)
	return r
}

func checks(r *ledger.Report) []string {
	var out []string
	for _, v := range r.Violations {
		out = append(out, v.Check)
	}
	return out
}

func TestInvariantValidator_CleanLedger(t *testing.T) {
	r := audit(t, seedLedger(t), nil)
	require.NoError(t, r.Err())
	assert.Equal(t, 1, r.Markets)
	assert.Equal(t, 2, r.Bets)
	assert.Equal(t, 2, r.Owners)
	assert.Equal(t, int64(450), r.Balances.Int64())
	assert.Equal(t, int64(150), r.Escrow.Int64())
}

func TestInvariantValidator_DetectsViolations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(tx store.Tx)
		want   string
	}{
		{"balance minted", func(tx store.Tx) { tx.PutBalance("alice", 401) }, ledger.CheckConservation},
		{"negative balance", func(tx store.Tx) {
			tx.PutBalance("bob", -1)
			g, _ := tx.Globals()
			g.TotalDeposits -= 51
			tx.PutGlobals(g)
		}, ledger.CheckNonNegative},
		{"pool below stakes", func(tx store.Tx) {
			m, _, _ := tx.Market(1)
			m.Options[0].Pool = 99
			tx.PutMarket(m)
		}, ledger.CheckPoolCoverage},
		{"settled without payout", func(tx store.Tx) {
			b, _, _ := tx.Bet(1)
			b.Settled = true
			tx.PutBet(b)
		}, ledger.CheckBetShape},
		{"cancelled with open bet", func(tx store.Tx) {
			m, _, _ := tx.Market(1)
			m.Status = market.StatusCancelled
			tx.PutMarket(m)
			tx.RemoveOpenMarket(1)
		}, ledger.CheckCancelledRefunds},
		{"volume drift", func(tx store.Tx) {
			g, _ := tx.Globals()
			g.TotalVolume = 1
			tx.PutGlobals(g)
		}, ledger.CheckVolume},
		{"stale open set", func(tx store.Tx) {
			m, _, _ := tx.Market(1)
			m.Status = market.StatusLocked
			tx.PutMarket(m)
		}, ledger.CheckIndices},
		{"missing owner entry", func(tx store.Tx) { tx.ResetIndices() }, ledger.CheckIndices},
		{"counter behind", func(tx store.Tx) {
			b := &market.Bet{ID: 9, Owner: "zed", MarketID: 1, Amount: 1, Odds: 1000, Settled: true, Payout: new(int64)}
			tx.PutBet(b)
			tx.AppendOwnerBet("zed", 9)
			tx.AppendMarketBet(1, 9)
		}, ledger.CheckCounters},
		{"market shape", func(tx store.Tx) {
			m, _, _ := tx.Market(1)
			m.LocksAt = 0
			tx.PutMarket(m)
		}, ledger.CheckMarketShape},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := audit(t, seedLedger(t), tc.mutate)
			assert.Contains(t, checks(r), tc.want)
			assert.Error(t, r.Err())
		})
	}
}

// ============================================================================
// Test: RebuildIndices
// ============================================================================

func TestRebuildIndices_RestoresConsistency(t *testing.T) {
	s := seedLedger(t)
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.ResetIndices())
	require.NoError(t, tx.AddOpenMarket(77))
	require.NoError(t, tx.Commit())

	require.Contains(t, checks(audit(t, s, nil)), ledger.CheckIndices)

	tx, err = s.Begin(context.Background())
	require.NoError(t, err)
	st, err := ledger.RebuildIndices(tx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, ledger.RebuildStats{OwnerEntries: 2, MarketEntries: 2, OpenMarkets: 1}, st)
	assert.NoError(t, audit(t, s, nil).Err())
}

// ============================================================================
// Test: StateHasher
// ============================================================================

func TestStateHasher_OrderSensitive(t *testing.T) {
	a, b := ledger.NewStateHasher(), ledger.NewStateHasher()
	assert.Equal(t, a.Tip(), b.Tip())

	a.Fold('m', []byte("one"))
	a.Fold('m', []byte("two"))
	b.Fold('m', []byte("two"))
	b.Fold('m', []byte("one"))
	assert.NotEqual(t, a.Tip(), b.Tip())

	c := ledger.NewStateHasher()
	c.Fold('m', []byte("one"))
	c.Fold('m', []byte("two"))
	assert.Equal(t, a.Tip(), c.Tip())
}

func TestInvariantValidator_DigestTracksContent(t *testing.T) {
	s := seedLedger(t)
	clean := audit(t, s, nil).Digest
	assert.Equal(t, clean, audit(t, s, nil).Digest)
	assert.NotEqual(t, clean, audit(t, s, func(tx store.Tx) { tx.PutBalance("bob", 51) }).Digest)
}
