package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"PariLedger/internal/market"
	"PariLedger/internal/store"
	"PariLedger/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func begin(t *testing.T, s store.Store) store.Tx {
	t.Helper()
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	return tx
}

func testMarket(id market.MarketID) *market.Market {
	return &market.Market{
		ID:        id,
		Title:     "t",
		CreatedAt: 1,
		LocksAt:   2,
		Options:   []market.Option{{ID: 0, Label: "a"}, {ID: 1, Label: "b"}},
	}
}

// ============================================================================
// Test: Commit / Rollback
// ============================================================================

func TestMemory_CommitMakesWritesVisible(t *testing.T) {
	s := memory.New()

	tx := begin(t, s)
	require.NoError(t, tx.PutMarket(testMarket(1)))
	require.NoError(t, tx.PutBalance("alice", 100))
	require.NoError(t, tx.AppendOwnerBet("alice", 7))
	require.NoError(t, tx.AddOpenMarket(1))
	require.NoError(t, tx.PutGlobals(store.Globals{Initialized: true, FeeRateBps: 100}))
	require.NoError(t, tx.Commit())

	tx = begin(t, s)
	defer tx.Rollback()

	m, ok, err := tx.Market(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t", m.Title)

	bal, err := tx.Balance("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)

	ids, err := tx.OwnerBets("alice")
	require.NoError(t, err)
	assert.Equal(t, []market.BetID{7}, ids)

	open, err := tx.OpenMarkets()
	require.NoError(t, err)
	assert.Equal(t, []market.MarketID{1}, open)

	g, err := tx.Globals()
	require.NoError(t, err)
	assert.Equal(t, uint16(100), g.FeeRateBps)
}

func TestMemory_RollbackDiscardsWrites(t *testing.T) {
	s := memory.New()

	tx := begin(t, s)
	require.NoError(t, tx.PutBalance("alice", 100))
	require.NoError(t, tx.Commit())

	tx = begin(t, s)
	require.NoError(t, tx.PutBalance("alice", 5))
	require.NoError(t, tx.PutMarket(testMarket(3)))
	require.NoError(t, tx.Rollback())

	tx = begin(t, s)
	defer tx.Rollback()
	bal, _ := tx.Balance("alice")
	assert.Equal(t, int64(100), bal)
	_, ok, _ := tx.Market(3)
	assert.False(t, ok)
}

func TestMemory_ReadsAreCopies(t *testing.T) {
	s := memory.New()
	tx := begin(t, s)
	require.NoError(t, tx.PutMarket(testMarket(1)))
	require.NoError(t, tx.Commit())

	tx = begin(t, s)
	m, _, _ := tx.Market(1)
	m.Options[0].Pool = 500
	require.NoError(t, tx.Rollback())

	tx = begin(t, s)
	defer tx.Rollback()
	m, _, _ = tx.Market(1)
	assert.Equal(t, int64(0), m.Options[0].Pool)
}

func TestMemory_FinishedTxRejectsUse(t *testing.T) {
	s := memory.New()
	tx := begin(t, s)
	require.NoError(t, tx.Commit())

	assert.True(t, errors.Is(tx.PutBalance("a", 1), store.ErrClosed))
	assert.True(t, errors.Is(tx.Commit(), store.ErrClosed))
	assert.NoError(t, tx.Rollback())
}

// ============================================================================
// Test: Counters
// ============================================================================

func TestMemory_CountersStartAtOneAndRollBack(t *testing.T) {
	s := memory.New()

	tx := begin(t, s)
	id, err := tx.NextMarketID()
	require.NoError(t, err)
	assert.Equal(t, market.MarketID(1), id)
	bid, _ := tx.NextBetID()
	assert.Equal(t, market.BetID(1), bid)
	require.NoError(t, tx.Rollback())

	tx = begin(t, s)
	id, _ = tx.NextMarketID()
	assert.Equal(t, market.MarketID(1), id)
	require.NoError(t, tx.Commit())

	tx = begin(t, s)
	defer tx.Rollback()
	id, _ = tx.NextMarketID()
	assert.Equal(t, market.MarketID(2), id)

	require.NoError(t, tx.ReserveMarketID(10))
	require.NoError(t, tx.ReserveMarketID(4))
	nm, nb, err := tx.PeekCounters()
	require.NoError(t, err)
	assert.Equal(t, market.MarketID(11), nm)
	assert.Equal(t, market.BetID(1), nb)
}

// ============================================================================
// Test: Indices
// ============================================================================

func TestMemory_OpenSetAndReset(t *testing.T) {
	s := memory.New()
	tx := begin(t, s)
	require.NoError(t, tx.AddOpenMarket(2))
	require.NoError(t, tx.AddOpenMarket(1))
	require.NoError(t, tx.AppendMarketBet(1, 1))
	require.NoError(t, tx.Commit())

	tx = begin(t, s)
	require.NoError(t, tx.RemoveOpenMarket(2))
	open, _ := tx.OpenMarkets()
	assert.Equal(t, []market.MarketID{1}, open)

	require.NoError(t, tx.ResetIndices())
	open, _ = tx.OpenMarkets()
	assert.Empty(t, open)
	ids, _ := tx.MarketBets(1)
	assert.Empty(t, ids)
	require.NoError(t, tx.AddOpenMarket(5))
	require.NoError(t, tx.Commit())

	tx = begin(t, s)
	defer tx.Rollback()
	open, _ = tx.OpenMarkets()
	assert.Equal(t, []market.MarketID{5}, open)
}

func TestMemory_ScansInIDOrder(t *testing.T) {
	s := memory.New()
	tx := begin(t, s)
	for _, id := range []market.MarketID{3, 1, 2} {
		require.NoError(t, tx.PutMarket(testMarket(id)))
	}
	require.NoError(t, tx.Commit())

	tx = begin(t, s)
	defer tx.Rollback()
	require.NoError(t, tx.PutMarket(testMarket(0)))

	var seen []market.MarketID
	require.NoError(t, tx.ScanMarkets(func(m *market.Market) error {
		seen = append(seen, m.ID)
		return nil
	}))
	assert.Equal(t, []market.MarketID{0, 1, 2, 3}, seen)
}

// ============================================================================
// Test: Serialization
// ============================================================================

func TestMemory_BeginWaitsForActiveTx(t *testing.T) {
	s := memory.New()
	tx := begin(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Begin(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, tx.Rollback())
	tx2 := begin(t, s)
	require.NoError(t, tx2.Rollback())
}
