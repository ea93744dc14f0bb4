package persistence_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"PariLedger/internal/market"
	"PariLedger/internal/persistence"
	"PariLedger/internal/store"
	"PariLedger/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func begin(t *testing.T, s store.Store) store.Tx {
	t.Helper()
	tx, err := s.Begin(context.Background())
	require.NoError(t, err)
	return tx
}

func sampleMarket(id market.MarketID) *market.Market {
	return &market.Market{
		ID:        id,
		MatchID:   "match-7",
		Category:  "football",
		Title:     "Who wins?",
		CreatedAt: 1_000,
		LocksAt:   9_000,
		Options: []market.Option{
			{ID: 0, Label: "home", Pool: 150},
			{ID: 1, Label: "away", Pool: 50},
			{ID: 2, Label: "draw"},
		},
	}
}

// runStoreSuite exercises the store contract against any SQL dialect.
func runStoreSuite(t *testing.T, db *sql.DB, d persistence.Dialect) {
	s := persistence.NewSQLStore(db, d)

	t.Run("market round trip", func(t *testing.T) {
		tx := begin(t, s)
		m := sampleMarket(1)
		require.NoError(t, tx.PutMarket(m))
		require.NoError(t, tx.Commit())

		tx = begin(t, s)
		defer tx.Rollback()
		got, ok, err := tx.Market(1)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, m, got)

		_, ok, err = tx.Market(99)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("market upsert keeps winner", func(t *testing.T) {
		tx := begin(t, s)
		m := sampleMarket(1)
		w := uint8(2)
		m.Status = market.StatusResolved
		m.WinningOption = &w
		require.NoError(t, tx.PutMarket(m))
		require.NoError(t, tx.Commit())

		tx = begin(t, s)
		defer tx.Rollback()
		got, _, err := tx.Market(1)
		require.NoError(t, err)
		assert.Equal(t, market.StatusResolved, got.Status)
		require.NotNil(t, got.WinningOption)
		assert.Equal(t, uint8(2), *got.WinningOption)
	})

	t.Run("bet settle and balance", func(t *testing.T) {
		tx := begin(t, s)
		b := &market.Bet{ID: 1, Owner: "alice", MarketID: 1, OptionID: 1, Amount: 50, Odds: 3000, PlacedAt: 2_000}
		require.NoError(t, tx.PutBet(b))
		require.NoError(t, tx.PutBalance("alice", 450))
		require.NoError(t, tx.Commit())

		tx = begin(t, s)
		got, ok, err := tx.Bet(1)
		require.NoError(t, err)
		require.True(t, ok)
		assert.False(t, got.Settled)
		assert.Nil(t, got.Payout)

		p := int64(148)
		got.Settled = true
		got.Payout = &p
		require.NoError(t, tx.PutBet(got))
		require.NoError(t, tx.Commit())

		tx = begin(t, s)
		defer tx.Rollback()
		got, _, _ = tx.Bet(1)
		assert.True(t, got.Settled)
		require.NotNil(t, got.Payout)
		assert.Equal(t, int64(148), *got.Payout)

		bal, err := tx.Balance("alice")
		require.NoError(t, err)
		assert.Equal(t, int64(450), bal)
		bal, err = tx.Balance("nobody")
		require.NoError(t, err)
		assert.Equal(t, int64(0), bal)
	})

	t.Run("rollback discards", func(t *testing.T) {
		tx := begin(t, s)
		require.NoError(t, tx.PutBalance("alice", 1))
		require.NoError(t, tx.AddOpenMarket(42))
		require.NoError(t, tx.Rollback())

		tx = begin(t, s)
		defer tx.Rollback()
		bal, _ := tx.Balance("alice")
		assert.Equal(t, int64(450), bal)
		open, _ := tx.OpenMarkets()
		assert.NotContains(t, open, market.MarketID(42))
	})

	t.Run("indices and reset", func(t *testing.T) {
		tx := begin(t, s)
		require.NoError(t, tx.AppendOwnerBet("alice", 3))
		require.NoError(t, tx.AppendOwnerBet("alice", 1))
		require.NoError(t, tx.AppendMarketBet(1, 1))
		require.NoError(t, tx.AddOpenMarket(1))
		require.NoError(t, tx.AddOpenMarket(1))
		require.NoError(t, tx.Commit())

		tx = begin(t, s)
		ids, err := tx.OwnerBets("alice")
		require.NoError(t, err)
		assert.Equal(t, []market.BetID{1, 3}, ids)
		mb, _ := tx.MarketBets(1)
		assert.Equal(t, []market.BetID{1}, mb)
		open, _ := tx.OpenMarkets()
		assert.Equal(t, []market.MarketID{1}, open)

		require.NoError(t, tx.RemoveOpenMarket(1))
		require.NoError(t, tx.ResetIndices())
		require.NoError(t, tx.Commit())

		tx = begin(t, s)
		defer tx.Rollback()
		ids, _ = tx.OwnerBets("alice")
		assert.Empty(t, ids)
		open, _ = tx.OpenMarkets()
		assert.Empty(t, open)
	})

	t.Run("counters", func(t *testing.T) {
		tx := begin(t, s)
		m1, err := tx.NextMarketID()
		require.NoError(t, err)
		m2, _ := tx.NextMarketID()
		b1, _ := tx.NextBetID()
		assert.Equal(t, market.MarketID(1), m1)
		assert.Equal(t, market.MarketID(2), m2)
		assert.Equal(t, market.BetID(1), b1)

		require.NoError(t, tx.ReserveMarketID(7))
		require.NoError(t, tx.ReserveMarketID(3))
		nm, nb, err := tx.PeekCounters()
		require.NoError(t, err)
		assert.Equal(t, market.MarketID(8), nm)
		assert.Equal(t, market.BetID(2), nb)
		require.NoError(t, tx.Commit())
	})

	t.Run("globals", func(t *testing.T) {
		tx := begin(t, s)
		g, err := tx.Globals()
		require.NoError(t, err)
		assert.False(t, g.Initialized)

		want := store.Globals{
			Initialized: true, FeeRateBps: 250, TotalVolume: 900, ProtocolFees: 3,
			TotalDeposits: 1000, TotalWithdrawals: 10, HouseNet: -42,
		}
		require.NoError(t, tx.PutGlobals(want))
		require.NoError(t, tx.Commit())

		tx = begin(t, s)
		defer tx.Rollback()
		g, err = tx.Globals()
		require.NoError(t, err)
		assert.Equal(t, want, g)
	})

	t.Run("scans are ordered", func(t *testing.T) {
		tx := begin(t, s)
		require.NoError(t, tx.PutMarket(sampleMarket(5)))
		require.NoError(t, tx.PutMarket(sampleMarket(3)))
		require.NoError(t, tx.PutBalance("bob", 7))

		var markets []market.MarketID
		require.NoError(t, tx.ScanMarkets(func(m *market.Market) error {
			markets = append(markets, m.ID)
			return nil
		}))
		assert.Equal(t, []market.MarketID{1, 3, 5}, markets)

		var owners []string
		require.NoError(t, tx.ScanBalances(func(owner string, _ int64) error {
			owners = append(owners, owner)
			return nil
		}))
		assert.Equal(t, []string{"alice", "bob"}, owners)

		var bets int
		require.NoError(t, tx.ScanBets(func(*market.Bet) error { bets++; return nil }))
		assert.Equal(t, 1, bets)
		require.NoError(t, tx.Rollback())
	})
}

// ============================================================================
// Test: SQLite store
// ============================================================================

func TestSQLStore_SQLite(t *testing.T) {
	db := testutil.SetupSQLite(t)
	runStoreSuite(t, db, persistence.SQLite)
}

// ============================================================================
// Test: Postgres store (integration)
// ============================================================================

func TestSQLStore_Postgres(t *testing.T) {
	db := testutil.SetupPostgres(t)
	runStoreSuite(t, db, persistence.Postgres)
}

// ============================================================================
// Test: Migrator
// ============================================================================

func TestMigrator_UpIsIdempotentAndDownRollsBack(t *testing.T) {
	db := testutil.SetupSQLite(t)
	ctx := context.Background()
	m := persistence.NewMigrator(db, persistence.SQLite, persistence.EmbeddedMigrations(), zerolog.Nop())

	require.NoError(t, m.Up(ctx))
	v, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "000002", v)

	require.NoError(t, m.Down(ctx))
	v, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "000001", v)

	_, err = db.Exec(`SELECT 1 FROM processed_notices`)
	assert.Error(t, err)

	require.NoError(t, m.Up(ctx))
	_, err = db.Exec(`SELECT 1 FROM processed_notices`)
	assert.NoError(t, err)
}

// ============================================================================
// Test: NoticeLog
// ============================================================================

func TestNoticeLog_MarkAndDetect(t *testing.T) {
	db := testutil.SetupSQLite(t)
	ctx := context.Background()
	log := persistence.NewNoticeLog(db, persistence.SQLite)

	dup, err := log.IsDuplicate("market_synced", "n-1")
	require.NoError(t, err)
	assert.False(t, dup)

	now := time.UnixMilli(10_000)
	require.NoError(t, log.MarkProcessed(ctx, "market_synced", "n-1", now))
	require.NoError(t, log.MarkProcessed(ctx, "market_synced", "n-1", now))
	require.NoError(t, log.MarkProcessed(ctx, "market_resolved", "n-2", now.Add(time.Second)))

	dup, err = log.IsDuplicate("market_synced", "n-1")
	require.NoError(t, err)
	assert.True(t, dup)

	keys, err := log.RecentKeys(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"market_resolved:n-2", "market_synced:n-1"}, keys)

	n, err := log.Prune(ctx, now.Add(500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
