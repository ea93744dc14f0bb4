package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"PariLedger/internal/market"
	"PariLedger/internal/store"
)

// SQLStore implements store.Store on Postgres or SQLite. Each store.Tx maps
// onto one database transaction.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, d Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d}
}

func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, s.dialect.TxOptions)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &sqlTx{ctx: ctx, tx: tx, d: s.dialect}, nil
}

type sqlTx struct {
	ctx  context.Context
	tx   *sql.Tx
	d    Dialect
	done bool
}

func (t *sqlTx) exec(q string, args ...any) error {
	if t.done {
		return store.ErrClosed
	}
	_, err := t.tx.ExecContext(t.ctx, t.d.Rebind(q), args...)
	return err
}

func (t *sqlTx) queryRow(q string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, t.d.Rebind(q), args...)
}

// queryIDs collects a single int64 column. Rows are fully drained before
// returning so callers can issue further statements on the same tx.
func (t *sqlTx) queryIDs(q string, args ...any) ([]int64, error) {
	if t.done {
		return nil, store.ErrClosed
	}
	rows, err := t.tx.QueryContext(t.ctx, t.d.Rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- markets ---

const marketColumns = `id, match_id, category, title, options, status, created_at, locks_at, winning_option`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarket(r rowScanner) (*market.Market, error) {
	var (
		m       market.Market
		id      int64
		options string
		status  string
		winning sql.NullInt64
	)
	if err := r.Scan(&id, &m.MatchID, &m.Category, &m.Title, &options, &status, &m.CreatedAt, &m.LocksAt, &winning); err != nil {
		return nil, err
	}
	m.ID = market.MarketID(id)
	if err := json.Unmarshal([]byte(options), &m.Options); err != nil {
		return nil, fmt.Errorf("market %d options: %w", id, err)
	}
	st, err := market.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	m.Status = st
	if winning.Valid {
		w := uint8(winning.Int64)
		m.WinningOption = &w
	}
	return &m, nil
}

func (t *sqlTx) Market(id market.MarketID) (*market.Market, bool, error) {
	if t.done {
		return nil, false, store.ErrClosed
	}
	m, err := scanMarket(t.queryRow(`SELECT `+marketColumns+` FROM markets WHERE id = $1`, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get market %d: %w", id, err)
	}
	return m, true, nil
}

func (t *sqlTx) PutMarket(m *market.Market) error {
	options, err := json.Marshal(m.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	var winning sql.NullInt64
	if m.WinningOption != nil {
		winning = sql.NullInt64{Int64: int64(*m.WinningOption), Valid: true}
	}
	err = t.exec(`
		INSERT INTO markets (`+marketColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			match_id = excluded.match_id,
			category = excluded.category,
			title = excluded.title,
			options = excluded.options,
			status = excluded.status,
			created_at = excluded.created_at,
			locks_at = excluded.locks_at,
			winning_option = excluded.winning_option`,
		int64(m.ID), m.MatchID, m.Category, m.Title, string(options), m.Status.String(),
		m.CreatedAt, m.LocksAt, winning,
	)
	if err != nil {
		return fmt.Errorf("put market %d: %w", m.ID, err)
	}
	return nil
}

// --- bets ---

const betColumns = `id, owner, market_id, option_id, amount, odds, placed_at, settled, payout`

func scanBet(r rowScanner) (*market.Bet, error) {
	var (
		b              market.Bet
		id, marketID   int64
		optionID, odds int64
		payout         sql.NullInt64
	)
	if err := r.Scan(&id, &b.Owner, &marketID, &optionID, &b.Amount, &odds, &b.PlacedAt, &b.Settled, &payout); err != nil {
		return nil, err
	}
	b.ID = market.BetID(id)
	b.MarketID = market.MarketID(marketID)
	b.OptionID = uint8(optionID)
	b.Odds = uint32(odds)
	if payout.Valid {
		p := payout.Int64
		b.Payout = &p
	}
	return &b, nil
}

func (t *sqlTx) Bet(id market.BetID) (*market.Bet, bool, error) {
	if t.done {
		return nil, false, store.ErrClosed
	}
	b, err := scanBet(t.queryRow(`SELECT `+betColumns+` FROM bets WHERE id = $1`, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get bet %d: %w", id, err)
	}
	return b, true, nil
}

func (t *sqlTx) PutBet(b *market.Bet) error {
	var payout sql.NullInt64
	if b.Payout != nil {
		payout = sql.NullInt64{Int64: *b.Payout, Valid: true}
	}
	err := t.exec(`
		INSERT INTO bets (`+betColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			settled = excluded.settled,
			payout = excluded.payout`,
		int64(b.ID), b.Owner, int64(b.MarketID), int64(b.OptionID), b.Amount, int64(b.Odds),
		b.PlacedAt, b.Settled, payout,
	)
	if err != nil {
		return fmt.Errorf("put bet %d: %w", b.ID, err)
	}
	return nil
}

// --- balances ---

func (t *sqlTx) Balance(owner string) (int64, error) {
	if t.done {
		return 0, store.ErrClosed
	}
	var amount int64
	err := t.queryRow(`SELECT amount FROM balances WHERE owner = $1`, owner).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return amount, nil
}

func (t *sqlTx) PutBalance(owner string, amount int64) error {
	err := t.exec(`
		INSERT INTO balances (owner, amount) VALUES ($1, $2)
		ON CONFLICT (owner) DO UPDATE SET amount = excluded.amount`,
		owner, amount,
	)
	if err != nil {
		return fmt.Errorf("put balance: %w", err)
	}
	return nil
}

// --- indices ---

func (t *sqlTx) OwnerBets(owner string) ([]market.BetID, error) {
	raw, err := t.queryIDs(`SELECT bet_id FROM owner_bets WHERE owner = $1 ORDER BY bet_id`, owner)
	if err != nil {
		return nil, fmt.Errorf("owner bets: %w", err)
	}
	return toBetIDs(raw), nil
}

func (t *sqlTx) AppendOwnerBet(owner string, id market.BetID) error {
	if err := t.exec(`INSERT INTO owner_bets (owner, bet_id) VALUES ($1, $2)`, owner, int64(id)); err != nil {
		return fmt.Errorf("append owner bet: %w", err)
	}
	return nil
}

func (t *sqlTx) MarketBets(id market.MarketID) ([]market.BetID, error) {
	raw, err := t.queryIDs(`SELECT bet_id FROM market_bets WHERE market_id = $1 ORDER BY bet_id`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("market bets: %w", err)
	}
	return toBetIDs(raw), nil
}

func (t *sqlTx) AppendMarketBet(id market.MarketID, bet market.BetID) error {
	if err := t.exec(`INSERT INTO market_bets (market_id, bet_id) VALUES ($1, $2)`, int64(id), int64(bet)); err != nil {
		return fmt.Errorf("append market bet: %w", err)
	}
	return nil
}

func (t *sqlTx) OpenMarkets() ([]market.MarketID, error) {
	raw, err := t.queryIDs(`SELECT market_id FROM open_markets ORDER BY market_id`)
	if err != nil {
		return nil, fmt.Errorf("open markets: %w", err)
	}
	ids := make([]market.MarketID, len(raw))
	for i, v := range raw {
		ids[i] = market.MarketID(v)
	}
	return ids, nil
}

func (t *sqlTx) AddOpenMarket(id market.MarketID) error {
	if err := t.exec(`INSERT INTO open_markets (market_id) VALUES ($1) ON CONFLICT (market_id) DO NOTHING`, int64(id)); err != nil {
		return fmt.Errorf("add open market: %w", err)
	}
	return nil
}

func (t *sqlTx) RemoveOpenMarket(id market.MarketID) error {
	if err := t.exec(`DELETE FROM open_markets WHERE market_id = $1`, int64(id)); err != nil {
		return fmt.Errorf("remove open market: %w", err)
	}
	return nil
}

func (t *sqlTx) ResetIndices() error {
	for _, table := range []string{"owner_bets", "market_bets", "open_markets"} {
		if err := t.exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

// --- counters ---

func (t *sqlTx) next(name string) (int64, error) {
	if t.done {
		return 0, store.ErrClosed
	}
	var v int64
	if err := t.queryRow(`SELECT value FROM counters WHERE name = $1`, name).Scan(&v); err != nil {
		return 0, fmt.Errorf("read counter %s: %w", name, err)
	}
	if err := t.exec(`UPDATE counters SET value = $1 WHERE name = $2`, v+1, name); err != nil {
		return 0, fmt.Errorf("advance counter %s: %w", name, err)
	}
	return v, nil
}

func (t *sqlTx) NextMarketID() (market.MarketID, error) {
	v, err := t.next("market")
	return market.MarketID(v), err
}

func (t *sqlTx) NextBetID() (market.BetID, error) {
	v, err := t.next("bet")
	return market.BetID(v), err
}

func (t *sqlTx) ReserveMarketID(id market.MarketID) error {
	err := t.exec(`UPDATE counters SET value = $1 WHERE name = 'market' AND value <= $2`, int64(id)+1, int64(id))
	if err != nil {
		return fmt.Errorf("reserve market id: %w", err)
	}
	return nil
}

func (t *sqlTx) PeekCounters() (market.MarketID, market.BetID, error) {
	if t.done {
		return 0, 0, store.ErrClosed
	}
	var m, b int64
	err := t.queryRow(`SELECT
		(SELECT value FROM counters WHERE name = 'market'),
		(SELECT value FROM counters WHERE name = 'bet')`).Scan(&m, &b)
	if err != nil {
		return 0, 0, fmt.Errorf("peek counters: %w", err)
	}
	return market.MarketID(m), market.BetID(b), nil
}

// --- globals ---

func (t *sqlTx) Globals() (store.Globals, error) {
	if t.done {
		return store.Globals{}, store.ErrClosed
	}
	var (
		g   store.Globals
		fee int64
	)
	err := t.queryRow(`
		SELECT initialized, fee_rate_bps, total_volume, protocol_fees,
		       total_deposits, total_withdrawals, house_net
		FROM globals WHERE id = 1`).Scan(
		&g.Initialized, &fee, &g.TotalVolume, &g.ProtocolFees,
		&g.TotalDeposits, &g.TotalWithdrawals, &g.HouseNet,
	)
	if err != nil {
		return store.Globals{}, fmt.Errorf("get globals: %w", err)
	}
	g.FeeRateBps = uint16(fee)
	return g, nil
}

func (t *sqlTx) PutGlobals(g store.Globals) error {
	err := t.exec(`
		UPDATE globals SET
			initialized = $1, fee_rate_bps = $2, total_volume = $3, protocol_fees = $4,
			total_deposits = $5, total_withdrawals = $6, house_net = $7
		WHERE id = 1`,
		g.Initialized, int64(g.FeeRateBps), g.TotalVolume, g.ProtocolFees,
		g.TotalDeposits, g.TotalWithdrawals, g.HouseNet,
	)
	if err != nil {
		return fmt.Errorf("put globals: %w", err)
	}
	return nil
}

// --- scans ---

func (t *sqlTx) ScanMarkets(fn func(*market.Market) error) error {
	if t.done {
		return store.ErrClosed
	}
	rows, err := t.tx.QueryContext(t.ctx, `SELECT `+marketColumns+` FROM markets ORDER BY id`)
	if err != nil {
		return fmt.Errorf("scan markets: %w", err)
	}
	var all []*market.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("scan markets: %w", err)
		}
		all = append(all, m)
	}
	if err := closeRows(rows); err != nil {
		return fmt.Errorf("scan markets: %w", err)
	}
	for _, m := range all {
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTx) ScanBets(fn func(*market.Bet) error) error {
	if t.done {
		return store.ErrClosed
	}
	rows, err := t.tx.QueryContext(t.ctx, `SELECT `+betColumns+` FROM bets ORDER BY id`)
	if err != nil {
		return fmt.Errorf("scan bets: %w", err)
	}
	var all []*market.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("scan bets: %w", err)
		}
		all = append(all, b)
	}
	if err := closeRows(rows); err != nil {
		return fmt.Errorf("scan bets: %w", err)
	}
	for _, b := range all {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTx) ScanBalances(fn func(string, int64) error) error {
	if t.done {
		return store.ErrClosed
	}
	rows, err := t.tx.QueryContext(t.ctx, `SELECT owner, amount FROM balances ORDER BY owner`)
	if err != nil {
		return fmt.Errorf("scan balances: %w", err)
	}
	type entry struct {
		owner  string
		amount int64
	}
	var all []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.owner, &e.amount); err != nil {
			rows.Close()
			return fmt.Errorf("scan balances: %w", err)
		}
		all = append(all, e)
	}
	if err := closeRows(rows); err != nil {
		return fmt.Errorf("scan balances: %w", err)
	}
	for _, e := range all {
		if err := fn(e.owner, e.amount); err != nil {
			return err
		}
	}
	return nil
}

// --- lifecycle ---

func (t *sqlTx) Commit() error {
	if t.done {
		return store.ErrClosed
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	if cerr := rows.Close(); err == nil {
		err = cerr
	}
	return err
}

func toBetIDs(raw []int64) []market.BetID {
	ids := make([]market.BetID, len(raw))
	for i, v := range raw {
		ids[i] = market.BetID(v)
	}
	return ids
}
