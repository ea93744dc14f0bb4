// Package memory is an in-process store.Store. Transactions are serialized;
// writes are staged and only become visible on Commit.
package memory

import (
	"context"
	"sort"

	"PariLedger/internal/market"
	"PariLedger/internal/store"
)

type state struct {
	markets    map[market.MarketID]*market.Market
	bets       map[market.BetID]*market.Bet
	balances   map[string]int64
	ownerBets  map[string][]market.BetID
	marketBets map[market.MarketID][]market.BetID
	open       map[market.MarketID]struct{}
	globals    store.Globals

	nextMarket market.MarketID
	nextBet    market.BetID
}

// Store keeps everything in maps. The zero value is not usable; call New.
type Store struct {
	sem chan struct{}
	st  *state
}

func New() *Store {
	return &Store{
		sem: make(chan struct{}, 1),
		st: &state{
			markets:    make(map[market.MarketID]*market.Market),
			bets:       make(map[market.BetID]*market.Bet),
			balances:   make(map[string]int64),
			ownerBets:  make(map[string][]market.BetID),
			marketBets: make(map[market.MarketID][]market.BetID),
			open:       make(map[market.MarketID]struct{}),
			nextMarket: 1,
			nextBet:    1,
		},
	}
}

// Begin blocks until no other transaction is active or ctx is done.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &tx{
		s:          s,
		markets:    make(map[market.MarketID]*market.Market),
		bets:       make(map[market.BetID]*market.Bet),
		balances:   make(map[string]int64),
		ownerBets:  make(map[string][]market.BetID),
		marketBets: make(map[market.MarketID][]market.BetID),
		open:       make(map[market.MarketID]bool),
		nextMarket: s.st.nextMarket,
		nextBet:    s.st.nextBet,
	}, nil
}

type tx struct {
	s    *Store
	done bool

	markets    map[market.MarketID]*market.Market
	bets       map[market.BetID]*market.Bet
	balances   map[string]int64
	ownerBets  map[string][]market.BetID
	marketBets map[market.MarketID][]market.BetID
	open       map[market.MarketID]bool // false = removed
	globals    *store.Globals
	resetIdx   bool
	nextMarket market.MarketID
	nextBet    market.BetID
}

func (t *tx) base() *state { return t.s.st }

func (t *tx) Market(id market.MarketID) (*market.Market, bool, error) {
	if t.done {
		return nil, false, store.ErrClosed
	}
	if m, ok := t.markets[id]; ok {
		return m.Clone(), true, nil
	}
	if m, ok := t.base().markets[id]; ok {
		return m.Clone(), true, nil
	}
	return nil, false, nil
}

func (t *tx) PutMarket(m *market.Market) error {
	if t.done {
		return store.ErrClosed
	}
	t.markets[m.ID] = m.Clone()
	return nil
}

func (t *tx) Bet(id market.BetID) (*market.Bet, bool, error) {
	if t.done {
		return nil, false, store.ErrClosed
	}
	if b, ok := t.bets[id]; ok {
		return b.Clone(), true, nil
	}
	if b, ok := t.base().bets[id]; ok {
		return b.Clone(), true, nil
	}
	return nil, false, nil
}

func (t *tx) PutBet(b *market.Bet) error {
	if t.done {
		return store.ErrClosed
	}
	t.bets[b.ID] = b.Clone()
	return nil
}

func (t *tx) Balance(owner string) (int64, error) {
	if t.done {
		return 0, store.ErrClosed
	}
	if v, ok := t.balances[owner]; ok {
		return v, nil
	}
	return t.base().balances[owner], nil
}

func (t *tx) PutBalance(owner string, amount int64) error {
	if t.done {
		return store.ErrClosed
	}
	t.balances[owner] = amount
	return nil
}

func (t *tx) OwnerBets(owner string) ([]market.BetID, error) {
	if t.done {
		return nil, store.ErrClosed
	}
	return append([]market.BetID(nil), t.ownerList(owner)...), nil
}

func (t *tx) ownerList(owner string) []market.BetID {
	if ids, ok := t.ownerBets[owner]; ok {
		return ids
	}
	if t.resetIdx {
		return nil
	}
	return t.base().ownerBets[owner]
}

func (t *tx) AppendOwnerBet(owner string, id market.BetID) error {
	if t.done {
		return store.ErrClosed
	}
	cur := t.ownerList(owner)
	next := make([]market.BetID, len(cur), len(cur)+1)
	copy(next, cur)
	t.ownerBets[owner] = append(next, id)
	return nil
}

func (t *tx) MarketBets(id market.MarketID) ([]market.BetID, error) {
	if t.done {
		return nil, store.ErrClosed
	}
	return append([]market.BetID(nil), t.marketList(id)...), nil
}

func (t *tx) marketList(id market.MarketID) []market.BetID {
	if ids, ok := t.marketBets[id]; ok {
		return ids
	}
	if t.resetIdx {
		return nil
	}
	return t.base().marketBets[id]
}

func (t *tx) AppendMarketBet(id market.MarketID, bet market.BetID) error {
	if t.done {
		return store.ErrClosed
	}
	cur := t.marketList(id)
	next := make([]market.BetID, len(cur), len(cur)+1)
	copy(next, cur)
	t.marketBets[id] = append(next, bet)
	return nil
}

func (t *tx) OpenMarkets() ([]market.MarketID, error) {
	if t.done {
		return nil, store.ErrClosed
	}
	set := make(map[market.MarketID]struct{})
	if !t.resetIdx {
		for id := range t.base().open {
			set[id] = struct{}{}
		}
	}
	for id, present := range t.open {
		if present {
			set[id] = struct{}{}
		} else {
			delete(set, id)
		}
	}
	ids := make([]market.MarketID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (t *tx) AddOpenMarket(id market.MarketID) error {
	if t.done {
		return store.ErrClosed
	}
	t.open[id] = true
	return nil
}

func (t *tx) RemoveOpenMarket(id market.MarketID) error {
	if t.done {
		return store.ErrClosed
	}
	t.open[id] = false
	return nil
}

func (t *tx) NextMarketID() (market.MarketID, error) {
	if t.done {
		return 0, store.ErrClosed
	}
	id := t.nextMarket
	t.nextMarket++
	return id, nil
}

func (t *tx) NextBetID() (market.BetID, error) {
	if t.done {
		return 0, store.ErrClosed
	}
	id := t.nextBet
	t.nextBet++
	return id, nil
}

func (t *tx) ReserveMarketID(id market.MarketID) error {
	if t.done {
		return store.ErrClosed
	}
	if t.nextMarket <= id {
		t.nextMarket = id + 1
	}
	return nil
}

func (t *tx) PeekCounters() (market.MarketID, market.BetID, error) {
	if t.done {
		return 0, 0, store.ErrClosed
	}
	return t.nextMarket, t.nextBet, nil
}

func (t *tx) Globals() (store.Globals, error) {
	if t.done {
		return store.Globals{}, store.ErrClosed
	}
	if t.globals != nil {
		return *t.globals, nil
	}
	return t.base().globals, nil
}

func (t *tx) PutGlobals(g store.Globals) error {
	if t.done {
		return store.ErrClosed
	}
	t.globals = &g
	return nil
}

func (t *tx) ScanMarkets(fn func(*market.Market) error) error {
	if t.done {
		return store.ErrClosed
	}
	ids := make(map[market.MarketID]struct{}, len(t.base().markets)+len(t.markets))
	for id := range t.base().markets {
		ids[id] = struct{}{}
	}
	for id := range t.markets {
		ids[id] = struct{}{}
	}
	for _, id := range sortedKeys(ids) {
		m, _, _ := t.Market(id)
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) ScanBets(fn func(*market.Bet) error) error {
	if t.done {
		return store.ErrClosed
	}
	ids := make(map[market.BetID]struct{}, len(t.base().bets)+len(t.bets))
	for id := range t.base().bets {
		ids[id] = struct{}{}
	}
	for id := range t.bets {
		ids[id] = struct{}{}
	}
	for _, id := range sortedKeys(ids) {
		b, _, _ := t.Bet(id)
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) ScanBalances(fn func(string, int64) error) error {
	if t.done {
		return store.ErrClosed
	}
	owners := make(map[string]struct{}, len(t.base().balances)+len(t.balances))
	for o := range t.base().balances {
		owners[o] = struct{}{}
	}
	for o := range t.balances {
		owners[o] = struct{}{}
	}
	for _, o := range sortedKeys(owners) {
		v, _ := t.Balance(o)
		if err := fn(o, v); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) ResetIndices() error {
	if t.done {
		return store.ErrClosed
	}
	t.resetIdx = true
	t.ownerBets = make(map[string][]market.BetID)
	t.marketBets = make(map[market.MarketID][]market.BetID)
	t.open = make(map[market.MarketID]bool)
	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return store.ErrClosed
	}
	st := t.base()
	for id, m := range t.markets {
		st.markets[id] = m
	}
	for id, b := range t.bets {
		st.bets[id] = b
	}
	for o, v := range t.balances {
		st.balances[o] = v
	}
	if t.resetIdx {
		st.ownerBets = make(map[string][]market.BetID)
		st.marketBets = make(map[market.MarketID][]market.BetID)
		st.open = make(map[market.MarketID]struct{})
	}
	for o, ids := range t.ownerBets {
		st.ownerBets[o] = ids
	}
	for id, ids := range t.marketBets {
		st.marketBets[id] = ids
	}
	for id, present := range t.open {
		if present {
			st.open[id] = struct{}{}
		} else {
			delete(st.open, id)
		}
	}
	if t.globals != nil {
		st.globals = *t.globals
	}
	st.nextMarket, st.nextBet = t.nextMarket, t.nextBet
	t.finish()
	return nil
}

// Rollback discards staged writes. Calling it after Commit is a no-op so it
// can be deferred unconditionally.
func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

func (t *tx) finish() {
	t.done = true
	<-t.s.sem
}

type ordered interface {
	~uint64 | ~string
}

func sortedKeys[K ordered](m map[K]struct{}) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
