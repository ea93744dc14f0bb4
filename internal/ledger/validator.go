package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"

	fpmath "PariLedger/internal/math"
	"PariLedger/internal/market"
	"PariLedger/internal/store"
)

// Check names reported in a Violation.
const (
	CheckConservation     = "conservation"
	CheckNonNegative      = "non_negative_balance"
	CheckMarketShape      = "market_shape"
	CheckPoolCoverage     = "pool_coverage"
	CheckBetShape         = "bet_shape"
	CheckCancelledRefunds = "cancelled_refunds"
	CheckVolume           = "volume"
	CheckIndices          = "indices"
	CheckCounters         = "counters"
)

type Violation struct {
	Check  string `json:"check"`
	Detail string `json:"detail"`
}

// Report is the result of one audit pass.
type Report struct {
	Markets    int                 `json:"markets"`
	Bets       int                 `json:"bets"`
	Owners     int                 `json:"owners"`
	Balances   *big.Int            `json:"balances"`
	Escrow     *big.Int            `json:"escrow"`
	Accounts   map[string]*big.Int `json:"accounts"`
	Digest     string              `json:"digest"`
	Violations []Violation         `json:"violations"`
}

func (r *Report) OK() bool { return len(r.Violations) == 0 }

// Err folds every violation into one error, or nil when the ledger is clean.
func (r *Report) Err() error {
	if r.OK() {
		return nil
	}
	parts := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		parts[i] = v.Check + ": " + v.Detail
	}
	return errors.New("ledger invariants violated: " + strings.Join(parts, "; "))
}

func (r *Report) add(check, format string, args ...any) {
	r.Violations = append(r.Violations, Violation{Check: check, Detail: fmt.Sprintf(format, args...)})
}

// InvariantValidator audits a ledger through a store transaction.
type InvariantValidator struct{}

func NewInvariantValidator() *InvariantValidator {
	return &InvariantValidator{}
}

// Audit reads the whole ledger and reports every invariant violation. Store
// errors are returned as errors; violations are in the report.
func (v *InvariantValidator) Audit(tx store.Tx) (*Report, error) {
	r := &Report{}
	tracker := NewBalanceTracker()
	hasher := NewStateHasher()
	fold := func(tag byte, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		hasher.Fold(tag, raw)
		return nil
	}

	g, err := tx.Globals()
	if err != nil {
		return nil, err
	}
	tracker.Add(NewSystemAccountKey(SystemHouse), g.HouseNet)
	tracker.Add(NewSystemAccountKey(SystemProtocolFees), g.ProtocolFees)
	tracker.Add(NewExternalAccountKey(ExternalNetFunding), -g.TotalDeposits)
	tracker.Add(NewExternalAccountKey(ExternalNetFunding), g.TotalWithdrawals)

	if err := tx.ScanBalances(func(owner string, amount int64) error {
		r.Owners++
		tracker.Add(NewUserAccountKey(owner), amount)
		return fold('u', [2]any{owner, amount})
	}); err != nil {
		return nil, err
	}

	markets := make(map[market.MarketID]*market.Market)
	var maxMarket market.MarketID
	if err := tx.ScanMarkets(func(m *market.Market) error {
		r.Markets++
		markets[m.ID] = m
		maxMarket = max(maxMarket, m.ID)
		if err := m.Validate(); err != nil {
			r.add(CheckMarketShape, "%v", err)
		}
		return fold('m', m)
	}); err != nil {
		return nil, err
	}

	type optionKey struct {
		market market.MarketID
		option uint8
	}
	staked := make(map[optionKey]*big.Int)
	ownerIdx := make(map[string][]market.BetID)
	marketIdx := make(map[market.MarketID][]market.BetID)
	volume := new(big.Int)
	var maxBet market.BetID

	if err := tx.ScanBets(func(b *market.Bet) error {
		r.Bets++
		maxBet = max(maxBet, b.ID)
		ownerIdx[b.Owner] = append(ownerIdx[b.Owner], b.ID)
		marketIdx[b.MarketID] = append(marketIdx[b.MarketID], b.ID)
		volume.Add(volume, big.NewInt(b.Amount))
		if err := fold('b', b); err != nil {
			return err
		}

		if !b.Settled {
			tracker.Add(NewSystemAccountKey(SystemEscrow), b.Amount)
		}
		if b.Settled != (b.Payout != nil) {
			r.add(CheckBetShape, "bet %d: settled=%t but payout set=%t", b.ID, b.Settled, b.Payout != nil)
		}
		if b.Amount <= 0 {
			r.add(CheckBetShape, "bet %d: non-positive stake %d", b.ID, b.Amount)
		}
		if b.Odds < fpmath.OddsScale || b.Odds > fpmath.MaxOdds {
			r.add(CheckBetShape, "bet %d: odds %d outside [%d,%d]", b.ID, b.Odds, fpmath.OddsScale, fpmath.MaxOdds)
		}

		m, ok := markets[b.MarketID]
		if !ok {
			r.add(CheckBetShape, "bet %d: market %d missing", b.ID, b.MarketID)
			return nil
		}
		if !m.HasOption(b.OptionID) {
			r.add(CheckBetShape, "bet %d: option %d not in market %d", b.ID, b.OptionID, m.ID)
			return nil
		}
		if m.Status == market.StatusCancelled && !b.Settled {
			r.add(CheckCancelledRefunds, "bet %d on cancelled market %d was not refunded", b.ID, m.ID)
		}
		k := optionKey{b.MarketID, b.OptionID}
		if staked[k] == nil {
			staked[k] = new(big.Int)
		}
		staked[k].Add(staked[k], big.NewInt(b.Amount))
		return nil
	}); err != nil {
		return nil, err
	}

	// Pools may exceed local stakes when a market was synced from another
	// domain, but never fall short of them.
	for k, sum := range staked {
		pool := big.NewInt(markets[k.market].Options[k.option].Pool)
		if pool.Cmp(sum) < 0 {
			r.add(CheckPoolCoverage, "market %d option %d: pool %s below staked %s", k.market, k.option, pool, sum)
		}
	}

	if volume.Cmp(big.NewInt(g.TotalVolume)) != 0 {
		r.add(CheckVolume, "recorded volume %d, bets sum to %s", g.TotalVolume, volume)
	}

	for _, key := range tracker.NegativeAccounts(KindUser) {
		r.add(CheckNonNegative, "%s is %s", key.AccountPath(), tracker.GetBalance(key))
	}
	if total := tracker.ComputeGlobalBalance(); total.Sign() != 0 {
		r.add(CheckConservation,
			"balances+escrow+house+fees differ from net funding by %s", total)
	}

	if err := checkIndices(tx, r, ownerIdx, marketIdx, markets); err != nil {
		return nil, err
	}

	nextMarket, nextBet, err := tx.PeekCounters()
	if err != nil {
		return nil, err
	}
	if nextMarket <= maxMarket {
		r.add(CheckCounters, "next market id %d not above existing id %d", nextMarket, maxMarket)
	}
	if nextBet <= maxBet {
		r.add(CheckCounters, "next bet id %d not above existing id %d", nextBet, maxBet)
	}

	r.Balances = tracker.SumKind(KindUser)
	r.Escrow = tracker.GetBalance(NewSystemAccountKey(SystemEscrow))
	r.Accounts = tracker.Snapshot()
	if err := fold('g', g); err != nil {
		return nil, err
	}
	r.Digest = hasher.Tip()
	return r, nil
}

func checkIndices(
	tx store.Tx,
	r *Report,
	ownerIdx map[string][]market.BetID,
	marketIdx map[market.MarketID][]market.BetID,
	markets map[market.MarketID]*market.Market,
) error {
	for owner, want := range ownerIdx {
		got, err := tx.OwnerBets(owner)
		if err != nil {
			return err
		}
		if !slices.Equal(sortedBetIDs(got), want) {
			r.add(CheckIndices, "owner %q: index %v, bets %v", owner, got, want)
		}
	}

	var wantOpen []market.MarketID
	for id, m := range markets {
		got, err := tx.MarketBets(id)
		if err != nil {
			return err
		}
		if !slices.Equal(sortedBetIDs(got), marketIdx[id]) {
			r.add(CheckIndices, "market %d: index %v, bets %v", id, got, marketIdx[id])
		}
		if m.Status == market.StatusOpen {
			wantOpen = append(wantOpen, id)
		}
	}
	slices.Sort(wantOpen)

	gotOpen, err := tx.OpenMarkets()
	if err != nil {
		return err
	}
	slices.Sort(gotOpen)
	if !slices.Equal(gotOpen, wantOpen) {
		r.add(CheckIndices, "open set %v, open markets %v", gotOpen, wantOpen)
	}
	return nil
}

func sortedBetIDs(ids []market.BetID) []market.BetID {
	out := slices.Clone(ids)
	slices.Sort(out)
	return out
}
