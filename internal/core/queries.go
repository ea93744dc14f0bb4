package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PariLedger/internal/ledger"
	fpmath "PariLedger/internal/math"
	"PariLedger/internal/market"
)

// Stats is the ledger-wide totals view.
type Stats struct {
	FeeRateBps       uint16 `json:"fee_rate_bps"`
	TotalVolume      int64  `json:"total_volume"`
	ProtocolFees     int64  `json:"protocol_fees"`
	TotalDeposits    int64  `json:"total_deposits"`
	TotalWithdrawals int64  `json:"total_withdrawals"`
	HouseNet         int64  `json:"house_net"`
	NextMarketID     uint64 `json:"next_market_id"`
	NextBetID        uint64 `json:"next_bet_id"`
}

// Quote is the price a hypothetical bet would get right now.
type Quote struct {
	MarketID market.MarketID `json:"market_id"`
	OptionID uint8           `json:"option_id"`
	Amount   int64           `json:"amount"`
	Odds     uint32          `json:"odds"`
	Gross    int64           `json:"gross"`
	Fee      int64           `json:"fee"`
	Payout   int64           `json:"payout"`
}

func (c *Controller) Market(ctx context.Context, id market.MarketID) (*market.Market, error) {
	var out *market.Market
	err := c.view(ctx, "market", func(u *unit) error {
		m, err := u.market(id)
		out = m
		return err
	})
	return out, err
}

// OpenMarkets lists markets still taking bets, ordered by id.
func (c *Controller) OpenMarkets(ctx context.Context) ([]*market.Market, error) {
	var out []*market.Market
	err := c.view(ctx, "open_markets", func(u *unit) error {
		ids, err := u.tx.OpenMarkets()
		if err != nil {
			return u.storeErr("read open set", err)
		}
		for _, id := range ids {
			m, err := u.market(id)
			if err != nil {
				if errors.Is(err, market.ErrMarketNotFound) {
					return u.storeErr("read open set", fmt.Errorf("open set names missing market %d", id))
				}
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

// MarketsByMatch lists every market created for one external match.
func (c *Controller) MarketsByMatch(ctx context.Context, matchID string) ([]*market.Market, error) {
	var out []*market.Market
	err := c.view(ctx, "markets_by_match", func(u *unit) error {
		return u.check("scan markets", u.tx.ScanMarkets(func(m *market.Market) error {
			if m.MatchID == matchID {
				out = append(out, m)
			}
			return nil
		}))
	})
	return out, err
}

func (c *Controller) Bet(ctx context.Context, id market.BetID) (*market.Bet, error) {
	var out *market.Bet
	err := c.view(ctx, "bet", func(u *unit) error {
		b, err := u.bet(id)
		out = b
		return err
	})
	return out, err
}

// Balance returns the owner's spendable balance; unknown owners have zero.
func (c *Controller) Balance(ctx context.Context, owner string) (int64, error) {
	var out int64
	err := c.view(ctx, "balance", func(u *unit) error {
		v, err := u.balance(owner)
		out = v
		return err
	})
	return out, err
}

func (c *Controller) OwnerBets(ctx context.Context, owner string) ([]*market.Bet, error) {
	var out []*market.Bet
	err := c.view(ctx, "owner_bets", func(u *unit) error {
		ids, err := u.tx.OwnerBets(owner)
		if err != nil {
			return u.storeErr("read owner index", err)
		}
		out, err = u.bets(ids)
		return err
	})
	return out, err
}

func (c *Controller) MarketBets(ctx context.Context, id market.MarketID) ([]*market.Bet, error) {
	var out []*market.Bet
	err := c.view(ctx, "market_bets", func(u *unit) error {
		if _, err := u.market(id); err != nil {
			return err
		}
		ids, err := u.tx.MarketBets(id)
		if err != nil {
			return u.storeErr("read market index", err)
		}
		out, err = u.bets(ids)
		return err
	})
	return out, err
}

func (u *unit) bets(ids []market.BetID) ([]*market.Bet, error) {
	out := make([]*market.Bet, 0, len(ids))
	for _, id := range ids {
		b, err := u.bet(id)
		if err != nil {
			if errors.Is(err, market.ErrBetNotFound) {
				return nil, u.storeErr("read index", fmt.Errorf("index names missing bet %d", id))
			}
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (c *Controller) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	err := c.view(ctx, "stats", func(u *unit) error {
		g, err := u.globals()
		if err != nil {
			return err
		}
		nm, nb, err := u.tx.PeekCounters()
		if err != nil {
			return u.storeErr("read counters", err)
		}
		out = Stats{
			FeeRateBps:       g.FeeRateBps,
			TotalVolume:      g.TotalVolume,
			ProtocolFees:     g.ProtocolFees,
			TotalDeposits:    g.TotalDeposits,
			TotalWithdrawals: g.TotalWithdrawals,
			HouseNet:         g.HouseNet,
			NextMarketID:     uint64(nm),
			NextBetID:        uint64(nb),
		}
		return nil
	})
	return out, err
}

// Quote prices a bet of amount on an option without placing it. The odds
// include the quoted stake, exactly as PlaceBet would compute them.
func (c *Controller) Quote(ctx context.Context, id market.MarketID, optionID uint8, amount int64) (Quote, error) {
	var out Quote
	err := c.view(ctx, "quote", func(u *unit) error {
		g, err := u.initializedGlobals()
		if err != nil {
			return err
		}
		if amount <= 0 {
			return market.Reject(market.CodeInvalidAmount, "quote amount must be positive")
		}
		m, err := u.market(id)
		if err != nil {
			return err
		}
		if m.Status != market.StatusOpen {
			return market.Reject(market.CodeMarketNotOpen, "market is "+m.Status.String())
		}
		if !m.HasOption(optionID) {
			return market.Reject(market.CodeInvalidOption, fmt.Sprintf("option %d", optionID))
		}
		total, ok := m.TotalPool()
		if !ok {
			return overflow("total pool")
		}
		newTotal, ok := addChecked(total, amount)
		if !ok {
			return overflow("total pool")
		}
		newPool, ok := addChecked(m.Options[optionID].Pool, amount)
		if !ok {
			return overflow("option pool")
		}
		odds := fpmath.Odds(newTotal, newPool)
		s, err := fpmath.Settle(amount, odds, g.FeeRateBps)
		if err != nil {
			return overflow("payout")
		}
		out = Quote{
			MarketID: id, OptionID: optionID, Amount: amount,
			Odds: odds, Gross: s.Gross, Fee: s.Fee, Payout: s.Payout,
		}
		return nil
	})
	return out, err
}

// RebuildIndices recomputes the owner, market and open-market indices from
// the primary tables in one transaction.
func (c *Controller) RebuildIndices(ctx context.Context) (ledger.RebuildStats, error) {
	var out ledger.RebuildStats
	err := c.run(ctx, "rebuild_indices", func(u *unit) error {
		st, err := ledger.RebuildIndices(u.tx)
		if err != nil {
			return u.storeErr("rebuild", err)
		}
		out = st
		c.log.Info().
			Int("owner_entries", st.OwnerEntries).
			Int("market_entries", st.MarketEntries).
			Int("open_markets", st.OpenMarkets).
			Msg("indices rebuilt")
		return nil
	})
	return out, err
}

// Audit checks conservation and index consistency against a consistent
// read of the whole ledger.
func (c *Controller) Audit(ctx context.Context) (*ledger.Report, error) {
	start := time.Now()
	var out *ledger.Report
	err := c.view(ctx, "audit", func(u *unit) error {
		r, err := c.validator.Audit(u.tx)
		if err != nil {
			return u.storeErr("audit", err)
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.AuditRuns.Inc()
		c.metrics.AuditDuration.Observe(time.Since(start).Seconds())
		for _, v := range out.Violations {
			c.metrics.AuditViolations.WithLabelValues(v.Check).Inc()
		}
	}
	for _, v := range out.Violations {
		c.log.Error().Str("check", v.Check).Str("detail", v.Detail).Msg("invariant violated")
	}
	return out, nil
}
