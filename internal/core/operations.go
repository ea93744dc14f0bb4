package core

import (
	"context"
	"errors"
	"fmt"
	"math"

	fpmath "PariLedger/internal/math"
	"PariLedger/internal/market"
)

// CreateMarketRequest describes a new market. LocksAt is ms since epoch.
type CreateMarketRequest struct {
	MatchID  string
	Category string
	Title    string
	Options  []string
	LocksAt  int64
}

type BetPlaced struct {
	BetID market.BetID `json:"bet_id"`
	Odds  uint32       `json:"odds"`
}

type MarketCancelled struct {
	MarketID       market.MarketID `json:"market_id"`
	RefundedBets   int             `json:"refunded_bets"`
	RefundedAmount int64           `json:"refunded_amount"`
}

type WinningsClaimed struct {
	BetID  market.BetID `json:"bet_id"`
	Amount int64        `json:"amount"`
	Fee    int64        `json:"fee"`
	Won    bool         `json:"won"`
}

type BalanceChanged struct {
	Amount     int64 `json:"amount"`
	NewBalance int64 `json:"new_balance"`
}

func addChecked(a, b int64) (int64, bool) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, false
	}
	if b < 0 && a < math.MinInt64-b {
		return 0, false
	}
	return a + b, true
}

func overflow(what string) error {
	return market.Reject(market.CodeAmountOverflow, what)
}

// Initialize sets the immutable protocol fee. It must run once before any
// other mutation.
func (c *Controller) Initialize(ctx context.Context, feeRateBps uint16) error {
	return c.run(ctx, "initialize", func(u *unit) error {
		if feeRateBps > market.MaxFeeRateBps {
			return market.Reject(market.CodeInvalidFeeRate,
				fmt.Sprintf("%d bps exceeds %d", feeRateBps, market.MaxFeeRateBps))
		}
		g, err := u.globals()
		if err != nil {
			return err
		}
		if g.Initialized {
			return market.ErrAlreadyInitialized
		}
		g.Initialized = true
		g.FeeRateBps = feeRateBps
		return u.check("write globals", u.tx.PutGlobals(g))
	})
}

func (c *Controller) CreateMarket(ctx context.Context, op Op, req CreateMarketRequest) (*market.Market, error) {
	var created *market.Market
	err := c.run(ctx, "create_market", func(u *unit) error {
		if _, err := u.initializedGlobals(); err != nil {
			return err
		}
		if n := len(req.Options); n < market.MinOptions || n > market.MaxOptions {
			return market.Reject(market.CodeInvalidOptionCount,
				fmt.Sprintf("got %d options, need %d-%d", n, market.MinOptions, market.MaxOptions))
		}
		if req.LocksAt <= op.Now {
			return market.ErrLockTimeNotInFuture
		}

		id, err := u.tx.NextMarketID()
		if err != nil {
			return u.storeErr("allocate market id", err)
		}
		m := &market.Market{
			ID:        id,
			MatchID:   req.MatchID,
			Category:  req.Category,
			Title:     req.Title,
			Options:   make([]market.Option, len(req.Options)),
			Status:    market.StatusOpen,
			CreatedAt: op.Now,
			LocksAt:   req.LocksAt,
		}
		for i, label := range req.Options {
			m.Options[i] = market.Option{ID: uint8(i), Label: label}
		}

		if err := u.check("write market", u.tx.PutMarket(m)); err != nil {
			return err
		}
		if err := u.check("index open market", u.tx.AddOpenMarket(id)); err != nil {
			return err
		}
		u.emit(Notice{Kind: NoticeMarketSynced, MarketID: id, Market: m.Clone()})
		created = m
		return nil
	})
	return created, err
}

// PlaceBet stakes amount from the caller's balance on one option. Odds are
// quoted from the pools as they will be after this bet.
func (c *Controller) PlaceBet(ctx context.Context, op Op, marketID market.MarketID, optionID uint8, amount int64) (BetPlaced, error) {
	var out BetPlaced
	err := c.run(ctx, "place_bet", func(u *unit) error {
		g, err := u.initializedGlobals()
		if err != nil {
			return err
		}
		if amount <= 0 {
			return market.Reject(market.CodeInvalidAmount, "bet amount must be positive")
		}
		balance, err := u.balance(op.Caller)
		if err != nil {
			return err
		}
		if balance < amount {
			return market.ErrInsufficientBalance
		}
		m, err := u.market(marketID)
		if err != nil {
			return err
		}
		if m.Status != market.StatusOpen {
			return market.Reject(market.CodeMarketNotOpen, "market is "+m.Status.String())
		}
		if op.Now >= m.LocksAt {
			return market.ErrMarketLocked
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
		opt := &m.Options[optionID]
		newPool, ok := addChecked(opt.Pool, amount)
		if !ok {
			return overflow("option pool")
		}
		volume, ok := addChecked(g.TotalVolume, amount)
		if !ok {
			return overflow("total volume")
		}

		odds := fpmath.Odds(newTotal, newPool)
		opt.Pool = newPool

		id, err := u.tx.NextBetID()
		if err != nil {
			return u.storeErr("allocate bet id", err)
		}
		bet := &market.Bet{
			ID:       id,
			Owner:    op.Caller,
			MarketID: marketID,
			OptionID: optionID,
			Amount:   amount,
			Odds:     odds,
			PlacedAt: op.Now,
		}
		g.TotalVolume = volume

		for _, w := range []struct {
			what string
			err  func() error
		}{
			{"write balance", func() error { return u.tx.PutBalance(op.Caller, balance-amount) }},
			{"write market", func() error { return u.tx.PutMarket(m) }},
			{"write bet", func() error { return u.tx.PutBet(bet) }},
			{"index owner bet", func() error { return u.tx.AppendOwnerBet(op.Caller, id) }},
			{"index market bet", func() error { return u.tx.AppendMarketBet(marketID, id) }},
			{"write globals", func() error { return u.tx.PutGlobals(g) }},
		} {
			if err := u.check(w.what, w.err()); err != nil {
				return err
			}
		}

		out = BetPlaced{BetID: id, Odds: odds}
		return nil
	})
	return out, err
}

// LockMarket stops a market from taking bets.
func (c *Controller) LockMarket(ctx context.Context, op Op, marketID market.MarketID) error {
	return c.run(ctx, "lock_market", func(u *unit) error {
		if _, err := u.initializedGlobals(); err != nil {
			return err
		}
		m, err := u.market(marketID)
		if err != nil {
			return err
		}
		if !m.Status.CanTransitionTo(market.StatusLocked) {
			return market.Reject(market.CodeMarketNotOpen, "market is "+m.Status.String())
		}
		m.Status = market.StatusLocked
		if err := u.check("write market", u.tx.PutMarket(m)); err != nil {
			return err
		}
		return u.check("unindex open market", u.tx.RemoveOpenMarket(marketID))
	})
}

// ResolveMarket fixes the winning option. Open and Locked markets can be
// resolved.
func (c *Controller) ResolveMarket(ctx context.Context, op Op, marketID market.MarketID, winning uint8) error {
	return c.run(ctx, "resolve_market", func(u *unit) error {
		if _, err := u.initializedGlobals(); err != nil {
			return err
		}
		m, err := u.market(marketID)
		if err != nil {
			return err
		}
		if !m.Status.CanTransitionTo(market.StatusResolved) {
			if m.Status == market.StatusCancelled {
				return market.ErrAlreadyCancelled
			}
			return market.ErrAlreadyResolved
		}
		if !m.HasOption(winning) {
			return market.Reject(market.CodeInvalidWinningOption,
				fmt.Sprintf("option %d of %d", winning, len(m.Options)))
		}

		m.Status = market.StatusResolved
		m.WinningOption = &winning
		if err := u.check("write market", u.tx.PutMarket(m)); err != nil {
			return err
		}
		if err := u.check("unindex open market", u.tx.RemoveOpenMarket(marketID)); err != nil {
			return err
		}
		u.emit(Notice{Kind: NoticeMarketResolved, MarketID: marketID, WinningOption: winning})
		return nil
	})
}

// CancelMarket refunds every unsettled bet its stake and closes the market.
// All refunds commit together with the status change.
func (c *Controller) CancelMarket(ctx context.Context, op Op, marketID market.MarketID) (MarketCancelled, error) {
	out := MarketCancelled{MarketID: marketID}
	err := c.run(ctx, "cancel_market", func(u *unit) error {
		if _, err := u.initializedGlobals(); err != nil {
			return err
		}
		m, err := u.market(marketID)
		if err != nil {
			return err
		}
		if !m.Status.CanTransitionTo(market.StatusCancelled) {
			if m.Status == market.StatusResolved {
				return market.ErrCannotCancelResolvedMarket
			}
			return market.ErrAlreadyCancelled
		}

		ids, err := u.tx.MarketBets(marketID)
		if err != nil {
			return u.storeErr("read market bets", err)
		}
		for _, id := range ids {
			b, err := u.bet(id)
			if err != nil {
				if errors.Is(err, market.ErrBetNotFound) {
					return u.storeErr("read market bets", fmt.Errorf("index names missing bet %d", id))
				}
				return err
			}
			if b.Settled {
				continue
			}
			balance, err := u.balance(b.Owner)
			if err != nil {
				return err
			}
			credited, ok := addChecked(balance, b.Amount)
			if !ok {
				return overflow("refund balance")
			}
			refund := b.Amount
			b.Settled = true
			b.Payout = &refund
			if err := u.check("write balance", u.tx.PutBalance(b.Owner, credited)); err != nil {
				return err
			}
			if err := u.check("write bet", u.tx.PutBet(b)); err != nil {
				return err
			}
			out.RefundedBets++
			out.RefundedAmount += refund
		}

		m.Status = market.StatusCancelled
		if err := u.check("write market", u.tx.PutMarket(m)); err != nil {
			return err
		}
		return u.check("unindex open market", u.tx.RemoveOpenMarket(marketID))
	})
	if err != nil {
		return MarketCancelled{}, err
	}
	return out, nil
}

// ClaimWinnings settles one of the caller's bets on a resolved market. Losing
// bets settle with a zero payout.
func (c *Controller) ClaimWinnings(ctx context.Context, op Op, betID market.BetID) (WinningsClaimed, error) {
	var out WinningsClaimed
	err := c.run(ctx, "claim_winnings", func(u *unit) error {
		g, err := u.initializedGlobals()
		if err != nil {
			return err
		}
		b, err := u.bet(betID)
		if err != nil {
			return err
		}
		if b.Owner != op.Caller {
			return market.ErrNotBetOwner
		}
		if b.Settled {
			return market.ErrAlreadySettled
		}
		m, err := u.market(b.MarketID)
		if err != nil {
			return err
		}
		if m.Status != market.StatusResolved {
			return market.Reject(market.CodeMarketNotResolved, "market is "+m.Status.String())
		}

		var s fpmath.Settlement
		won := *m.WinningOption == b.OptionID
		if won {
			if s, err = fpmath.Settle(b.Amount, b.Odds, g.FeeRateBps); err != nil {
				return overflow("payout")
			}
		}

		house := b.Amount - s.Payout - s.Fee
		if g.HouseNet, err = mustAdd(g.HouseNet, house, "house net"); err != nil {
			return err
		}
		if g.ProtocolFees, err = mustAdd(g.ProtocolFees, s.Fee, "protocol fees"); err != nil {
			return err
		}

		if s.Payout > 0 {
			balance, err := u.balance(b.Owner)
			if err != nil {
				return err
			}
			credited, ok := addChecked(balance, s.Payout)
			if !ok {
				return overflow("balance")
			}
			if err := u.check("write balance", u.tx.PutBalance(b.Owner, credited)); err != nil {
				return err
			}
		}

		payout := s.Payout
		b.Settled = true
		b.Payout = &payout
		if err := u.check("write bet", u.tx.PutBet(b)); err != nil {
			return err
		}
		if err := u.check("write globals", u.tx.PutGlobals(g)); err != nil {
			return err
		}

		out = WinningsClaimed{BetID: betID, Amount: payout, Fee: s.Fee, Won: won}
		return nil
	})
	return out, err
}

func mustAdd(a, b int64, what string) (int64, error) {
	v, ok := addChecked(a, b)
	if !ok {
		return a, overflow(what)
	}
	return v, nil
}

// Deposit credits the caller. A zero deposit is accepted and changes nothing.
func (c *Controller) Deposit(ctx context.Context, op Op, amount int64) (BalanceChanged, error) {
	var out BalanceChanged
	err := c.run(ctx, "deposit", func(u *unit) error {
		g, err := u.initializedGlobals()
		if err != nil {
			return err
		}
		if amount < 0 {
			return market.Reject(market.CodeInvalidAmount, "deposit amount is negative")
		}
		balance, err := u.balance(op.Caller)
		if err != nil {
			return err
		}
		next, ok := addChecked(balance, amount)
		if !ok {
			return overflow("balance")
		}
		if g.TotalDeposits, err = mustAdd(g.TotalDeposits, amount, "total deposits"); err != nil {
			return err
		}
		if err := u.check("write balance", u.tx.PutBalance(op.Caller, next)); err != nil {
			return err
		}
		if err := u.check("write globals", u.tx.PutGlobals(g)); err != nil {
			return err
		}
		out = BalanceChanged{Amount: amount, NewBalance: next}
		return nil
	})
	return out, err
}

func (c *Controller) Withdraw(ctx context.Context, op Op, amount int64) (BalanceChanged, error) {
	var out BalanceChanged
	err := c.run(ctx, "withdraw", func(u *unit) error {
		g, err := u.initializedGlobals()
		if err != nil {
			return err
		}
		if amount < 0 {
			return market.Reject(market.CodeInvalidAmount, "withdrawal amount is negative")
		}
		balance, err := u.balance(op.Caller)
		if err != nil {
			return err
		}
		if amount > balance {
			return market.ErrInsufficientBalance
		}
		if g.TotalWithdrawals, err = mustAdd(g.TotalWithdrawals, amount, "total withdrawals"); err != nil {
			return err
		}
		if err := u.check("write balance", u.tx.PutBalance(op.Caller, balance-amount)); err != nil {
			return err
		}
		if err := u.check("write globals", u.tx.PutGlobals(g)); err != nil {
			return err
		}
		out = BalanceChanged{Amount: amount, NewBalance: balance - amount}
		return nil
	})
	return out, err
}
