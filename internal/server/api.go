package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"PariLedger/internal/core"
	"PariLedger/internal/ledger"
	"PariLedger/internal/market"

	"github.com/go-playground/validator/v10"
)

// Request shapes shared by the HTTP gateway and the gRPC service. The
// validator only checks presence and size; ledger rules stay in the
// controller so rejections carry ledger codes.

type CreateMarketRequest struct {
	MatchID  string   `json:"match_id" validate:"required,max=128"`
	Category string   `json:"category" validate:"required,max=64"`
	Title    string   `json:"title" validate:"required,max=256"`
	Options  []string `json:"options" validate:"dive,required,max=128"`
	LocksAt  int64    `json:"locks_at"`
}

type MarketRef struct {
	MarketID market.MarketID `json:"market_id" validate:"required"`
}

type BetRef struct {
	BetID market.BetID `json:"bet_id" validate:"required"`
}

type OwnerRef struct {
	Owner string `json:"owner" validate:"required,max=128"`
}

type ListMarketsRequest struct {
	// MatchID filters by match; empty lists open markets.
	MatchID string `json:"match_id" validate:"max=128"`
}

type PlaceBetRequest struct {
	MarketID market.MarketID `json:"market_id" validate:"required"`
	OptionID *uint8          `json:"option_id" validate:"required"`
	Amount   int64           `json:"amount"`
}

type ResolveRequest struct {
	MarketID      market.MarketID `json:"market_id" validate:"required"`
	WinningOption *uint8          `json:"winning_option" validate:"required"`
}

type QuoteRequest struct {
	MarketID market.MarketID `json:"market_id" validate:"required"`
	OptionID *uint8          `json:"option_id" validate:"required"`
	Amount   int64           `json:"amount"`
}

type AmountRequest struct {
	Amount int64 `json:"amount"`
}

type InitializeRequest struct {
	FeeRateBps *uint16 `json:"fee_rate_bps" validate:"required"`
}

type Empty struct{}

// api executes requests against the ledger. Mutations are serialized
// through the runner; reads open their own read-only transaction.
type api struct {
	ctrl     *core.Controller
	runner   *core.Runner
	clock    core.Clock
	validate *validator.Validate
}

func newAPI(ctrl *core.Controller, runner *core.Runner, clock core.Clock) *api {
	return &api{ctrl: ctrl, runner: runner, clock: clock, validate: validator.New()}
}

func (a *api) check(req any) error {
	err := a.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return badRequest(err.Error())
	}
	parts := make([]string, len(verrs))
	for i, fe := range verrs {
		parts[i] = fmt.Sprintf("%s failed %q", strings.ToLower(fe.Field()), fe.Tag())
	}
	return badRequest(strings.Join(parts, ", "))
}

// submit runs fn on the runner goroutine with an Op stamped when the
// command executes.
func submit[T any](ctx context.Context, a *api, caller string, fn func(context.Context, *core.Controller, core.Op) (T, error)) (T, error) {
	if caller == "" {
		var zero T
		return zero, errNoCaller
	}
	return core.Submit(ctx, a.runner, func(ctx context.Context, c *core.Controller) (T, error) {
		return fn(ctx, c, core.Op{Caller: caller, Now: a.clock.NowMillis()})
	})
}

func (a *api) initialize(ctx context.Context, caller string, req *InitializeRequest) (StatsView, error) {
	if err := a.check(req); err != nil {
		return StatsView{}, err
	}
	return submit(ctx, a, caller, func(ctx context.Context, c *core.Controller, _ core.Op) (StatsView, error) {
		if err := c.Initialize(ctx, *req.FeeRateBps); err != nil {
			return StatsView{}, err
		}
		return statsView(c.Stats(ctx))
	})
}

func (a *api) createMarket(ctx context.Context, caller string, req *CreateMarketRequest) (MarketView, error) {
	if err := a.check(req); err != nil {
		return MarketView{}, err
	}
	return submit(ctx, a, caller, func(ctx context.Context, c *core.Controller, op core.Op) (MarketView, error) {
		m, err := c.CreateMarket(ctx, op, core.CreateMarketRequest{
			MatchID:  req.MatchID,
			Category: req.Category,
			Title:    req.Title,
			Options:  req.Options,
			LocksAt:  req.LocksAt,
		})
		if err != nil {
			return MarketView{}, err
		}
		return marketView(m), nil
	})
}

func (a *api) placeBet(ctx context.Context, caller string, req *PlaceBetRequest) (BetPlacedView, error) {
	if err := a.check(req); err != nil {
		return BetPlacedView{}, err
	}
	return submit(ctx, a, caller, func(ctx context.Context, c *core.Controller, op core.Op) (BetPlacedView, error) {
		out, err := c.PlaceBet(ctx, op, req.MarketID, *req.OptionID, req.Amount)
		if err != nil {
			return BetPlacedView{}, err
		}
		return BetPlacedView{BetPlaced: out, DecimalOdds: decimalOdds(out.Odds)}, nil
	})
}

func (a *api) lockMarket(ctx context.Context, caller string, req *MarketRef) (MarketView, error) {
	if err := a.check(req); err != nil {
		return MarketView{}, err
	}
	return submit(ctx, a, caller, func(ctx context.Context, c *core.Controller, op core.Op) (MarketView, error) {
		if err := c.LockMarket(ctx, op, req.MarketID); err != nil {
			return MarketView{}, err
		}
		return currentMarket(ctx, c, req.MarketID)
	})
}

func (a *api) resolveMarket(ctx context.Context, caller string, req *ResolveRequest) (MarketView, error) {
	if err := a.check(req); err != nil {
		return MarketView{}, err
	}
	return submit(ctx, a, caller, func(ctx context.Context, c *core.Controller, op core.Op) (MarketView, error) {
		if err := c.ResolveMarket(ctx, op, req.MarketID, *req.WinningOption); err != nil {
			return MarketView{}, err
		}
		return currentMarket(ctx, c, req.MarketID)
	})
}

func (a *api) cancelMarket(ctx context.Context, caller string, req *MarketRef) (core.MarketCancelled, error) {
	if err := a.check(req); err != nil {
		return core.MarketCancelled{}, err
	}
	return submit(ctx, a, caller, func(ctx context.Context, c *core.Controller, op core.Op) (core.MarketCancelled, error) {
		return c.CancelMarket(ctx, op, req.MarketID)
	})
}

func (a *api) claimWinnings(ctx context.Context, caller string, req *BetRef) (core.WinningsClaimed, error) {
	if err := a.check(req); err != nil {
		return core.WinningsClaimed{}, err
	}
	return submit(ctx, a, caller, func(ctx context.Context, c *core.Controller, op core.Op) (core.WinningsClaimed, error) {
		return c.ClaimWinnings(ctx, op, req.BetID)
	})
}

func (a *api) deposit(ctx context.Context, caller string, req *AmountRequest) (core.BalanceChanged, error) {
	return submit(ctx, a, caller, func(ctx context.Context, c *core.Controller, op core.Op) (core.BalanceChanged, error) {
		return c.Deposit(ctx, op, req.Amount)
	})
}

func (a *api) withdraw(ctx context.Context, caller string, req *AmountRequest) (core.BalanceChanged, error) {
	return submit(ctx, a, caller, func(ctx context.Context, c *core.Controller, op core.Op) (core.BalanceChanged, error) {
		return c.Withdraw(ctx, op, req.Amount)
	})
}

func (a *api) rebuildIndices(ctx context.Context, caller string, _ *Empty) (ledger.RebuildStats, error) {
	return submit(ctx, a, caller, func(ctx context.Context, c *core.Controller, _ core.Op) (ledger.RebuildStats, error) {
		return c.RebuildIndices(ctx)
	})
}

// Reads.

func (a *api) getMarket(ctx context.Context, _ string, req *MarketRef) (MarketView, error) {
	if err := a.check(req); err != nil {
		return MarketView{}, err
	}
	return currentMarket(ctx, a.ctrl, req.MarketID)
}

func (a *api) listMarkets(ctx context.Context, _ string, req *ListMarketsRequest) ([]MarketView, error) {
	if err := a.check(req); err != nil {
		return nil, err
	}
	var (
		ms  []*market.Market
		err error
	)
	if req.MatchID != "" {
		ms, err = a.ctrl.MarketsByMatch(ctx, req.MatchID)
	} else {
		ms, err = a.ctrl.OpenMarkets(ctx)
	}
	if err != nil {
		return nil, err
	}
	return marketViews(ms), nil
}

func (a *api) marketBets(ctx context.Context, _ string, req *MarketRef) ([]BetView, error) {
	if err := a.check(req); err != nil {
		return nil, err
	}
	bs, err := a.ctrl.MarketBets(ctx, req.MarketID)
	if err != nil {
		return nil, err
	}
	return betViews(bs), nil
}

func (a *api) getBet(ctx context.Context, _ string, req *BetRef) (BetView, error) {
	if err := a.check(req); err != nil {
		return BetView{}, err
	}
	b, err := a.ctrl.Bet(ctx, req.BetID)
	if err != nil {
		return BetView{}, err
	}
	return betView(b), nil
}

func (a *api) balance(ctx context.Context, _ string, req *OwnerRef) (BalanceView, error) {
	if err := a.check(req); err != nil {
		return BalanceView{}, err
	}
	bal, err := a.ctrl.Balance(ctx, req.Owner)
	if err != nil {
		return BalanceView{}, err
	}
	return BalanceView{Owner: req.Owner, Balance: bal}, nil
}

func (a *api) ownerBets(ctx context.Context, _ string, req *OwnerRef) ([]BetView, error) {
	if err := a.check(req); err != nil {
		return nil, err
	}
	bs, err := a.ctrl.OwnerBets(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	return betViews(bs), nil
}

func (a *api) quote(ctx context.Context, _ string, req *QuoteRequest) (QuoteView, error) {
	if err := a.check(req); err != nil {
		return QuoteView{}, err
	}
	q, err := a.ctrl.Quote(ctx, req.MarketID, *req.OptionID, req.Amount)
	if err != nil {
		return QuoteView{}, err
	}
	return QuoteView{Quote: q, DecimalOdds: decimalOdds(q.Odds)}, nil
}

func (a *api) stats(ctx context.Context, _ string, _ *Empty) (StatsView, error) {
	return statsView(a.ctrl.Stats(ctx))
}

func (a *api) audit(ctx context.Context, _ string, _ *Empty) (*ledger.Report, error) {
	return a.ctrl.Audit(ctx)
}

func currentMarket(ctx context.Context, c *core.Controller, id market.MarketID) (MarketView, error) {
	m, err := c.Market(ctx, id)
	if err != nil {
		return MarketView{}, err
	}
	return marketView(m), nil
}

func statsView(st core.Stats, err error) (StatsView, error) {
	if err != nil {
		return StatsView{}, err
	}
	return StatsView{Stats: st, FeeRate: decimalProbability(uint32(st.FeeRateBps))}, nil
}
