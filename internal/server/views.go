package server

import (
	"PariLedger/internal/core"
	"PariLedger/internal/market"
	fpmath "PariLedger/internal/math"

	"github.com/shopspring/decimal"
)

// decimalOdds renders fixed-point odds (scale 1000) as "3.000".
func decimalOdds(odds uint32) string {
	return decimal.New(int64(odds), -3).StringFixed(3)
}

// decimalProbability renders basis points as a fraction, 2500 -> "0.2500".
func decimalProbability(bps uint32) string {
	return decimal.New(int64(bps), -4).StringFixed(4)
}

type OptionView struct {
	ID    uint8  `json:"id"`
	Label string `json:"label"`
	Pool  int64  `json:"pool"`
	// Odds a bet of zero size would currently see.
	Odds               uint32 `json:"odds"`
	DecimalOdds        string `json:"decimal_odds"`
	ImpliedProbability string `json:"implied_probability"`
}

type MarketView struct {
	ID            market.MarketID `json:"id"`
	MatchID       string          `json:"match_id"`
	Category      string          `json:"category"`
	Title         string          `json:"title"`
	Status        market.Status   `json:"status"`
	CreatedAt     int64           `json:"created_at"`
	LocksAt       int64           `json:"locks_at"`
	WinningOption *uint8          `json:"winning_option,omitempty"`
	TotalPool     int64           `json:"total_pool"`
	Options       []OptionView    `json:"options"`
}

func marketView(m *market.Market) MarketView {
	total, _ := m.TotalPool()
	v := MarketView{
		ID:            m.ID,
		MatchID:       m.MatchID,
		Category:      m.Category,
		Title:         m.Title,
		Status:        m.Status,
		CreatedAt:     m.CreatedAt,
		LocksAt:       m.LocksAt,
		WinningOption: m.WinningOption,
		TotalPool:     total,
		Options:       make([]OptionView, len(m.Options)),
	}
	for i, o := range m.Options {
		odds := fpmath.Odds(total, o.Pool)
		v.Options[i] = OptionView{
			ID:                 o.ID,
			Label:              o.Label,
			Pool:               o.Pool,
			Odds:               odds,
			DecimalOdds:        decimalOdds(odds),
			ImpliedProbability: decimalProbability(fpmath.ImpliedProbabilityBps(total, o.Pool)),
		}
	}
	return v
}

func marketViews(ms []*market.Market) []MarketView {
	out := make([]MarketView, len(ms))
	for i, m := range ms {
		out[i] = marketView(m)
	}
	return out
}

type BetView struct {
	ID          market.BetID    `json:"id"`
	Owner       string          `json:"owner"`
	MarketID    market.MarketID `json:"market_id"`
	OptionID    uint8           `json:"option_id"`
	Amount      int64           `json:"amount"`
	Odds        uint32          `json:"odds"`
	DecimalOdds string          `json:"decimal_odds"`
	PlacedAt    int64           `json:"placed_at"`
	Settled     bool            `json:"settled"`
	Payout      *int64          `json:"payout,omitempty"`
}

func betView(b *market.Bet) BetView {
	return BetView{
		ID:          b.ID,
		Owner:       b.Owner,
		MarketID:    b.MarketID,
		OptionID:    b.OptionID,
		Amount:      b.Amount,
		Odds:        b.Odds,
		DecimalOdds: decimalOdds(b.Odds),
		PlacedAt:    b.PlacedAt,
		Settled:     b.Settled,
		Payout:      b.Payout,
	}
}

func betViews(bs []*market.Bet) []BetView {
	out := make([]BetView, len(bs))
	for i, b := range bs {
		out[i] = betView(b)
	}
	return out
}

type BetPlacedView struct {
	core.BetPlaced
	DecimalOdds string `json:"decimal_odds"`
}

type QuoteView struct {
	core.Quote
	DecimalOdds string `json:"decimal_odds"`
}

type BalanceView struct {
	Owner   string `json:"owner"`
	Balance int64  `json:"balance"`
}

type StatsView struct {
	core.Stats
	// FeeRate is FeeRateBps as a fraction.
	FeeRate string `json:"fee_rate"`
}
