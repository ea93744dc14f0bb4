package market

import (
	"fmt"
	"math"
)

type (
	MarketID uint64
	BetID    uint64
)

const (
	MinOptions = 2
	MaxOptions = 10

	// MaxFeeRateBps caps the protocol fee at 5%.
	MaxFeeRateBps = 500
)

// Option is one outcome of a market. ID equals its position in Market.Options.
type Option struct {
	ID    uint8  `json:"id"`
	Label string `json:"label"`
	Pool  int64  `json:"pool"`
}

// Market is a wagerable event. Timestamps are milliseconds since epoch.
type Market struct {
	ID            MarketID `json:"id"`
	MatchID       string   `json:"match_id"`
	Category      string   `json:"category"`
	Title         string   `json:"title"`
	Options       []Option `json:"options"`
	Status        Status   `json:"status"`
	CreatedAt     int64    `json:"created_at"`
	LocksAt       int64    `json:"locks_at"`
	WinningOption *uint8   `json:"winning_option,omitempty"`
}

// TotalPool sums every option pool. ok is false on int64 overflow.
func (m *Market) TotalPool() (total int64, ok bool) {
	for _, o := range m.Options {
		if o.Pool > math.MaxInt64-total {
			return 0, false
		}
		total += o.Pool
	}
	return total, true
}

// HasOption reports whether id names an option of this market.
func (m *Market) HasOption(id uint8) bool {
	return int(id) < len(m.Options)
}

// Validate checks the structural invariants every stored market satisfies.
func (m *Market) Validate() error {
	if n := len(m.Options); n < MinOptions || n > MaxOptions {
		return fmt.Errorf("market %d: option count %d outside [%d,%d]", m.ID, n, MinOptions, MaxOptions)
	}
	if m.LocksAt <= m.CreatedAt {
		return fmt.Errorf("market %d: locks_at %d not after created_at %d", m.ID, m.LocksAt, m.CreatedAt)
	}
	for i, o := range m.Options {
		if int(o.ID) != i {
			return fmt.Errorf("market %d: option at position %d has id %d", m.ID, i, o.ID)
		}
		if o.Pool < 0 {
			return fmt.Errorf("market %d: option %d pool is negative", m.ID, o.ID)
		}
	}
	if _, ok := m.TotalPool(); !ok {
		return fmt.Errorf("market %d: total pool overflows", m.ID)
	}
	if m.Status < StatusOpen || m.Status > StatusCancelled {
		return fmt.Errorf("market %d: unknown status %d", m.ID, m.Status)
	}
	resolved := m.Status == StatusResolved
	switch {
	case resolved && m.WinningOption == nil:
		return fmt.Errorf("market %d: resolved without winning option", m.ID)
	case !resolved && m.WinningOption != nil:
		return fmt.Errorf("market %d: winning option set in status %s", m.ID, m.Status)
	case resolved && !m.HasOption(*m.WinningOption):
		return fmt.Errorf("market %d: winning option %d out of range", m.ID, *m.WinningOption)
	}
	return nil
}

// Clone returns a deep copy.
func (m *Market) Clone() *Market {
	c := *m
	c.Options = append([]Option(nil), m.Options...)
	if m.WinningOption != nil {
		w := *m.WinningOption
		c.WinningOption = &w
	}
	return &c
}

// Bet is a stake on one option, priced at placement time.
type Bet struct {
	ID       BetID    `json:"id"`
	Owner    string   `json:"owner"`
	MarketID MarketID `json:"market_id"`
	OptionID uint8    `json:"option_id"`
	Amount   int64    `json:"amount"`
	// Odds is fixed-point with scale 1000 (2500 = 2.5x).
	Odds     uint32 `json:"odds"`
	PlacedAt int64  `json:"placed_at"`
	Settled  bool   `json:"settled"`
	Payout   *int64 `json:"payout,omitempty"`
}

func (b *Bet) Clone() *Bet {
	c := *b
	if b.Payout != nil {
		p := *b.Payout
		c.Payout = &p
	}
	return &c
}
