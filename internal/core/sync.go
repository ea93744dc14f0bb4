package core

import (
	"context"
	"fmt"
	"math"

	"PariLedger/internal/market"
)

type NoticeKind string

const (
	NoticeMarketSynced   NoticeKind = "market_synced"
	NoticeMarketResolved NoticeKind = "market_resolved"
)

func (k NoticeKind) Valid() bool {
	return k == NoticeMarketSynced || k == NoticeMarketResolved
}

// Notice is an outbound or inbound cross-domain message. Market is set for
// market_synced, WinningOption for market_resolved.
type Notice struct {
	Kind          NoticeKind      `json:"kind"`
	MarketID      market.MarketID `json:"market_id"`
	Market        *market.Market  `json:"market,omitempty"`
	WinningOption uint8           `json:"winning_option"`
}

// Notifier receives notices after the emitting operation commits. Notify
// must not block the caller for long.
type Notifier interface {
	Notify(n Notice)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Notice) {}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// ApplyMarketSnapshot overwrites the local copy of a market with a snapshot
// received from another domain. Snapshots older than the local lifecycle
// state are skipped; ones that would drop pools below local stakes are
// rejected.
func (c *Controller) ApplyMarketSnapshot(ctx context.Context, m *market.Market) error {
	return c.run(ctx, "apply_market_snapshot", func(u *unit) error {
		if m == nil || m.ID == 0 {
			return market.Reject(market.CodeInvalidSnapshot, "snapshot without market id")
		}
		// Market ids are stored as BIGINT.
		if uint64(m.ID) > math.MaxInt64 {
			return market.Reject(market.CodeInvalidSnapshot, fmt.Sprintf("market id %d out of range", m.ID))
		}
		if err := m.Validate(); err != nil {
			return market.Reject(market.CodeInvalidSnapshot, err.Error())
		}

		local, ok, err := u.tx.Market(m.ID)
		if err != nil {
			return u.storeErr("read market", err)
		}
		if ok {
			apply, err := u.reconcileSnapshot(local, m)
			if err != nil || !apply {
				return err
			}
		}

		if err := u.check("write market", u.tx.PutMarket(m)); err != nil {
			return err
		}
		if m.Status == market.StatusOpen {
			if err := u.check("index open market", u.tx.AddOpenMarket(m.ID)); err != nil {
				return err
			}
		} else if err := u.check("unindex open market", u.tx.RemoveOpenMarket(m.ID)); err != nil {
			return err
		}
		return u.check("reserve market id", u.tx.ReserveMarketID(m.ID))
	})
}

// reconcileSnapshot reports whether snap may replace local.
func (u *unit) reconcileSnapshot(local, snap *market.Market) (bool, error) {
	if local.Status.IsTerminal() {
		return false, nil
	}
	if snap.Status != local.Status && !local.Status.CanTransitionTo(snap.Status) {
		return false, nil
	}
	if len(snap.Options) != len(local.Options) {
		return false, market.Reject(market.CodeInvalidSnapshot,
			fmt.Sprintf("snapshot has %d options, local market has %d", len(snap.Options), len(local.Options)))
	}

	ids, err := u.tx.MarketBets(local.ID)
	if err != nil {
		return false, u.storeErr("read market bets", err)
	}
	bets, err := u.bets(ids)
	if err != nil {
		return false, err
	}
	// Bets on a non-terminal market are all unsettled; cancelling by
	// snapshot would skip their refunds.
	if snap.Status == market.StatusCancelled && len(bets) > 0 {
		return false, market.Reject(market.CodeInvalidSnapshot,
			fmt.Sprintf("cancellation would strand %d local bets", len(bets)))
	}

	staked := make([]int64, len(local.Options))
	for _, b := range bets {
		if int(b.OptionID) < len(staked) {
			staked[b.OptionID] += b.Amount
		}
	}
	for i, o := range snap.Options {
		if o.Pool < staked[i] {
			return false, market.Reject(market.CodeInvalidSnapshot,
				fmt.Sprintf("option %d pool %d below locally staked %d", i, o.Pool, staked[i]))
		}
	}
	return true, nil
}

// ApplyResolutionNotice marks a local market resolved. Missing or already
// terminal markets are left alone.
func (c *Controller) ApplyResolutionNotice(ctx context.Context, id market.MarketID, winning uint8) error {
	return c.run(ctx, "apply_resolution_notice", func(u *unit) error {
		m, ok, err := u.tx.Market(id)
		if err != nil {
			return u.storeErr("read market", err)
		}
		if !ok || m.Status.IsTerminal() {
			return nil
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
		return u.check("unindex open market", u.tx.RemoveOpenMarket(id))
	})
}

// ApplyNotice dispatches an inbound notice by kind.
func (c *Controller) ApplyNotice(ctx context.Context, n Notice) error {
	switch n.Kind {
	case NoticeMarketSynced:
		return c.ApplyMarketSnapshot(ctx, n.Market)
	case NoticeMarketResolved:
		return c.ApplyResolutionNotice(ctx, n.MarketID, n.WinningOption)
	default:
		return market.Reject(market.CodeInvalidSnapshot, "unknown notice kind "+string(n.Kind))
	}
}
