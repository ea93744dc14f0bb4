// Package store defines the transactional key-value surface the market
// controller runs on. Implementations: store/memory and persistence (SQL).
package store

import (
	"context"
	"errors"

	"PariLedger/internal/market"
)

// ErrClosed is returned by a Tx used after Commit or Rollback.
var ErrClosed = errors.New("store: transaction already finished")

// Globals holds ledger-wide totals. Id counters live beside them and are
// reached through Tx.NextMarketID / Tx.NextBetID.
type Globals struct {
	Initialized      bool
	FeeRateBps       uint16
	TotalVolume      int64
	ProtocolFees     int64
	TotalDeposits    int64
	TotalWithdrawals int64
	// HouseNet accumulates stake - payout - fee for every claimed bet. It can
	// be negative because odds are fixed when the bet is placed.
	HouseNet int64
}

// Store opens transactions. A nil Tx is never returned with a nil error.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one atomic unit of work. Getters return (nil, false, nil) on a miss.
// Every value handed in or out is owned by the callee/caller respectively.
type Tx interface {
	Market(id market.MarketID) (*market.Market, bool, error)
	PutMarket(m *market.Market) error

	Bet(id market.BetID) (*market.Bet, bool, error)
	PutBet(b *market.Bet) error

	Balance(owner string) (int64, error)
	PutBalance(owner string, amount int64) error

	OwnerBets(owner string) ([]market.BetID, error)
	AppendOwnerBet(owner string, id market.BetID) error
	MarketBets(id market.MarketID) ([]market.BetID, error)
	AppendMarketBet(id market.MarketID, bet market.BetID) error

	OpenMarkets() ([]market.MarketID, error)
	AddOpenMarket(id market.MarketID) error
	RemoveOpenMarket(id market.MarketID) error

	// NextMarketID and NextBetID return the next id and advance the counter.
	NextMarketID() (market.MarketID, error)
	NextBetID() (market.BetID, error)
	// ReserveMarketID moves the market counter past id if it is not already.
	ReserveMarketID(id market.MarketID) error
	PeekCounters() (nextMarket market.MarketID, nextBet market.BetID, err error)

	Globals() (Globals, error)
	PutGlobals(g Globals) error

	// Scans visit primary records in ascending id order. Returning an error
	// from fn stops the scan and is passed through.
	ScanMarkets(fn func(*market.Market) error) error
	ScanBets(fn func(*market.Bet) error) error
	ScanBalances(fn func(owner string, amount int64) error) error

	// ResetIndices drops every derived index (owner bets, market bets, open set).
	ResetIndices() error

	Commit() error
	Rollback() error
}
