package ledger

import (
	"PariLedger/internal/market"
	"PariLedger/internal/store"
)

// RebuildStats counts what RebuildIndices wrote.
type RebuildStats struct {
	OwnerEntries  int `json:"owner_entries"`
	MarketEntries int `json:"market_entries"`
	OpenMarkets   int `json:"open_markets"`
}

// RebuildIndices drops the derived indices and recomputes them from the
// market and bet tables. The caller commits.
func RebuildIndices(tx store.Tx) (RebuildStats, error) {
	var st RebuildStats
	if err := tx.ResetIndices(); err != nil {
		return st, err
	}

	if err := tx.ScanBets(func(b *market.Bet) error {
		if err := tx.AppendOwnerBet(b.Owner, b.ID); err != nil {
			return err
		}
		st.OwnerEntries++
		if err := tx.AppendMarketBet(b.MarketID, b.ID); err != nil {
			return err
		}
		st.MarketEntries++
		return nil
	}); err != nil {
		return st, err
	}

	if err := tx.ScanMarkets(func(m *market.Market) error {
		if m.Status != market.StatusOpen {
			return nil
		}
		st.OpenMarkets++
		return tx.AddOpenMarket(m.ID)
	}); err != nil {
		return st, err
	}
	return st, nil
}
