package database

import (
	"context"

	"perp-trading-agent/internal/ledger"
)

// NopStore satisfies Store without persisting anything. Used when no
// database is configured and in backtests.
type NopStore struct{}

var _ Store = (*NopStore)(nil)

func (NopStore) SaveTrade(context.Context, *ledger.Trade) error   { return nil }
func (NopStore) UpdateTrade(context.Context, *ledger.Trade) error { return nil }
func (NopStore) SaveBalance(context.Context, float64) error       { return nil }
func (NopStore) SaveDecision(context.Context, *Decision) error    { return nil }
func (NopStore) RecentTrades(context.Context, int) ([]*ledger.Trade, error) {
	return nil, nil
}
func (NopStore) RecentDecisions(context.Context, int) ([]*Decision, error) {
	return nil, nil
}
func (NopStore) BalanceHistory(context.Context, int) ([]BalancePoint, error) {
	return nil, nil
}
func (NopStore) LatestBalance(context.Context) (float64, bool, error) {
	return 0, false, nil
}
