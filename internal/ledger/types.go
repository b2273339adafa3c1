package ledger

import (
	"context"
	"errors"
	"time"
)

// TradeStatus is the lifecycle state of a trade row.
type TradeStatus string

const (
	StatusOpen   TradeStatus = "OPEN"
	StatusClosed TradeStatus = "CLOSED"
)

// Trade is one position row. Quantity is in base units with leverage
// already applied at sizing time, so realized P&L is simply the price
// move times quantity.
type Trade struct {
	ID         string      `json:"id"`
	Symbol     string      `json:"symbol"`
	Side       string      `json:"side"` // BUY or SELL
	Quantity   float64     `json:"quantity"`
	EntryPrice float64     `json:"entry_price"`
	ExitPrice  *float64    `json:"exit_price,omitempty"`
	Leverage   int         `json:"leverage"`
	Margin     float64     `json:"margin"`
	Fee        float64     `json:"fee"`
	EntryTime  time.Time   `json:"entry_time"`
	ExitTime   *time.Time  `json:"exit_time,omitempty"`
	PnL        *float64    `json:"pnl,omitempty"`
	Status     TradeStatus `json:"status"`
	Confidence float64     `json:"confidence"`
	Reasoning  string      `json:"reasoning"`
}

// UnrealizedPnL computes the mark-to-market P&L at the given price.
func (t *Trade) UnrealizedPnL(price float64) float64 {
	if t.Status != StatusOpen || price <= 0 {
		return 0
	}
	if t.Side == "BUY" {
		return (price - t.EntryPrice) * t.Quantity
	}
	return (t.EntryPrice - price) * t.Quantity
}

// Stats summarizes realized trading performance.
type Stats struct {
	TotalTrades       int       `json:"total_trades"`
	Wins              int       `json:"wins"`
	Losses            int       `json:"losses"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	TotalPnL          float64   `json:"total_pnl"`
	LastTradeAt       time.Time `json:"last_trade_at"`
	LastLossAt        time.Time `json:"last_loss_at"`
}

// WinRate returns the fraction of closed trades that were profitable.
func (s *Stats) WinRate() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.TotalTrades)
}

// Repository is the write-through persistence surface. The ledger calls it
// under its own lock; implementations must not call back into the ledger.
type Repository interface {
	SaveTrade(ctx context.Context, t *Trade) error
	UpdateTrade(ctx context.Context, t *Trade) error
	SaveBalance(ctx context.Context, balance float64) error
}

// Ledger violations. These indicate a refused operation, not corrupted
// state; mutations are all-or-nothing under the lock.
var (
	ErrInsufficientMargin = errors.New("insufficient free margin")
	ErrDuplicateOpen      = errors.New("position already open for symbol")
	ErrMaxPositions       = errors.New("max positions reached")
	ErrCorrelation        = errors.New("crypto correlation: opposite side already open")
	ErrNotFound           = errors.New("trade not found")
)
