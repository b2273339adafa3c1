package exchange

import (
	"context"
	"time"
)

// Client defines the capability surface the agent consumes from the
// derivatives venue. A REST implementation and a mock implementation both
// satisfy it; the decision core never talks to the venue directly.
type Client interface {
	// ==================== MARKET DATA ====================

	// GetMarkets retrieves all tradable perpetual contracts
	GetMarkets(ctx context.Context) ([]Market, error)

	// GetCandles retrieves the most recent candles for a symbol.
	// Sub-minute intervals are normalized to the nearest supported minute
	// interval because the venue exposes only minute+ bars.
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)

	// GetHistoricalCandles retrieves candles in a time range (backtesting)
	GetHistoricalCandles(ctx context.Context, symbol, interval string, from, to time.Time) ([]Candle, error)

	// GetTickerPrice retrieves the last traded price
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)

	// GetOrderBook retrieves an L2 snapshot limited to depth levels per side
	GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)

	// GetBestBidAsk retrieves the top of book
	GetBestBidAsk(ctx context.Context, symbol string) (*BestBidAsk, error)

	// ==================== TRADING ====================

	// PlaceOrder submits an order and returns the terminal outcome
	PlaceOrder(ctx context.Context, params OrderParams) (*OrderResponse, error)

	// SetLeverage sets the leverage for a symbol
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// ==================== ACCOUNT ====================

	// GetAccount retrieves balance, available margin and open positions
	GetAccount(ctx context.Context) (*Account, error)
}
