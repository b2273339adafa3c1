package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perp-trading-agent/internal/events"
	"perp-trading-agent/internal/exchange"
	"perp-trading-agent/internal/ledger"
)

// ==================== TYPES ====================

// Config tunes order placement.
type Config struct {
	// LimitEpsilon nudges the limit price through the touch so an IOC
	// order actually crosses: BUY at bid*(1+eps), SELL at ask*(1-eps).
	LimitEpsilon float64
	TakerFeeRate float64
	DryRun       bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		LimitEpsilon: 0.0005,
		TakerFeeRate: 0.00045,
		DryRun:       true,
	}
}

// Request is one decision to be turned into an order.
type Request struct {
	Symbol     string
	Side       string // BUY or SELL
	Quantity   float64
	Margin     float64
	Leverage   int
	Price      float64 // tick close, used for dry-run fills
	Confidence float64
	Reasoning  string
}

// PendingOrder is an in-flight order exposed to the dashboard. Entries are
// removed on terminal outcome.
type PendingOrder struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	LimitPrice   float64   `json:"limit_price"`
	Quantity     float64   `json:"quantity"`
	Confidence   float64   `json:"confidence"`
	Reasoning    string    `json:"reasoning"`
	CreatedAt    time.Time `json:"created_at"`
	CurrentPrice float64   `json:"current_price"`
}

// ExecutionError is a failed or unfilled order.
type ExecutionError struct {
	Symbol string
	Side   string
	Reason string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed: %s %s: %s", e.Side, e.Symbol, e.Reason)
}

// ==================== GATEWAY ====================

// Gateway translates decisions into exchange orders and records the
// outcome in the ledger. The ledger row is only created after a confirmed
// fill, so a rejected order never leaves a dangling margin reservation.
type Gateway struct {
	cfg    Config
	client exchange.Client
	book   *ledger.Ledger
	bus    *events.Bus
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]*PendingOrder
}

// New creates a gateway.
func New(cfg Config, client exchange.Client, book *ledger.Ledger, bus *events.Bus, logger zerolog.Logger) *Gateway {
	return &Gateway{
		cfg:     cfg,
		client:  client,
		book:    book,
		bus:     bus,
		logger:  logger,
		pending: make(map[string]*PendingOrder),
	}
}

// PendingOrders returns a snapshot of in-flight orders.
func (g *Gateway) PendingOrders() []*PendingOrder {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*PendingOrder, 0, len(g.pending))
	for _, p := range g.pending {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// Open places an entry order and records the resulting position. In
// dry-run mode the order is accounted at the tick close price with the
// estimated taker fee.
func (g *Gateway) Open(ctx context.Context, req Request) (*ledger.Trade, error) {
	pendingID := g.addPending(req, req.Price)
	defer g.removePending(pendingID)

	// Venue leverage must match the sizing the ledger accounts for, or the
	// exchange's margin consumption diverges from ours.
	if !g.cfg.DryRun && req.Leverage > 0 {
		if err := g.client.SetLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			return nil, &ExecutionError{Symbol: req.Symbol, Side: req.Side, Reason: fmt.Sprintf("set leverage: %v", err)}
		}
	}

	fillPrice, fee, err := g.fill(ctx, req.Symbol, req.Side, req.Quantity, req.Price, false)
	if err != nil {
		g.logger.Warn().Err(err).Str("symbol", req.Symbol).Str("side", req.Side).Msg("Entry order failed")
		return nil, err
	}

	trade, err := g.book.OpenPosition(ctx, ledger.OpenRequest{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		EntryPrice: fillPrice,
		Leverage:   req.Leverage,
		Margin:     req.Margin,
		Fee:        fee,
		Confidence: req.Confidence,
		Reasoning:  req.Reasoning,
	})
	if err != nil {
		return nil, err
	}

	g.bus.Publish(events.TopicTradeNew, trade)
	return trade, nil
}

// Close exits the position with a reduce-only order and realizes it in the
// ledger.
func (g *Gateway) Close(ctx context.Context, trade *ledger.Trade, currentPrice float64, reason string) (*ledger.Trade, error) {
	exitSide := "SELL"
	if trade.Side == "SELL" {
		exitSide = "BUY"
	}

	fillPrice, _, err := g.fill(ctx, trade.Symbol, exitSide, trade.Quantity, currentPrice, true)
	if err != nil {
		g.logger.Warn().Err(err).Str("symbol", trade.Symbol).Msg("Exit order failed")
		return nil, err
	}

	closed, err := g.book.ClosePosition(ctx, trade.ID, fillPrice)
	if err != nil {
		return nil, err
	}

	g.logger.Info().
		Str("trade_id", closed.ID).
		Str("reason", reason).
		Msg("Position exit executed")

	g.bus.Publish(events.TopicTradeClosed, closed)
	return closed, nil
}

// Invert closes the existing position and opens the opposite side,
// emitting one close event then one open event.
func (g *Gateway) Invert(ctx context.Context, existing *ledger.Trade, req Request) (closed, opened *ledger.Trade, err error) {
	closed, err = g.Close(ctx, existing, req.Price, "reversal")
	if err != nil {
		return nil, nil, err
	}
	opened, err = g.Open(ctx, req)
	if err != nil {
		return closed, nil, err
	}
	return closed, opened, nil
}

// ==================== ORDER PLACEMENT ====================

// fill routes the order to the venue, or simulates it in dry-run mode.
// Returns the fill price and the entry fee.
func (g *Gateway) fill(ctx context.Context, symbol, side string, quantity, tickPrice float64, reduceOnly bool) (float64, float64, error) {
	if g.cfg.DryRun {
		return tickPrice, quantity * tickPrice * g.cfg.TakerFeeRate, nil
	}

	quote, err := g.client.GetBestBidAsk(ctx, symbol)
	if err != nil {
		return 0, 0, &ExecutionError{Symbol: symbol, Side: side, Reason: fmt.Sprintf("quote fetch: %v", err)}
	}

	var limitPrice float64
	var orderSide exchange.Side
	if side == "BUY" {
		limitPrice = quote.Bid * (1 + g.cfg.LimitEpsilon)
		orderSide = exchange.SideBuy
	} else {
		limitPrice = quote.Ask * (1 - g.cfg.LimitEpsilon)
		orderSide = exchange.SideSell
	}

	resp, err := g.client.PlaceOrder(ctx, exchange.OrderParams{
		Symbol:      symbol,
		Side:        orderSide,
		Quantity:    quantity,
		Price:       limitPrice,
		UseLimit:    true,
		ReduceOnly:  reduceOnly,
		TimeInForce: "IOC",
	})
	if err != nil {
		return 0, 0, &ExecutionError{Symbol: symbol, Side: side, Reason: fmt.Sprintf("place order: %v", err)}
	}
	if !resp.Filled() {
		reason := resp.RejectText
		if reason == "" {
			reason = fmt.Sprintf("status %s, filled %.8f of %.8f", resp.Status, resp.FilledQty, quantity)
		}
		return 0, 0, &ExecutionError{Symbol: symbol, Side: side, Reason: reason}
	}

	fillPrice := resp.AvgPrice
	if fillPrice <= 0 {
		fillPrice = limitPrice
	}
	fee := resp.Fee
	if fee <= 0 {
		fee = resp.FilledQty * fillPrice * g.cfg.TakerFeeRate
	}
	return fillPrice, fee, nil
}

// ==================== PENDING REGISTRY ====================

func (g *Gateway) addPending(req Request, currentPrice float64) string {
	id := uuid.NewString()
	g.mu.Lock()
	g.pending[id] = &PendingOrder{
		ID:           id,
		Symbol:       req.Symbol,
		Side:         req.Side,
		LimitPrice:   req.Price,
		Quantity:     req.Quantity,
		Confidence:   req.Confidence,
		Reasoning:    req.Reasoning,
		CreatedAt:    time.Now().UTC(),
		CurrentPrice: currentPrice,
	}
	g.mu.Unlock()
	return id
}

func (g *Gateway) removePending(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}
