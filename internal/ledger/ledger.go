package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ==================== LEDGER ====================

// Ledger is the authoritative in-process view of balance, margin
// reservations and open positions. Every mutation happens under one lock;
// persistence is write-through via the Repository.
//
// Invariants: at most one open position per symbol, the sum of
// reservations never exceeds the balance, and the balance changes only
// through closePosition or an explicit operator reset.
type Ledger struct {
	mu        sync.Mutex
	balance   float64
	reserved  float64
	open      map[string]*Trade // keyed by symbol
	closed    []*Trade
	stats     Stats
	maxOpen   int
	takerRate float64

	repo   Repository
	logger zerolog.Logger
}

// Config tunes the ledger.
type Config struct {
	StartingBalance float64
	MaxPositions    int
	TakerFeeRate    float64
}

// New creates a ledger. repo may be nil (pure in-memory, used by backtests
// and tests).
func New(cfg Config, repo Repository, logger zerolog.Logger) *Ledger {
	return &Ledger{
		balance:   cfg.StartingBalance,
		open:      make(map[string]*Trade),
		maxOpen:   cfg.MaxPositions,
		takerRate: cfg.TakerFeeRate,
		repo:      repo,
		logger:    logger,
	}
}

// ==================== READ SIDE ====================

// CurrentBalance returns the realized balance.
func (l *Ledger) CurrentBalance() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// FreeMargin returns balance minus the sum of open reservations.
func (l *Ledger) FreeMargin() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance - l.reserved
}

// Equity returns balance plus unrealized P&L marked at the given prices.
func (l *Ledger) Equity(prices map[string]float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	eq := l.balance
	for sym, t := range l.open {
		eq += t.UnrealizedPnL(prices[sym])
	}
	return eq
}

// ActivePosition returns the open trade for a symbol, or nil.
func (l *Ledger) ActivePosition(symbol string) *Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.open[symbol]; ok {
		cp := *t
		return &cp
	}
	return nil
}

// ActivePositions returns copies of all open trades.
func (l *Ledger) ActivePositions() []*Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Trade, 0, len(l.open))
	for _, t := range l.open {
		cp := *t
		out = append(out, &cp)
	}
	return out
}

// ClosedTrades returns copies of the closed trades, newest last.
func (l *Ledger) ClosedTrades() []*Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Trade, 0, len(l.closed))
	for _, t := range l.closed {
		cp := *t
		out = append(out, &cp)
	}
	return out
}

// TradeStats returns a snapshot of realized performance.
func (l *Ledger) TradeStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// ==================== OPEN / CLOSE ====================

// OpenRequest carries everything needed to open a position.
type OpenRequest struct {
	Symbol     string
	Side       string // BUY or SELL
	Quantity   float64
	EntryPrice float64
	Leverage   int
	Margin     float64
	Fee        float64
	Confidence float64
	Reasoning  string
}

// OpenPosition reserves margin and inserts a new open row. It enforces the
// single-position-per-symbol rule, the max-positions cap and the crypto
// correlation rule: the new side must not oppose any open position on any
// symbol, since the majors move together.
func (l *Ledger) OpenPosition(ctx context.Context, req OpenRequest) (*Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openLocked(ctx, req)
}

func (l *Ledger) openLocked(ctx context.Context, req OpenRequest) (*Trade, error) {
	if _, exists := l.open[req.Symbol]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateOpen, req.Symbol)
	}
	if l.maxOpen > 0 && len(l.open) >= l.maxOpen {
		return nil, fmt.Errorf("%w: %d open", ErrMaxPositions, len(l.open))
	}
	for sym, t := range l.open {
		if t.Side != req.Side {
			return nil, fmt.Errorf("%w: %s %s is open", ErrCorrelation, t.Side, sym)
		}
	}
	if req.Margin <= 0 || l.reserved+req.Margin > l.balance {
		return nil, fmt.Errorf("%w: need %.2f, free %.2f", ErrInsufficientMargin, req.Margin, l.balance-l.reserved)
	}

	trade := &Trade{
		ID:         uuid.NewString(),
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		EntryPrice: req.EntryPrice,
		Leverage:   req.Leverage,
		Margin:     req.Margin,
		Fee:        req.Fee,
		EntryTime:  time.Now().UTC(),
		Status:     StatusOpen,
		Confidence: req.Confidence,
		Reasoning:  req.Reasoning,
	}

	l.reserved += req.Margin
	l.open[req.Symbol] = trade
	l.stats.LastTradeAt = trade.EntryTime

	if l.repo != nil {
		if err := l.repo.SaveTrade(ctx, trade); err != nil {
			l.logger.Error().Err(err).Str("trade_id", trade.ID).Msg("Failed to persist trade open")
		}
	}

	l.logger.Info().
		Str("trade_id", trade.ID).
		Str("symbol", trade.Symbol).
		Str("side", trade.Side).
		Float64("quantity", trade.Quantity).
		Float64("entry_price", trade.EntryPrice).
		Float64("margin", trade.Margin).
		Msg("Position opened")

	cp := *trade
	return &cp, nil
}

// ClosePosition realizes a trade at the given exit price. It is
// idempotent: closing an already-closed trade returns the stored row
// unchanged. Realized P&L is the leveraged price move minus entry and
// estimated exit fees.
func (l *Ledger) ClosePosition(ctx context.Context, tradeID string, exitPrice float64) (*Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked(ctx, tradeID, exitPrice)
}

func (l *Ledger) closeLocked(ctx context.Context, tradeID string, exitPrice float64) (*Trade, error) {
	for _, t := range l.closed {
		if t.ID == tradeID {
			cp := *t
			return &cp, nil
		}
	}

	var trade *Trade
	for _, t := range l.open {
		if t.ID == tradeID {
			trade = t
			break
		}
	}
	if trade == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, tradeID)
	}

	gross := trade.UnrealizedPnL(exitPrice)
	exitFee := trade.Quantity * exitPrice * l.takerRate
	pnl := gross - trade.Fee - exitFee
	// Cross-margin loss is bounded by the posted margin: a gap beyond it
	// liquidates the position, so the balance can never go negative.
	if pnl < -trade.Margin {
		pnl = -trade.Margin
	}

	now := time.Now().UTC()
	trade.ExitPrice = &exitPrice
	trade.ExitTime = &now
	trade.PnL = &pnl
	trade.Fee += exitFee
	trade.Status = StatusClosed

	l.reserved -= trade.Margin
	if l.reserved < 0 {
		l.reserved = 0
	}
	l.balance += pnl

	delete(l.open, trade.Symbol)
	l.closed = append(l.closed, trade)

	l.stats.TotalTrades++
	l.stats.TotalPnL += pnl
	l.stats.LastTradeAt = now
	if pnl >= 0 {
		l.stats.Wins++
		l.stats.ConsecutiveLosses = 0
	} else {
		l.stats.Losses++
		l.stats.ConsecutiveLosses++
		l.stats.LastLossAt = now
	}

	if l.repo != nil {
		if err := l.repo.UpdateTrade(ctx, trade); err != nil {
			l.logger.Error().Err(err).Str("trade_id", trade.ID).Msg("Failed to persist trade close")
		}
		if err := l.repo.SaveBalance(ctx, l.balance); err != nil {
			l.logger.Error().Err(err).Msg("Failed to persist balance")
		}
	}

	l.logger.Info().
		Str("trade_id", trade.ID).
		Str("symbol", trade.Symbol).
		Float64("exit_price", exitPrice).
		Float64("pnl", pnl).
		Float64("balance", l.balance).
		Msg("Position closed")

	cp := *trade
	return &cp, nil
}

// InvertPosition closes the open position on the symbol and opens the
// opposite side in one locked step. The caller receives both rows so it
// can emit one close event followed by one open event.
func (l *Ledger) InvertPosition(ctx context.Context, symbol string, exitPrice float64, req OpenRequest) (closed, opened *Trade, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, ok := l.open[symbol]
	if !ok {
		return nil, nil, fmt.Errorf("%w: no open position on %s", ErrNotFound, symbol)
	}
	if existing.Side == req.Side {
		return nil, nil, fmt.Errorf("invert requires the opposite side, position is already %s", existing.Side)
	}

	closed, err = l.closeLocked(ctx, existing.ID, exitPrice)
	if err != nil {
		return nil, nil, err
	}
	opened, err = l.openLocked(ctx, req)
	if err != nil {
		// Position is flat; the reversal half-completed. Surface it loudly.
		l.logger.Error().Err(err).Str("symbol", symbol).Msg("Inversion closed but failed to reopen")
		return closed, nil, err
	}
	return closed, opened, nil
}

// Reset restores the starting balance and clears every position. Operator
// action only.
func (l *Ledger) Reset(ctx context.Context, balance float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balance = balance
	l.reserved = 0
	l.open = make(map[string]*Trade)
	l.closed = nil
	l.stats = Stats{}

	if l.repo != nil {
		if err := l.repo.SaveBalance(ctx, balance); err != nil {
			l.logger.Error().Err(err).Msg("Failed to persist balance reset")
		}
	}
	l.logger.Warn().Float64("balance", balance).Msg("Ledger reset")
}
