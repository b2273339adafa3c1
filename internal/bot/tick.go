package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"perp-trading-agent/internal/database"
	"perp-trading-agent/internal/events"
	"perp-trading-agent/internal/exchange"
	"perp-trading-agent/internal/executor"
	"perp-trading-agent/internal/filters"
	"perp-trading-agent/internal/indicator"
	"perp-trading-agent/internal/ledger"
	"perp-trading-agent/internal/llm"
	"perp-trading-agent/internal/orderbook"
	"perp-trading-agent/internal/regime"
	"perp-trading-agent/internal/strategy"
)

// multiTFIntervals is the candle ladder fetched per tick.
var multiTFIntervals = []string{"1m", "5m", "15m"}

// marketView is everything one symbol tick observes.
type marketView struct {
	price      float64
	indicators *indicator.Set
	multiTF    *indicator.MultiTFSet
	analysis   *orderbook.Analysis
	pools      *orderbook.PoolAnalysis
}

// tickRecord accumulates the single decision row every tick persists.
type tickRecord struct {
	symbol     string
	decision   strategy.Decision
	confidence float64
	reasoning  string
	price      float64
	executed   bool
	tradeID    *string
	errText    *string
	indicators json.RawMessage
}

// ==================== SYMBOL TICK ====================

// runSymbolTick is the per-symbol pipeline. Whatever happens, exactly one
// decision record is persisted before it returns.
func (b *Bot) runSymbolTick(ctx context.Context, symbol string) {
	rec := &tickRecord{symbol: symbol, decision: strategy.Hold}
	defer b.persistDecision(ctx, rec)

	now := b.clock()

	// 1. Daily limits.
	if n := b.counters.Trades(ctx); n >= b.cfg.RiskConfig.MaxDailyTrades {
		rec.reasoning = fmt.Sprintf("daily trade cap reached (%d)", n)
		return
	}
	if loss := b.counters.Loss(ctx); loss >= b.cfg.RiskConfig.MaxDailyLoss {
		rec.reasoning = fmt.Sprintf("daily loss limit reached (%.2f)", loss)
		return
	}

	// 2. Market snapshot.
	view, err := b.fetchMarketView(ctx, symbol)
	if err != nil {
		b.degrade(rec, "market data unavailable", err)
		return
	}
	rec.price = view.price
	if blob, err := json.Marshal(view.indicators); err == nil {
		rec.indicators = blob
	}

	b.regimes.Observe(symbol, view.price)
	state := b.regimes.Current(symbol)

	b.bus.Publish(events.TopicMarketUpdate, map[string]interface{}{
		"symbol":   symbol,
		"price":    view.price,
		"analysis": view.analysis,
		"regime":   state,
	})

	position := b.book.ActivePosition(symbol)
	stats := b.book.TradeStats()

	// 3. Risk exits on the open position come before new entries.
	if position != nil && b.manageOpenPosition(ctx, rec, position, view.price, state) {
		return
	}

	filterIn := &filters.Input{
		Symbol:            symbol,
		Confidence:        0.6,
		Indicators:        view.indicators,
		MultiTF:           view.multiTF,
		Price:             view.price,
		ConsecutiveLosses: stats.ConsecutiveLosses,
		TradesToday:       b.counters.Trades(ctx),
		LastTradeAt:       stats.LastTradeAt,
		LastLossAt:        stats.LastLossAt,
		Now:               now,
	}

	// 4. Preliminary filter pass at nominal confidence.
	if pre := b.master.Evaluate(filterIn); !pre.CanTrade {
		rec.reasoning = "filtered: " + pre.Reason()
		return
	}

	// 5. Synthesize the signal.
	sig, err := b.synth.Synthesize(ctx, &strategy.Input{
		Symbol:     symbol,
		Price:      view.price,
		Indicators: view.indicators,
		MultiTF:    view.multiTF,
		Book:       view.analysis,
		Pools:      view.pools,
		Overlay:    state.Overlay,
	})
	if err != nil {
		b.degrade(rec, "signal synthesis failed", err)
		return
	}
	rec.decision = sig.Decision
	rec.confidence = sig.Confidence
	rec.reasoning = sig.Reasoning

	b.signals.Record(symbol, sig.Decision, sig.Confidence, now)

	// 6. Quick-exit fires even when the fresh signal would not clear the
	// entry gates: sustained opposite signals are reason enough to get out.
	if position != nil && b.signals.QuickExit(symbol, strategy.Decision(position.Side), now) {
		b.quickExit(ctx, rec, position, view.price, now)
		return
	}

	if sig.Decision == strategy.Hold {
		rec.decision = strategy.Hold
		return
	}

	// 7. Ledger reconciliation.
	reversal := false
	if position != nil {
		if position.Side == string(sig.Decision) {
			rec.decision = strategy.Hold
			rec.reasoning = fmt.Sprintf("%s position already open", position.Side)
			return
		}
		if ok, why := b.reversals.CanReverse(symbol, now); !ok {
			rec.decision = strategy.Hold
			rec.reasoning = why
			return
		}
		reversal = true
	}

	// 8. Full filter pass with the real confidence.
	filterIn.Confidence = sig.Confidence
	filterIn.Decision = sig.Decision
	res := b.master.Evaluate(filterIn)
	if !res.CanTrade {
		rec.decision = strategy.Hold
		rec.reasoning = "filtered: " + res.Reason()
		return
	}

	threshold := b.effectiveThreshold(state.Overlay.MinConfidence, res.ConfidenceFloor)
	if sig.Confidence < threshold {
		rec.decision = strategy.Hold
		rec.reasoning = fmt.Sprintf("confidence %.2f below threshold %.2f", sig.Confidence, threshold)
		return
	}

	// 9. Stability gate.
	if !b.signals.IsStable(symbol, sig.Decision, now) {
		rec.decision = strategy.Hold
		rec.reasoning = fmt.Sprintf("signal not stable yet (%s)", sig.Decision)
		return
	}

	// 10. Execute.
	b.execute(ctx, rec, sig, view, res.SizeMultiplier, position, reversal, now)
}

// ==================== EXECUTION ====================

func (b *Bot) execute(ctx context.Context, rec *tickRecord, sig *strategy.Signal, view *marketView,
	sizeMult float64, position *ledger.Trade, reversal bool, now time.Time) {

	balance := b.book.CurrentBalance()
	margin := balance * b.cfg.TradingConfig.PositionSizePercent / 100 * sizeMult
	leverage := b.cfg.TradingConfig.DefaultLeverage
	quantity := margin * float64(leverage) / view.price
	if quantity <= 0 || margin <= 0 {
		rec.decision = strategy.Hold
		rec.reasoning = "computed size is zero"
		return
	}

	req := executor.Request{
		Symbol:     rec.symbol,
		Side:       string(sig.Decision),
		Quantity:   quantity,
		Margin:     margin,
		Leverage:   leverage,
		Price:      view.price,
		Confidence: sig.Confidence,
		Reasoning:  sig.Reasoning,
	}

	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	var (
		opened *ledger.Trade
		err    error
	)
	if reversal {
		var closed *ledger.Trade
		closed, opened, err = b.gateway.Invert(callCtx, position, req)
		if closed != nil {
			b.reversals.RecordReversal(rec.symbol, now)
			if closed.PnL != nil {
				b.counters.RecordPnL(ctx, *closed.PnL)
			}
		}
	} else {
		opened, err = b.gateway.Open(callCtx, req)
	}

	if err != nil {
		var violation bool
		for _, sentinel := range []error{ledger.ErrMaxPositions, ledger.ErrCorrelation, ledger.ErrInsufficientMargin, ledger.ErrDuplicateOpen} {
			if errors.Is(err, sentinel) {
				violation = true
				break
			}
		}
		rec.decision = strategy.Hold
		if violation {
			rec.reasoning = err.Error()
		} else {
			b.degrade(rec, "order execution failed", err)
		}
		return
	}

	rec.executed = true
	rec.tradeID = &opened.ID
	b.counters.RecordTrade(ctx)
	b.signals.Reset(rec.symbol)
	b.publishAccountState()

	b.logger.Info().
		Str("symbol", rec.symbol).
		Str("side", string(sig.Decision)).
		Float64("quantity", quantity).
		Float64("margin", margin).
		Bool("reversal", reversal).
		Msg("Trade executed")
}

// quickExit closes the position without opening the opposite side.
func (b *Bot) quickExit(ctx context.Context, rec *tickRecord, position *ledger.Trade, price float64, now time.Time) {
	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	closed, err := b.gateway.Close(callCtx, position, price, "quick exit on opposite signals")
	if err != nil {
		b.degrade(rec, "quick exit failed", err)
		return
	}

	b.reversals.RecordReversal(rec.symbol, now)
	if closed.PnL != nil {
		b.counters.RecordPnL(ctx, *closed.PnL)
	}
	b.signals.Reset(rec.symbol)
	b.publishAccountState()

	rec.decision = strategy.Hold
	rec.executed = true
	rec.tradeID = &closed.ID
	rec.reasoning = "quick exit: sustained opposite signals"
}

// manageOpenPosition applies the regime-adjusted stop loss and take profit.
// Returns true when the position was closed this tick.
func (b *Bot) manageOpenPosition(ctx context.Context, rec *tickRecord, position *ledger.Trade, price float64, state regime.State) bool {
	movePct := (price - position.EntryPrice) / position.EntryPrice * 100
	if position.Side == "SELL" {
		movePct = -movePct
	}

	var reason string
	switch {
	case movePct <= -state.Overlay.StopLossPct:
		reason = fmt.Sprintf("stop loss hit (%.2f%%)", movePct)
	case movePct >= state.Overlay.TakeProfitPct:
		reason = fmt.Sprintf("take profit hit (%.2f%%)", movePct)
	default:
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	closed, err := b.gateway.Close(callCtx, position, price, reason)
	if err != nil {
		b.degrade(rec, "risk exit failed", err)
		return true
	}
	if closed.PnL != nil {
		b.counters.RecordPnL(ctx, *closed.PnL)
	}
	b.publishAccountState()

	rec.decision = strategy.Hold
	rec.executed = true
	rec.tradeID = &closed.ID
	rec.reasoning = reason
	return true
}

// ==================== MARKET VIEW ====================

func (b *Bot) fetchMarketView(ctx context.Context, symbol string) (*marketView, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	series := make(map[string][]exchange.Candle, len(multiTFIntervals))
	for _, interval := range multiTFIntervals {
		candles, err := b.client.GetCandles(callCtx, symbol, interval, 100)
		if err != nil {
			return nil, fmt.Errorf("candles %s/%s: %w", symbol, interval, err)
		}
		series[interval] = candles
	}

	primary := series[b.cfg.TradingConfig.Interval]
	if primary == nil {
		primary = series[multiTFIntervals[0]]
	}

	set, err := indicator.Compute(primary)
	if err != nil {
		return nil, err
	}

	multiTF, err := indicator.ComputeMulti(series)
	if err != nil {
		// Multi-TF is a refinement; single-timeframe indicators suffice.
		b.logger.Debug().Err(err).Str("symbol", symbol).Msg("Multi-timeframe set unavailable")
		multiTF = nil
	}

	book, err := b.client.GetOrderBook(callCtx, symbol, 20)
	if err != nil {
		return nil, fmt.Errorf("order book %s: %w", symbol, err)
	}
	analysis, err := b.analyzer.Analyze(book)
	if err != nil {
		return nil, err
	}
	pools := b.analyzer.LiquidityPools(book)

	price := set.Price
	if ticker, err := b.client.GetTickerPrice(callCtx, symbol); err == nil && ticker > 0 {
		price = ticker
	}

	return &marketView{
		price:      price,
		indicators: set,
		multiTF:    multiTF,
		analysis:   analysis,
		pools:      pools,
	}, nil
}

// ==================== SUPPORT ====================

// effectiveThreshold combines the configured minimum, the regime overlay
// and the filter floor. HYBRID mode demands extra conviction since two
// models already had to agree.
func (b *Bot) effectiveThreshold(overlayMin, filterFloor float64) float64 {
	threshold := b.cfg.TradingConfig.ConfidenceThreshold
	if overlayMin > threshold {
		threshold = overlayMin
	}
	if filterFloor > threshold {
		threshold = filterFloor
	}
	if b.synth.Mode() == strategy.ModeHybrid {
		threshold += 0.05
	}
	return threshold
}

// degrade converts an upstream failure into a HOLD with the error kept for
// the journal. Transient and permanent failures both land here; the retry
// budget was already spent inside the failing client.
func (b *Bot) degrade(rec *tickRecord, msg string, err error) {
	rec.decision = strategy.Hold
	errText := err.Error()
	rec.errText = &errText
	if rec.reasoning == "" {
		rec.reasoning = msg
	}

	var llmErr *llm.AnalysisError
	if errors.As(err, &llmErr) {
		b.logger.Warn().Err(err).Str("symbol", rec.symbol).Msg("LLM unavailable, holding")
		return
	}
	b.logger.Warn().Err(err).Str("symbol", rec.symbol).Msg(msg)
}

// persistDecision writes the tick's single decision row and pushes it to
// subscribers.
func (b *Bot) persistDecision(ctx context.Context, rec *tickRecord) {
	d := &database.Decision{
		ID:           uuid.NewString(),
		TradeID:      rec.tradeID,
		Timestamp:    time.Now().UTC(),
		Symbol:       rec.symbol,
		Decision:     string(rec.decision),
		Confidence:   rec.confidence,
		Reasoning:    rec.reasoning,
		CurrentPrice: rec.price,
		Indicators:   rec.indicators,
		Executed:     rec.executed,
		Error:        rec.errText,
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := b.store.SaveDecision(saveCtx, d); err != nil {
		b.logger.Error().Err(err).Str("symbol", rec.symbol).Msg("Failed to persist decision")
	}

	b.bus.Publish(events.TopicDecisionNew, d)
}

// publishAccountState pushes stats and positions after any trade activity.
func (b *Bot) publishAccountState() {
	stats := b.book.TradeStats()
	b.bus.Publish(events.TopicStatsUpdate, map[string]interface{}{
		"balance":     b.book.CurrentBalance(),
		"free_margin": b.book.FreeMargin(),
		"stats":       stats,
	})
	b.bus.Publish(events.TopicPositionsUpdate, b.book.ActivePositions())
}
