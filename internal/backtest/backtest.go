package backtest

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perp-trading-agent/internal/events"
	"perp-trading-agent/internal/exchange"
	"perp-trading-agent/internal/filters"
	"perp-trading-agent/internal/indicator"
	"perp-trading-agent/internal/ledger"
	"perp-trading-agent/internal/logging"
	"perp-trading-agent/internal/orderbook"
	"perp-trading-agent/internal/regime"
	"perp-trading-agent/internal/strategy"
)

// ==================== TYPES ====================

// Params configures one backtest run.
type Params struct {
	Symbol          string  `json:"symbol"`
	Interval        string  `json:"interval"`
	Days            int     `json:"days"`
	StartingBalance float64 `json:"starting_balance"`
	PositionPct     float64 `json:"position_size_percent"`
	Leverage        int     `json:"leverage"`
	TakerFeeRate    float64 `json:"taker_fee_rate"`
	StopLossPct     float64 `json:"stop_loss_percent"`
	TakeProfitPct   float64 `json:"take_profit_percent"`
	Threshold       float64 `json:"confidence_threshold"`
}

// Result summarizes a finished run.
type Result struct {
	Symbol       string    `json:"symbol"`
	Candles      int       `json:"candles"`
	TotalTrades  int       `json:"total_trades"`
	Wins         int       `json:"wins"`
	Losses       int       `json:"losses"`
	WinRate      float64   `json:"win_rate"`
	ProfitFactor float64   `json:"profit_factor"`
	MaxDrawdown  float64   `json:"max_drawdown_pct"`
	FinalBalance float64   `json:"final_balance"`
	NetPnL       float64   `json:"net_pnl"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Progress is pushed to subscribers while a run is in flight.
type Progress struct {
	Symbol  string  `json:"symbol"`
	Step    int     `json:"step"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
	Balance float64 `json:"balance"`
	Trades  int     `json:"trades"`
}

// Runner replays historical candles through the live decision components:
// the same synthesizer, filter pipeline and ledger the trade loop uses.
type Runner struct {
	client exchange.Client
	bus    *events.Bus
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	last    *Result
}

// NewRunner creates a backtest runner.
func NewRunner(client exchange.Client, bus *events.Bus) *Runner {
	return &Runner{client: client, bus: bus, logger: logging.Component("backtest")}
}

// IsRunning reports whether a run is in flight.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// LastResult returns the most recent completed result, or nil.
func (r *Runner) LastResult() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Stop cancels the in-flight run, if any.
func (r *Runner) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.cancel == nil {
		return false
	}
	r.cancel()
	return true
}

// ==================== RUN ====================

// Start launches a run in the background. Only one run at a time.
func (r *Runner) Start(ctx context.Context, p Params) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("backtest already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.running = true
	r.cancel = cancel
	r.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			r.mu.Lock()
			r.running = false
			r.cancel = nil
			r.mu.Unlock()
		}()

		r.bus.Publish(events.TopicBacktestStatus, map[string]interface{}{"status": "running", "symbol": p.Symbol})
		result, err := r.run(runCtx, p)
		if err != nil {
			r.logger.Error().Err(err).Str("symbol", p.Symbol).Msg("Backtest failed")
			r.bus.Publish(events.TopicBacktestStatus, map[string]interface{}{"status": "failed", "error": err.Error()})
			return
		}
		r.mu.Lock()
		r.last = result
		r.mu.Unlock()
		r.bus.Publish(events.TopicBacktestComplete, result)
	}()
	return nil
}

func (r *Runner) run(ctx context.Context, p Params) (*Result, error) {
	applyDefaults(&p)

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -p.Days)
	candles, err := r.client.GetHistoricalCandles(ctx, p.Symbol, p.Interval, from, to)
	if err != nil {
		return nil, fmt.Errorf("historical candles: %w", err)
	}
	if len(candles) < indicator.MinCandlesMulti {
		return nil, fmt.Errorf("only %d candles available, need %d", len(candles), indicator.MinCandlesMulti)
	}

	book := ledger.New(ledger.Config{
		StartingBalance: p.StartingBalance,
		MaxPositions:    1,
		TakerFeeRate:    p.TakerFeeRate,
	}, nil, r.logger)

	analyzer := orderbook.NewAnalyzer(orderbook.DefaultConfig())
	synth := strategy.NewSynthesizer(strategy.ModeOrderBook, false, nil, r.logger)
	master := filters.NewMasterFilter(filters.DefaultConfig(), r.logger)
	overlay := regime.DefaultOverlay()
	overlay.StopLossPct = p.StopLossPct
	overlay.TakeProfitPct = p.TakeProfitPct

	result := &Result{Symbol: p.Symbol, Candles: len(candles), StartedAt: time.Now().UTC()}
	peak := p.StartingBalance
	grossWin, grossLoss := 0.0, 0.0

	total := len(candles) - indicator.MinCandlesMulti
	for i := indicator.MinCandlesMulti; i < len(candles); i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		window := candles[:i+1]
		candle := candles[i]
		price := candle.Close

		// Risk exits first, using the candle's extremes.
		if pos := book.ActivePosition(p.Symbol); pos != nil {
			if exitPrice, hit := riskExit(pos, candle, overlay); hit {
				closed, err := book.ClosePosition(ctx, pos.ID, exitPrice)
				if err == nil && closed.PnL != nil {
					trackPnL(*closed.PnL, &grossWin, &grossLoss)
				}
			}
		}

		set, err := indicator.Compute(window)
		if err != nil {
			continue
		}

		snapshot := syntheticBook(p.Symbol, window)
		analysis, err := analyzer.Analyze(snapshot)
		if err != nil {
			continue
		}
		pools := analyzer.LiquidityPools(snapshot)

		sig, err := synth.Synthesize(ctx, &strategy.Input{
			Symbol:     p.Symbol,
			Price:      price,
			Indicators: set,
			Book:       analysis,
			Pools:      pools,
			Overlay:    overlay,
		})
		if err != nil || sig.Decision == strategy.Hold {
			continue
		}

		res := master.Evaluate(&filters.Input{
			Symbol:     p.Symbol,
			Decision:   sig.Decision,
			Confidence: sig.Confidence,
			Indicators: set,
			Price:      price,
			Now:        candle.OpenTime,
		})
		if !res.CanTrade || sig.Confidence < math.Max(p.Threshold, res.ConfidenceFloor) {
			continue
		}

		pos := book.ActivePosition(p.Symbol)
		if pos != nil {
			if pos.Side == string(sig.Decision) {
				continue
			}
			closed, err := book.ClosePosition(ctx, pos.ID, price)
			if err != nil {
				continue
			}
			if closed.PnL != nil {
				trackPnL(*closed.PnL, &grossWin, &grossLoss)
			}
		}

		balance := book.CurrentBalance()
		margin := balance * p.PositionPct / 100 * res.SizeMultiplier
		quantity := margin * float64(p.Leverage) / price
		if margin <= 0 || quantity <= 0 {
			continue
		}
		_, err = book.OpenPosition(ctx, ledger.OpenRequest{
			Symbol:     p.Symbol,
			Side:       string(sig.Decision),
			Quantity:   quantity,
			EntryPrice: price,
			Leverage:   p.Leverage,
			Margin:     margin,
			Fee:        quantity * price * p.TakerFeeRate,
			Confidence: sig.Confidence,
			Reasoning:  sig.Reasoning,
		})
		if err != nil {
			continue
		}

		if balance := book.CurrentBalance(); balance > peak {
			peak = balance
		} else if peak > 0 {
			if dd := (peak - balance) / peak * 100; dd > result.MaxDrawdown {
				result.MaxDrawdown = dd
			}
		}

		if step := i - indicator.MinCandlesMulti; step%50 == 0 {
			r.bus.Publish(events.TopicBacktestProgress, &Progress{
				Symbol:  p.Symbol,
				Step:    step,
				Total:   total,
				Percent: float64(step) / float64(total) * 100,
				Balance: book.CurrentBalance(),
				Trades:  book.TradeStats().TotalTrades,
			})
		}
	}

	// Flatten anything still open at the last close.
	if pos := book.ActivePosition(p.Symbol); pos != nil {
		closed, err := book.ClosePosition(ctx, pos.ID, candles[len(candles)-1].Close)
		if err == nil && closed.PnL != nil {
			trackPnL(*closed.PnL, &grossWin, &grossLoss)
		}
	}

	stats := book.TradeStats()
	result.TotalTrades = stats.TotalTrades
	result.Wins = stats.Wins
	result.Losses = stats.Losses
	result.WinRate = stats.WinRate()
	result.FinalBalance = book.CurrentBalance()
	result.NetPnL = result.FinalBalance - p.StartingBalance
	if grossLoss > 0 {
		result.ProfitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		result.ProfitFactor = math.Inf(1)
	}
	result.FinishedAt = time.Now().UTC()

	r.logger.Info().
		Int("trades", result.TotalTrades).
		Float64("win_rate", result.WinRate).
		Float64("final_balance", result.FinalBalance).
		Msg("Backtest complete")

	return result, nil
}

// ==================== HELPERS ====================

func applyDefaults(p *Params) {
	if p.Interval == "" {
		p.Interval = "1m"
	}
	if p.Days <= 0 {
		p.Days = 7
	}
	if p.StartingBalance <= 0 {
		p.StartingBalance = 100
	}
	if p.PositionPct <= 0 {
		p.PositionPct = 10
	}
	if p.Leverage <= 0 {
		p.Leverage = 20
	}
	if p.TakerFeeRate <= 0 {
		p.TakerFeeRate = 0.00045
	}
	if p.StopLossPct <= 0 {
		p.StopLossPct = 1.0
	}
	if p.TakeProfitPct <= 0 {
		p.TakeProfitPct = 2.0
	}
	if p.Threshold <= 0 {
		p.Threshold = 0.70
	}
}

// riskExit checks the candle's extremes against the stop and target. The
// stop is checked first: within one candle the pessimistic ordering is
// assumed.
func riskExit(pos *ledger.Trade, c exchange.Candle, overlay regime.ParamOverlay) (float64, bool) {
	stop := pos.EntryPrice * (1 - overlay.StopLossPct/100)
	target := pos.EntryPrice * (1 + overlay.TakeProfitPct/100)
	if pos.Side == "SELL" {
		stop = pos.EntryPrice * (1 + overlay.StopLossPct/100)
		target = pos.EntryPrice * (1 - overlay.TakeProfitPct/100)
		if c.High >= stop {
			return stop, true
		}
		if c.Low <= target {
			return target, true
		}
		return 0, false
	}
	if c.Low <= stop {
		return stop, true
	}
	if c.High >= target {
		return target, true
	}
	return 0, false
}

// syntheticBook fabricates an L2 snapshot from recent candle flow so the
// order-book analyzer can run against history. Depth is skewed by signed
// volume momentum over the trailing window.
func syntheticBook(symbol string, window []exchange.Candle) *exchange.OrderBook {
	last := window[len(window)-1]
	mid := last.Close

	lookback := 10
	if len(window) < lookback {
		lookback = len(window)
	}
	var signed, total float64
	for _, c := range window[len(window)-lookback:] {
		if c.Close >= c.Open {
			signed += c.Volume
		} else {
			signed -= c.Volume
		}
		total += c.Volume
	}
	skew := 0.0
	if total > 0 {
		skew = signed / total // [-1, 1]
	}

	baseSize := total / float64(lookback) / 20
	if baseSize <= 0 {
		baseSize = 1
	}

	book := &exchange.OrderBook{Symbol: symbol}
	tick := mid * 0.0002
	for i := 1; i <= 20; i++ {
		bidSize := baseSize * (1 + skew*0.8)
		askSize := baseSize * (1 - skew*0.8)
		if bidSize < 0.01 {
			bidSize = 0.01
		}
		if askSize < 0.01 {
			askSize = 0.01
		}
		book.Bids = append(book.Bids, exchange.BookLevel{Price: mid - tick*float64(i), Size: bidSize})
		book.Asks = append(book.Asks, exchange.BookLevel{Price: mid + tick*float64(i), Size: askSize})
	}
	return book
}

func trackPnL(pnl float64, grossWin, grossLoss *float64) {
	if pnl >= 0 {
		*grossWin += pnl
	} else {
		*grossLoss += -pnl
	}
}
