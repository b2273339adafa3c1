package regime

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Regime classifies per-symbol market conditions.
type Regime string

const (
	TrendingUp  Regime = "TRENDING_UP"
	TrendingDn  Regime = "TRENDING_DOWN"
	Ranging     Regime = "RANGING"
	HighVol     Regime = "HIGH_VOLATILITY"
	LowVol      Regime = "LOW_VOLATILITY"
)

// ParamOverlay retunes decision thresholds for the current regime. Values
// are applied on top of static defaults: thresholds override, the size
// multiplier composes.
type ParamOverlay struct {
	StrongImbalance   float64 `json:"strong_imbalance"`
	WeakImbalance     float64 `json:"weak_imbalance"`
	MaxSpreadPct      float64 `json:"max_spread_pct"`
	MinLiquidity      float64 `json:"min_liquidity"`
	PressureThreshold float64 `json:"pressure_threshold"`
	MinConfidence     float64 `json:"min_confidence"`
	StopLossPct       float64 `json:"stop_loss_pct"`
	TakeProfitPct     float64 `json:"take_profit_pct"`
	SizeMultiplier    float64 `json:"size_multiplier"`
}

// State is the per-symbol regime snapshot.
type State struct {
	Symbol        string       `json:"symbol"`
	Volatility    float64      `json:"volatility"`
	TrendStrength float64      `json:"trend_strength"` // [-1, 1]
	Regime        Regime       `json:"regime"`
	Overlay       ParamOverlay `json:"overlay"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Config tunes classification thresholds.
type Config struct {
	MaxHistory    int
	HighVolThresh float64
	LowVolThresh  float64
	TrendThresh   float64
	CacheTTL      time.Duration
}

// DefaultConfig returns production defaults. Volatility is the stdev of
// log-returns scaled by sqrt(60) (per-hour normalization of minute bars).
func DefaultConfig() Config {
	return Config{
		MaxHistory:    100,
		HighVolThresh: 0.015,
		LowVolThresh:  0.002,
		TrendThresh:   0.3,
		CacheTTL:      60 * time.Second,
	}
}

// Engine tracks per-symbol price history and derives regime state with a
// cached parameter overlay.
type Engine struct {
	cfg      Config
	defaults ParamOverlay

	mu     sync.Mutex
	states map[string]*symbolState
}

type symbolState struct {
	prices []float64
	cached State
	fresh  bool
}

// NewEngine creates a regime engine. The defaults overlay is what callers
// fall back to when no regime adjustment applies.
func NewEngine(cfg Config, defaults ParamOverlay) *Engine {
	return &Engine{cfg: cfg, defaults: defaults, states: make(map[string]*symbolState)}
}

// DefaultOverlay returns the static overlay used for RANGING / fallback.
func DefaultOverlay() ParamOverlay {
	return ParamOverlay{
		StrongImbalance:   0.30,
		WeakImbalance:     0.15,
		MaxSpreadPct:      0.10,
		MinLiquidity:      20,
		PressureThreshold: 0.60,
		MinConfidence:     0.70,
		StopLossPct:       1.0,
		TakeProfitPct:     2.0,
		SizeMultiplier:    1.0,
	}
}

// Observe appends a price observation for the symbol and invalidates the
// cached overlay if it has expired.
func (e *Engine) Observe(symbol string, price float64) {
	if price <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.states[symbol]
	if st == nil {
		st = &symbolState{}
		e.states[symbol] = st
	}
	st.prices = append(st.prices, price)
	if len(st.prices) > e.cfg.MaxHistory {
		st.prices = st.prices[len(st.prices)-e.cfg.MaxHistory:]
	}
	if time.Since(st.cached.UpdatedAt) > e.cfg.CacheTTL {
		st.fresh = false
	}
}

// Current returns the cached state for a symbol, recomputing when the
// cache has expired. Failures fall back to static defaults and RANGING.
func (e *Engine) Current(symbol string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentLocked(symbol)
}

// ForceUpdate recomputes the state ignoring the cache.
func (e *Engine) ForceUpdate(symbol string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.states[symbol]
	if st != nil {
		st.fresh = false
	}
	return e.currentLocked(symbol)
}

func (e *Engine) currentLocked(symbol string) State {
	st := e.states[symbol]
	if st == nil {
		return e.fallback(symbol)
	}
	if st.fresh && time.Since(st.cached.UpdatedAt) <= e.cfg.CacheTTL {
		return st.cached
	}

	state, ok := e.compute(symbol, st.prices)
	if !ok {
		return e.fallback(symbol)
	}
	st.cached = state
	st.fresh = true
	return state
}

func (e *Engine) fallback(symbol string) State {
	return State{
		Symbol:    symbol,
		Regime:    Ranging,
		Overlay:   e.defaults,
		UpdatedAt: time.Now(),
	}
}

func (e *Engine) compute(symbol string, prices []float64) (State, bool) {
	if len(prices) < 10 {
		return State{}, false
	}

	vol := logReturnVolatility(prices)
	trend := trendStrength(prices)
	if math.IsNaN(vol) || math.IsNaN(trend) {
		return State{}, false
	}

	regime := e.classify(vol, trend)
	return State{
		Symbol:        symbol,
		Volatility:    vol,
		TrendStrength: trend,
		Regime:        regime,
		Overlay:       e.overlayFor(regime),
		UpdatedAt:     time.Now(),
	}, true
}

// classify applies the ordered decision: volatility extremes first, then
// trend, then RANGING.
func (e *Engine) classify(vol, trend float64) Regime {
	switch {
	case vol > e.cfg.HighVolThresh:
		return HighVol
	case vol < e.cfg.LowVolThresh:
		return LowVol
	case trend > e.cfg.TrendThresh:
		return TrendingUp
	case trend < -e.cfg.TrendThresh:
		return TrendingDn
	default:
		return Ranging
	}
}

func (e *Engine) overlayFor(r Regime) ParamOverlay {
	o := e.defaults
	switch r {
	case HighVol:
		// Demand more conviction and cut size when the tape is wild.
		o.StrongImbalance *= 1.3
		o.MinConfidence = math.Min(o.MinConfidence+0.10, 0.95)
		o.StopLossPct *= 1.5
		o.TakeProfitPct *= 1.5
		o.SizeMultiplier *= 0.5
	case LowVol:
		o.StrongImbalance *= 0.85
		o.MaxSpreadPct *= 0.5
		o.StopLossPct *= 0.7
		o.TakeProfitPct *= 0.7
	case TrendingUp, TrendingDn:
		o.MinConfidence = math.Max(o.MinConfidence-0.05, 0.5)
		o.SizeMultiplier *= 1.2
		o.TakeProfitPct *= 1.25
	case Ranging:
		// Static defaults apply.
	}
	return o
}

// logReturnVolatility is the stdev of consecutive log-returns scaled by
// sqrt(60).
func logReturnVolatility(prices []float64) float64 {
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(prices[i]/prices[i-1]))
	}
	if len(returns) < 2 {
		return 0
	}
	return stat.StdDev(returns, nil) * math.Sqrt(60)
}

// trendStrength is the linear-regression slope of the series normalized by
// the mean price and observation count, clamped to [-1, 1].
func trendStrength(prices []float64) float64 {
	xs := make([]float64, len(prices))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, prices, nil, false)

	mean := stat.Mean(prices, nil)
	if mean <= 0 {
		return 0
	}
	// Total relative move implied by the fit across the window, scaled so
	// a 1% drift over 100 observations saturates.
	norm := slope * float64(len(prices)) / mean * 100
	if norm > 1 {
		return 1
	}
	if norm < -1 {
		return -1
	}
	return norm
}
