package regime

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func feedPrices(e *Engine, symbol string, prices []float64) {
	for _, p := range prices {
		e.Observe(symbol, p)
	}
}

// flatWithNoise produces a near-constant series with tiny alternating
// moves so volatility stays under the low threshold.
func flatWithNoise(n int, base float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = base + float64(i%2)*base*1e-6
	}
	return out
}

func TestUnknownSymbolFallsBack(t *testing.T) {
	e := NewEngine(DefaultConfig(), DefaultOverlay())
	state := e.Current("XRP")
	assert.Equal(t, Ranging, state.Regime)
	assert.Equal(t, DefaultOverlay(), state.Overlay)
}

func TestTooFewObservationsFallsBack(t *testing.T) {
	e := NewEngine(DefaultConfig(), DefaultOverlay())
	feedPrices(e, "BTC", []float64{100, 101, 102})
	state := e.Current("BTC")
	assert.Equal(t, Ranging, state.Regime)
}

func TestLowVolatilityRegime(t *testing.T) {
	e := NewEngine(DefaultConfig(), DefaultOverlay())
	feedPrices(e, "BTC", flatWithNoise(60, 50000))

	state := e.ForceUpdate("BTC")
	assert.Equal(t, LowVol, state.Regime)
	assert.Less(t, state.Volatility, DefaultConfig().LowVolThresh)
}

func TestHighVolatilityRegime(t *testing.T) {
	e := NewEngine(DefaultConfig(), DefaultOverlay())
	// Alternating 1% swings.
	prices := make([]float64, 60)
	for i := range prices {
		if i%2 == 0 {
			prices[i] = 100
		} else {
			prices[i] = 101
		}
	}
	feedPrices(e, "BTC", prices)

	state := e.ForceUpdate("BTC")
	assert.Equal(t, HighVol, state.Regime)
	// High volatility demands extra conviction and cuts size.
	assert.Greater(t, state.Overlay.MinConfidence, DefaultOverlay().MinConfidence)
	assert.Less(t, state.Overlay.SizeMultiplier, DefaultOverlay().SizeMultiplier)
}

func TestTrendingRegimes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HighVolThresh = 1.0 // keep the steady drift below the vol gate
	e := NewEngine(cfg, DefaultOverlay())

	// Steady drift with enough jitter to clear the low-volatility gate.
	up := make([]float64, 100)
	for i := range up {
		up[i] = 100 * math.Pow(1.0005, float64(i)) * (1 + 0.001*float64(i%2))
	}
	feedPrices(e, "BTC", up)
	state := e.ForceUpdate("BTC")
	assert.Equal(t, TrendingUp, state.Regime)
	assert.Greater(t, state.TrendStrength, 0.0)

	down := make([]float64, 100)
	for i := range down {
		down[i] = 100 * math.Pow(0.9995, float64(i)) * (1 + 0.001*float64(i%2))
	}
	feedPrices(e, "ETH", down)
	state = e.ForceUpdate("ETH")
	assert.Equal(t, TrendingDn, state.Regime)
	assert.Less(t, state.TrendStrength, 0.0)
}

func TestTrendStrengthClamped(t *testing.T) {
	prices := make([]float64, 100)
	for i := range prices {
		prices[i] = 100 + float64(i)*10
	}
	s := trendStrength(prices)
	assert.LessOrEqual(t, s, 1.0)
	assert.GreaterOrEqual(t, s, -1.0)
}

func TestOverlayCaching(t *testing.T) {
	e := NewEngine(DefaultConfig(), DefaultOverlay())
	feedPrices(e, "BTC", flatWithNoise(60, 100))

	first := e.Current("BTC")
	second := e.Current("BTC")
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt, "second read inside the TTL must come from cache")

	forced := e.ForceUpdate("BTC")
	assert.False(t, forced.UpdatedAt.Before(first.UpdatedAt))
}

func TestHistoryBounded(t *testing.T) {
	cfg := DefaultConfig()
	e := NewEngine(cfg, DefaultOverlay())
	for i := 0; i < cfg.MaxHistory*3; i++ {
		e.Observe("BTC", 100+float64(i%7))
	}
	e.mu.Lock()
	n := len(e.states["BTC"].prices)
	e.mu.Unlock()
	assert.LessOrEqual(t, n, cfg.MaxHistory)
}
