package filters

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-trading-agent/internal/indicator"
	"perp-trading-agent/internal/strategy"
)

// londonTuesday is a weekday timestamp in the London session, far from any
// funding boundary.
var londonTuesday = time.Date(2026, 3, 3, 10, 30, 0, 0, time.UTC)

func baseInput(atrPct float64) *Input {
	price := 100.0
	return &Input{
		Symbol:     "BTC",
		Decision:   strategy.Buy,
		Confidence: 0.80,
		Price:      price,
		Indicators: &indicator.Set{
			Price:  price,
			ATR14:  price * atrPct / 100,
			Volume: indicator.VolumeInfo{Ratio: 1.0},
			EMA513: indicator.EMAPair{Trend: indicator.TrendBullish},
		},
		Now: londonTuesday,
	}
}

func newFilter() *MasterFilter {
	return NewMasterFilter(DefaultConfig(), zerolog.Nop())
}

func TestLowVolatilityVeto(t *testing.T) {
	m := newFilter()

	res := m.Evaluate(baseInput(0.001))
	assert.False(t, res.CanTrade)
	assert.Contains(t, strings.ToLower(res.Reason()), "low volatility")

	// Raising ATR above the floor flips the verdict.
	res = m.Evaluate(baseInput(0.02))
	assert.True(t, res.CanTrade)
}

func TestSessionMultipliers(t *testing.T) {
	m := newFilter()
	cases := []struct {
		hour int
		want float64
	}{
		{3, 0.6},  // Asia
		{10, 1.0}, // London
		{15, 1.4}, // New York
		{22, 0.4}, // late night
	}
	for _, tc := range cases {
		in := baseInput(0.02)
		in.Now = time.Date(2026, 3, 3, tc.hour, 30, 0, 0, time.UTC)
		res := m.Evaluate(in)
		require.True(t, res.CanTrade)

		// Isolate the session contribution from dynamic sizing.
		sizing := m.dynamicSizing(in, trendScore(in))
		assert.InDelta(t, tc.want*sizing.multiplier, res.SizeMultiplier, 1e-9, "hour %d", tc.hour)
	}
}

func TestWeekendHalvesSession(t *testing.T) {
	m := newFilter()
	in := baseInput(0.02)
	in.Now = time.Date(2026, 3, 7, 10, 30, 0, 0, time.UTC) // Saturday, London hours
	res := m.Evaluate(in)
	require.True(t, res.CanTrade)
	assert.Contains(t, res.Reason(), "weekend")
}

func TestFundingWindowVeto(t *testing.T) {
	m := newFilter()

	// 7 minutes before the 08:00 UTC settlement.
	in := baseInput(0.02)
	in.Now = time.Date(2026, 3, 3, 7, 53, 0, 0, time.UTC)
	res := m.Evaluate(in)
	assert.False(t, res.CanTrade)
	assert.Contains(t, strings.ToLower(res.Reason()), "funding")

	// 3 minutes after the boundary is still inside the lag window.
	in.Now = time.Date(2026, 3, 3, 8, 3, 0, 0, time.UTC)
	res = m.Evaluate(in)
	assert.False(t, res.CanTrade)

	// 20 minutes clear of the boundary trades normally.
	in.Now = time.Date(2026, 3, 3, 8, 20, 0, 0, time.UTC)
	res = m.Evaluate(in)
	assert.True(t, res.CanTrade)
}

func TestDailyTradeCap(t *testing.T) {
	m := newFilter()
	in := baseInput(0.02)
	in.TradesToday = DefaultConfig().MaxDailyTrades
	res := m.Evaluate(in)
	assert.False(t, res.CanTrade)
	assert.Contains(t, res.Reason(), "daily trade cap")
}

func TestTradeIntervalVeto(t *testing.T) {
	m := newFilter()
	in := baseInput(0.02)
	in.LastTradeAt = in.Now.Add(-time.Minute)
	res := m.Evaluate(in)
	assert.False(t, res.CanTrade)
	assert.Contains(t, res.Reason(), "trade interval")
}

func TestLossCooldownEscalates(t *testing.T) {
	m := newFilter()

	// One loss 3 minutes ago: inside the 5 minute window.
	in := baseInput(0.02)
	in.ConsecutiveLosses = 1
	in.LastLossAt = in.Now.Add(-3 * time.Minute)
	res := m.Evaluate(in)
	assert.False(t, res.CanTrade)
	assert.InDelta(t, DefaultConfig().LossConfidenceFloor, res.ConfidenceFloor, 1e-9)

	// Three losses 20 minutes ago: still inside the 30 minute window.
	in = baseInput(0.02)
	in.ConsecutiveLosses = 3
	in.LastLossAt = in.Now.Add(-20 * time.Minute)
	res = m.Evaluate(in)
	assert.False(t, res.CanTrade)

	// Same streak 40 minutes ago: cooldown has lapsed but the raised
	// confidence floor sticks.
	in.LastLossAt = in.Now.Add(-40 * time.Minute)
	res = m.Evaluate(in)
	assert.True(t, res.CanTrade)
	assert.InDelta(t, DefaultConfig().LossConfidenceFloor, res.ConfidenceFloor, 1e-9)
}

func TestVolumeAnomaly(t *testing.T) {
	m := newFilter()

	in := baseInput(0.02)
	in.Indicators.Volume.Ratio = 6.0
	res := m.Evaluate(in)
	assert.False(t, res.CanTrade)
	assert.Contains(t, res.Reason(), "volume anomaly")

	in = baseInput(0.02)
	in.Indicators.Volume.Ratio = 3.5
	res = m.Evaluate(in)
	assert.True(t, res.CanTrade)
	v := m.volumeAnomaly(in)
	assert.InDelta(t, 0.5, v.multiplier, 1e-9)
}

func TestDynamicSizingBuckets(t *testing.T) {
	m := newFilter()
	cases := []struct {
		confidence float64
		bucket     float64
	}{
		{0.90, 1.0},
		{0.78, 0.75},
		{0.68, 0.50},
		{0.60, 0.25},
	}
	for _, tc := range cases {
		in := baseInput(0.02)
		in.Confidence = tc.confidence
		v := m.dynamicSizing(in, 60) // mid trend band, no trend adjustment
		assert.InDelta(t, tc.bucket, v.multiplier, 1e-9, "confidence %.2f", tc.confidence)
	}
}

func TestDynamicSizingLossPenalty(t *testing.T) {
	m := newFilter()
	in := baseInput(0.02)
	in.Confidence = 0.90

	in.ConsecutiveLosses = 2
	assert.InDelta(t, 0.75, m.dynamicSizing(in, 60).multiplier, 1e-9)

	in.ConsecutiveLosses = 3
	assert.InDelta(t, 0.5, m.dynamicSizing(in, 60).multiplier, 1e-9)
}

func TestCompositionIsSticky(t *testing.T) {
	m := newFilter()

	// Low volatility plus a volume anomaly: both reasons survive and the
	// veto holds regardless of order.
	in := baseInput(0.001)
	in.Indicators.Volume.Ratio = 6.0
	res := m.Evaluate(in)
	assert.False(t, res.CanTrade)
	assert.Contains(t, strings.ToLower(res.Reason()), "low volatility")
	assert.Contains(t, res.Reason(), "volume anomaly")
}
