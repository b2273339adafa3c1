package orderbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-trading-agent/internal/exchange"
)

// flatBook builds a book with uniform sizes around mid 100, spread 0.02.
func flatBook(symbol string, bidSize, askSize float64) *exchange.OrderBook {
	book := &exchange.OrderBook{Symbol: symbol}
	for i := 0; i < 20; i++ {
		book.Bids = append(book.Bids, exchange.BookLevel{Price: 99.99 - float64(i)*0.01, Size: bidSize})
		book.Asks = append(book.Asks, exchange.BookLevel{Price: 100.01 + float64(i)*0.01, Size: askSize})
	}
	return book
}

func TestAnalyzeEmptyBook(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())
	_, err := a.Analyze(&exchange.OrderBook{Symbol: "BTC"})
	assert.ErrorIs(t, err, exchange.ErrEmptyMarketData)
}

func TestImbalanceSign(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())

	buyHeavy, err := a.Analyze(flatBook("BTC", 30, 10))
	require.NoError(t, err)
	assert.Greater(t, buyHeavy.Imbalance, 0.0)
	assert.InDelta(t, 0.5, buyHeavy.Imbalance, 0.001) // (600-200)/800

	a.Reset("BTC")
	sellHeavy, err := a.Analyze(flatBook("BTC", 10, 30))
	require.NoError(t, err)
	assert.Less(t, sellHeavy.Imbalance, 0.0)
}

func TestPressureSumsToOne(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())
	out, err := a.Analyze(flatBook("BTC", 25, 10))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, out.BidPressure+out.AskPressure, 1e-9)
}

func TestStateClassification(t *testing.T) {
	cfg := DefaultConfig()
	a := NewAnalyzer(cfg)

	// Pressure needs a couple of ticks to agree with the imbalance.
	var out *Analysis
	var err error
	for i := 0; i < 3; i++ {
		out, err = a.Analyze(flatBook("BTC", 40, 10))
		require.NoError(t, err)
	}
	assert.Equal(t, StateImbalancedUp, out.State)

	a.Reset("ETH")
	for i := 0; i < 3; i++ {
		out, err = a.Analyze(flatBook("ETH", 10, 40))
		require.NoError(t, err)
	}
	assert.Equal(t, StateImbalancedDn, out.State)
}

func TestConsolidationState(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())

	// Balanced depth and a spread well inside the tight threshold.
	book := &exchange.OrderBook{Symbol: "BTC"}
	for i := 0; i < 20; i++ {
		book.Bids = append(book.Bids, exchange.BookLevel{Price: 99.995 - float64(i)*0.01, Size: 10})
		book.Asks = append(book.Asks, exchange.BookLevel{Price: 100.005 + float64(i)*0.01, Size: 10})
	}

	out, err := a.Analyze(book)
	require.NoError(t, err)
	assert.Equal(t, StateConsolidation, out.State)
}

func TestSecondDriveBreakout(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())

	first, err := a.Analyze(flatBook("BTC", 40, 10))
	require.NoError(t, err)
	assert.False(t, first.BreakoutConfirmed)

	second, err := a.Analyze(flatBook("BTC", 40, 10))
	require.NoError(t, err)
	if second.State == StateImbalancedUp {
		assert.True(t, second.BreakoutConfirmed, "two consecutive imbalanced-up ticks confirm the breakout")
	}
}

func TestNearestWall(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())
	book := flatBook("BTC", 10, 10)
	book.Bids[2].Size = 100 // 10x its neighbours

	out, err := a.Analyze(book)
	require.NoError(t, err)
	require.NotNil(t, out.NearestBidWall)
	assert.InDelta(t, book.Bids[2].Price, out.NearestBidWall.Price, 1e-9)
	assert.Nil(t, out.NearestAskWall)
}

func TestSpreadPercent(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())
	out, err := a.Analyze(flatBook("BTC", 10, 10))
	require.NoError(t, err)
	// bid 99.99 ask 100.01 mid 100 -> 0.02%
	assert.InDelta(t, 0.02, out.SpreadPct, 0.001)
}

func TestAbsorptionDetection(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())

	// Ask depth halves every tick while the mid is pinned: buyers keep
	// eating offers without moving price.
	var out *Analysis
	var err error
	for _, askSize := range []float64{32, 16, 8, 4, 2, 1} {
		out, err = a.Analyze(flatBook("BTC", 10, askSize))
		require.NoError(t, err)
	}
	assert.True(t, out.AbsorptionDetect)
}

func TestLiquidityPoolsAndVacuum(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())
	book := flatBook("BTC", 10, 10)
	book.Asks[15].Size = 60 // a magnet pool above mid

	pools := a.LiquidityPools(book)
	require.NotEmpty(t, pools.Pools)
	found := false
	for _, p := range pools.Pools {
		if !p.IsBid && p.Price == book.Asks[15].Price {
			found = true
			assert.Greater(t, p.Strength, 2.0)
		}
	}
	assert.True(t, found, "the oversized ask level should be reported as a pool")
}

func TestVacuumZone(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())
	book := flatBook("BTC", 10, 10)
	// Thin out the near half of the ask side.
	for i := 0; i < 10; i++ {
		book.Asks[i].Size = 0.5
	}

	pools := a.LiquidityPools(book)
	assert.True(t, pools.VacuumAbove)
	assert.False(t, pools.VacuumBelow)
}

func TestSupportsDirection(t *testing.T) {
	p := &PoolAnalysis{VacuumAbove: true}
	assert.True(t, p.SupportsDirection(true, 100))
	assert.False(t, p.SupportsDirection(false, 100))

	p = &PoolAnalysis{Pools: []LiquidityPool{{Price: 95, IsBid: true, Size: 50}}}
	assert.True(t, p.SupportsDirection(false, 100))
	assert.False(t, p.SupportsDirection(true, 100))
}
