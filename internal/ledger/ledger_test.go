package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(balance float64, maxPositions int) *Ledger {
	return New(Config{
		StartingBalance: balance,
		MaxPositions:    maxPositions,
		TakerFeeRate:    0.00045,
	}, nil, zerolog.Nop())
}

func openReq(symbol, side string, margin, price float64) OpenRequest {
	leverage := 20
	return OpenRequest{
		Symbol:     symbol,
		Side:       side,
		Quantity:   margin * float64(leverage) / price,
		EntryPrice: price,
		Leverage:   leverage,
		Margin:     margin,
		Fee:        0,
		Confidence: 0.8,
	}
}

func TestOpenReservesMargin(t *testing.T) {
	l := newTestLedger(100, 3)
	ctx := context.Background()

	trade, err := l.OpenPosition(ctx, openReq("BTC", "BUY", 10, 100))
	require.NoError(t, err)
	assert.NotEmpty(t, trade.ID)
	assert.Equal(t, StatusOpen, trade.Status)
	assert.InDelta(t, 90, l.FreeMargin(), 1e-9)
	assert.InDelta(t, 100, l.CurrentBalance(), 1e-9) // balance only moves on close
}

func TestDuplicateOpenRefused(t *testing.T) {
	l := newTestLedger(100, 3)
	ctx := context.Background()

	_, err := l.OpenPosition(ctx, openReq("BTC", "BUY", 10, 100))
	require.NoError(t, err)
	_, err = l.OpenPosition(ctx, openReq("BTC", "BUY", 10, 100))
	assert.ErrorIs(t, err, ErrDuplicateOpen)
}

func TestCorrelationRule(t *testing.T) {
	l := newTestLedger(100, 3)
	ctx := context.Background()

	_, err := l.OpenPosition(ctx, openReq("BTC", "BUY", 10, 100))
	require.NoError(t, err)

	// An opposite side on any other symbol is refused.
	_, err = l.OpenPosition(ctx, openReq("ETH", "SELL", 10, 50))
	assert.ErrorIs(t, err, ErrCorrelation)
	assert.Contains(t, err.Error(), "crypto correlation")

	// Same side respects the cap.
	_, err = l.OpenPosition(ctx, openReq("ETH", "BUY", 10, 50))
	assert.NoError(t, err)
	_, err = l.OpenPosition(ctx, openReq("SOL", "BUY", 10, 20))
	assert.NoError(t, err)
	_, err = l.OpenPosition(ctx, openReq("DOGE", "BUY", 10, 0.1))
	assert.ErrorIs(t, err, ErrMaxPositions)
}

func TestInsufficientMarginRefused(t *testing.T) {
	l := newTestLedger(100, 10)
	ctx := context.Background()

	_, err := l.OpenPosition(ctx, openReq("BTC", "BUY", 60, 100))
	require.NoError(t, err)
	_, err = l.OpenPosition(ctx, openReq("ETH", "BUY", 60, 50))
	assert.ErrorIs(t, err, ErrInsufficientMargin)
}

func TestCloseRealizesLeveragedPnL(t *testing.T) {
	l := newTestLedger(100, 3)
	ctx := context.Background()

	// qty 1 at entry 100: a 2% move with the leverage baked into quantity.
	req := OpenRequest{
		Symbol: "BTC", Side: "BUY", Quantity: 1, EntryPrice: 100,
		Leverage: 20, Margin: 5, Fee: 0.045,
	}
	trade, err := l.OpenPosition(ctx, req)
	require.NoError(t, err)

	closed, err := l.ClosePosition(ctx, trade.ID, 102)
	require.NoError(t, err)
	require.NotNil(t, closed.PnL)

	exitFee := 1 * 102 * 0.00045
	expected := 2.0 - 0.045 - exitFee
	assert.InDelta(t, expected, *closed.PnL, 1e-9)
	assert.InDelta(t, 100+expected, l.CurrentBalance(), 1e-9)
	assert.InDelta(t, l.CurrentBalance(), l.FreeMargin(), 1e-9) // reservation released
}

func TestLossClampedAtMargin(t *testing.T) {
	l := newTestLedger(100, 3)
	ctx := context.Background()

	// qty 2 at 20x on 10 margin: a 10% gap loses 20, double the margin.
	trade, err := l.OpenPosition(ctx, openReq("BTC", "BUY", 10, 100))
	require.NoError(t, err)

	closed, err := l.ClosePosition(ctx, trade.ID, 90)
	require.NoError(t, err)
	require.NotNil(t, closed.PnL)
	assert.InDelta(t, -10, *closed.PnL, 1e-9, "loss liquidates at the posted margin")
	assert.InDelta(t, 90, l.CurrentBalance(), 1e-9)
	assert.GreaterOrEqual(t, l.CurrentBalance(), 0.0)
}

func TestCloseIsIdempotent(t *testing.T) {
	l := newTestLedger(100, 3)
	ctx := context.Background()

	trade, err := l.OpenPosition(ctx, openReq("BTC", "BUY", 10, 100))
	require.NoError(t, err)

	first, err := l.ClosePosition(ctx, trade.ID, 101)
	require.NoError(t, err)
	balanceAfterFirst := l.CurrentBalance()

	second, err := l.ClosePosition(ctx, trade.ID, 150) // price must be ignored
	require.NoError(t, err)
	assert.Equal(t, *first.PnL, *second.PnL)
	assert.InDelta(t, balanceAfterFirst, l.CurrentBalance(), 1e-9)
	assert.Equal(t, 1, l.TradeStats().TotalTrades)
}

func TestCloseUnknownTrade(t *testing.T) {
	l := newTestLedger(100, 3)
	_, err := l.ClosePosition(context.Background(), "no-such-id", 100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReservationInvariantUnderInterleaving(t *testing.T) {
	l := newTestLedger(100, 0) // unlimited positions
	ctx := context.Background()
	symbols := []string{"A", "B", "C", "D", "E", "F", "G", "H"}

	var wg sync.WaitGroup
	for i, sym := range symbols {
		wg.Add(1)
		go func(sym string, price float64) {
			defer wg.Done()
			trade, err := l.OpenPosition(ctx, openReq(sym, "BUY", 30, price))
			if err != nil {
				return
			}
			_, _ = l.ClosePosition(ctx, trade.ID, price*1.001)
		}(sym, float64(100+i))
	}
	wg.Wait()

	// Whatever interleaving happened, reservations never exceeded balance
	// and everything is flat now.
	assert.Empty(t, l.ActivePositions())
	assert.InDelta(t, l.CurrentBalance(), l.FreeMargin(), 1e-9)
	assert.GreaterOrEqual(t, l.FreeMargin(), 0.0)
}

func TestInvertPosition(t *testing.T) {
	l := newTestLedger(100, 3)
	ctx := context.Background()

	trade, err := l.OpenPosition(ctx, openReq("BTC", "BUY", 10, 100))
	require.NoError(t, err)

	closed, opened, err := l.InvertPosition(ctx, "BTC", 102, openReq("BTC", "SELL", 10, 102))
	require.NoError(t, err)
	assert.Equal(t, trade.ID, closed.ID)
	assert.Equal(t, StatusClosed, closed.Status)
	assert.Equal(t, "SELL", opened.Side)
	assert.Equal(t, StatusOpen, opened.Status)
	assert.NotEqual(t, closed.ID, opened.ID)

	pos := l.ActivePosition("BTC")
	require.NotNil(t, pos)
	assert.Equal(t, "SELL", pos.Side)
}

func TestInvertRequiresOppositeSide(t *testing.T) {
	l := newTestLedger(100, 3)
	ctx := context.Background()

	_, err := l.OpenPosition(ctx, openReq("BTC", "BUY", 10, 100))
	require.NoError(t, err)
	_, _, err = l.InvertPosition(ctx, "BTC", 101, openReq("BTC", "BUY", 10, 101))
	assert.Error(t, err)
}

func TestEquityIncludesUnrealized(t *testing.T) {
	l := newTestLedger(100, 3)
	ctx := context.Background()

	_, err := l.OpenPosition(ctx, OpenRequest{
		Symbol: "BTC", Side: "BUY", Quantity: 2, EntryPrice: 100,
		Leverage: 20, Margin: 10,
	})
	require.NoError(t, err)

	equity := l.Equity(map[string]float64{"BTC": 101})
	assert.InDelta(t, 102, equity, 1e-9) // 100 balance + 2 * (101-100)
}

func TestConsecutiveLossTracking(t *testing.T) {
	l := newTestLedger(100, 3)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		trade, err := l.OpenPosition(ctx, openReq("BTC", "BUY", 10, 100))
		require.NoError(t, err)
		_, err = l.ClosePosition(ctx, trade.ID, 99)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, l.TradeStats().ConsecutiveLosses)

	trade, err := l.OpenPosition(ctx, openReq("BTC", "BUY", 10, 100))
	require.NoError(t, err)
	_, err = l.ClosePosition(ctx, trade.ID, 110)
	require.NoError(t, err)
	assert.Equal(t, 0, l.TradeStats().ConsecutiveLosses)
}

func TestReset(t *testing.T) {
	l := newTestLedger(100, 3)
	ctx := context.Background()

	_, err := l.OpenPosition(ctx, openReq("BTC", "BUY", 10, 100))
	require.NoError(t, err)

	l.Reset(ctx, 250)
	assert.InDelta(t, 250, l.CurrentBalance(), 1e-9)
	assert.InDelta(t, 250, l.FreeMargin(), 1e-9)
	assert.Empty(t, l.ActivePositions())
	assert.Equal(t, 0, l.TradeStats().TotalTrades)
}
