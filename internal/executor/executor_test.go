package executor

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-trading-agent/internal/events"
	"perp-trading-agent/internal/exchange"
	"perp-trading-agent/internal/ledger"
)

func newTestGateway(dryRun bool) (*Gateway, *exchange.MockClient, *ledger.Ledger, *events.Bus) {
	client := exchange.NewMockClient()
	book := ledger.New(ledger.Config{
		StartingBalance: 100,
		MaxPositions:    3,
		TakerFeeRate:    0.00045,
	}, nil, zerolog.Nop())
	bus := events.NewBus(16, zerolog.Nop())

	cfg := DefaultConfig()
	cfg.DryRun = dryRun
	return New(cfg, client, book, bus, zerolog.Nop()), client, book, bus
}

func entryRequest() Request {
	return Request{
		Symbol:     "BTC",
		Side:       "BUY",
		Quantity:   2,
		Margin:     10,
		Leverage:   20,
		Price:      100,
		Confidence: 0.85,
		Reasoning:  "book imbalance",
	}
}

func TestDryRunFillsAtTickPrice(t *testing.T) {
	g, client, book, _ := newTestGateway(true)

	trade, err := g.Open(context.Background(), entryRequest())
	require.NoError(t, err)
	assert.InDelta(t, 100, trade.EntryPrice, 1e-9)
	assert.InDelta(t, 2*100*0.00045, trade.Fee, 1e-9)
	assert.Empty(t, client.PlacedOrders, "dry run must not reach the venue")
	assert.NotNil(t, book.ActivePosition("BTC"))
}

func TestLiveOrderIsLimitIOC(t *testing.T) {
	g, client, _, _ := newTestGateway(false)
	client.SetBook("BTC", &exchange.OrderBook{
		Bids: []exchange.BookLevel{{Price: 99.9, Size: 5}},
		Asks: []exchange.BookLevel{{Price: 100.1, Size: 5}},
	})

	trade, err := g.Open(context.Background(), entryRequest())
	require.NoError(t, err)

	require.Len(t, client.PlacedOrders, 1)
	params := client.PlacedOrders[0]
	assert.Equal(t, exchange.SideBuy, params.Side)
	assert.True(t, params.UseLimit)
	assert.Equal(t, "IOC", params.TimeInForce)
	assert.False(t, params.ReduceOnly)
	// BUY limit nudged through the bid.
	assert.InDelta(t, 99.9*(1+0.0005), params.Price, 1e-9)
	assert.InDelta(t, params.Price, trade.EntryPrice, 1e-9)
}

func TestLiveOrderSetsVenueLeverage(t *testing.T) {
	g, client, _, _ := newTestGateway(false)
	client.SetBook("BTC", &exchange.OrderBook{
		Bids: []exchange.BookLevel{{Price: 99.9, Size: 5}},
		Asks: []exchange.BookLevel{{Price: 100.1, Size: 5}},
	})

	_, err := g.Open(context.Background(), entryRequest())
	require.NoError(t, err)
	assert.Equal(t, 20, client.Leverages["BTC"], "venue leverage must match the sized request")
}

func TestDryRunSkipsVenueLeverage(t *testing.T) {
	g, client, _, _ := newTestGateway(true)
	_, err := g.Open(context.Background(), entryRequest())
	require.NoError(t, err)
	assert.Empty(t, client.Leverages)
}

func TestSellLimitNudgedBelowAsk(t *testing.T) {
	g, client, _, _ := newTestGateway(false)
	client.SetBook("ETH", &exchange.OrderBook{
		Bids: []exchange.BookLevel{{Price: 49.9, Size: 5}},
		Asks: []exchange.BookLevel{{Price: 50.1, Size: 5}},
	})

	req := entryRequest()
	req.Symbol = "ETH"
	req.Side = "SELL"
	req.Price = 50

	_, err := g.Open(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, client.PlacedOrders, 1)
	assert.Equal(t, exchange.SideSell, client.PlacedOrders[0].Side)
	assert.InDelta(t, 50.1*(1-0.0005), client.PlacedOrders[0].Price, 1e-9)
}

func TestRejectedOrderLeavesNoPosition(t *testing.T) {
	g, client, book, _ := newTestGateway(false)
	client.SetBook("BTC", &exchange.OrderBook{
		Bids: []exchange.BookLevel{{Price: 99.9, Size: 5}},
		Asks: []exchange.BookLevel{{Price: 100.1, Size: 5}},
	})
	client.OnPlaceOrder = func(params exchange.OrderParams) (*exchange.OrderResponse, error) {
		return &exchange.OrderResponse{Status: "EXPIRED", RejectText: "no liquidity at limit"}, nil
	}

	_, err := g.Open(context.Background(), entryRequest())
	require.Error(t, err)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, execErr.Reason, "no liquidity")
	assert.Nil(t, book.ActivePosition("BTC"))
	assert.InDelta(t, 100, book.FreeMargin(), 1e-9, "no margin may stay reserved after a reject")
	assert.Empty(t, g.PendingOrders())
}

func TestCloseUsesReduceOnlyOppositeSide(t *testing.T) {
	g, client, book, _ := newTestGateway(false)
	client.SetBook("BTC", &exchange.OrderBook{
		Bids: []exchange.BookLevel{{Price: 101.9, Size: 5}},
		Asks: []exchange.BookLevel{{Price: 102.1, Size: 5}},
	})

	trade, err := book.OpenPosition(context.Background(), ledger.OpenRequest{
		Symbol: "BTC", Side: "BUY", Quantity: 2, EntryPrice: 100,
		Leverage: 20, Margin: 10,
	})
	require.NoError(t, err)

	closed, err := g.Close(context.Background(), trade, 102, "take profit")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusClosed, closed.Status)

	require.Len(t, client.PlacedOrders, 1)
	params := client.PlacedOrders[0]
	assert.Equal(t, exchange.SideSell, params.Side)
	assert.True(t, params.ReduceOnly)
	assert.Nil(t, book.ActivePosition("BTC"))
}

func TestInvertEmitsCloseThenOpen(t *testing.T) {
	g, _, book, bus := newTestGateway(true)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	trade, err := g.Open(context.Background(), entryRequest())
	require.NoError(t, err)
	<-sub.C // trade:new for the entry

	req := entryRequest()
	req.Side = "SELL"
	req.Price = 102

	closed, opened, err := g.Invert(context.Background(), trade, req)
	require.NoError(t, err)
	assert.Equal(t, trade.ID, closed.ID)
	assert.Equal(t, "SELL", opened.Side)

	first := <-sub.C
	second := <-sub.C
	assert.Equal(t, events.TopicTradeClosed, first.Type)
	assert.Equal(t, events.TopicTradeNew, second.Type)

	pos := book.ActivePosition("BTC")
	require.NotNil(t, pos)
	assert.Equal(t, "SELL", pos.Side)
}

func TestPendingRegistryDuringFill(t *testing.T) {
	g, client, _, _ := newTestGateway(false)
	client.SetBook("BTC", &exchange.OrderBook{
		Bids: []exchange.BookLevel{{Price: 99.9, Size: 5}},
		Asks: []exchange.BookLevel{{Price: 100.1, Size: 5}},
	})

	var seen int
	client.OnPlaceOrder = func(params exchange.OrderParams) (*exchange.OrderResponse, error) {
		seen = len(g.PendingOrders())
		return &exchange.OrderResponse{
			Status: "FILLED", FilledQty: params.Quantity, AvgPrice: params.Price,
		}, nil
	}

	_, err := g.Open(context.Background(), entryRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, seen, "order must be visible as pending while in flight")
	assert.Empty(t, g.PendingOrders(), "registry must be empty after the terminal outcome")
}

func TestFeeFallsBackToTakerEstimate(t *testing.T) {
	g, client, _, _ := newTestGateway(false)
	client.SetBook("BTC", &exchange.OrderBook{
		Bids: []exchange.BookLevel{{Price: 99.9, Size: 5}},
		Asks: []exchange.BookLevel{{Price: 100.1, Size: 5}},
	})
	// Default mock fill reports no fee, so the gateway estimates it.
	trade, err := g.Open(context.Background(), entryRequest())
	require.NoError(t, err)
	assert.InDelta(t, 2*trade.EntryPrice*0.00045, trade.Fee, 1e-9)
}
