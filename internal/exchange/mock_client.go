package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient is an in-memory Client used by tests and the backtest runner.
// Market data is scripted per symbol; orders fill at their limit price
// unless a fill handler is installed.
type MockClient struct {
	mu sync.Mutex

	Candles   map[string][]Candle // key: symbol:interval
	Books     map[string]*OrderBook
	Prices    map[string]float64
	Acct      Account
	Markets   []Market
	Leverages map[string]int

	// OnPlaceOrder overrides fill behavior when set.
	OnPlaceOrder func(params OrderParams) (*OrderResponse, error)

	PlacedOrders []OrderParams
	orderSeq     int
}

// NewMockClient creates an empty mock with a funded account.
func NewMockClient() *MockClient {
	return &MockClient{
		Candles:   make(map[string][]Candle),
		Books:     make(map[string]*OrderBook),
		Prices:    make(map[string]float64),
		Leverages: make(map[string]int),
		Acct:      Account{Balance: 100, Available: 100},
	}
}

var _ Client = (*MockClient)(nil)

// SetCandles scripts the candle series returned for symbol/interval.
func (m *MockClient) SetCandles(symbol, interval string, candles []Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Candles[symbol+":"+NormalizeInterval(interval)] = candles
}

// SetBook scripts the order book snapshot returned for symbol.
func (m *MockClient) SetBook(symbol string, book *OrderBook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Books[symbol] = book
}

// SetPrice scripts the ticker price for symbol.
func (m *MockClient) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Prices[symbol] = price
}

func (m *MockClient) GetMarkets(ctx context.Context) ([]Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Markets) == 0 {
		return nil, ErrEmptyMarketData
	}
	return m.Markets, nil
}

func (m *MockClient) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	candles, ok := m.Candles[symbol+":"+NormalizeInterval(interval)]
	if !ok || len(candles) == 0 {
		return nil, ErrEmptyMarketData
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]Candle, len(candles))
	copy(out, candles)
	return out, nil
}

func (m *MockClient) GetHistoricalCandles(ctx context.Context, symbol, interval string, from, to time.Time) ([]Candle, error) {
	all, err := m.GetCandles(ctx, symbol, interval, 0)
	if err != nil {
		return nil, err
	}
	var out []Candle
	for _, c := range all {
		if !c.OpenTime.Before(from) && !c.OpenTime.After(to) {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, ErrEmptyMarketData
	}
	return out, nil
}

func (m *MockClient) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.Prices[symbol]
	if !ok {
		return 0, ErrEmptyMarketData
	}
	return price, nil
}

func (m *MockClient) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.Books[symbol]
	if !ok {
		return nil, ErrEmptyMarketData
	}
	out := &OrderBook{Symbol: symbol, Timestamp: book.Timestamp}
	out.Bids = append(out.Bids, book.Bids...)
	out.Asks = append(out.Asks, book.Asks...)
	if depth > 0 {
		if len(out.Bids) > depth {
			out.Bids = out.Bids[:depth]
		}
		if len(out.Asks) > depth {
			out.Asks = out.Asks[:depth]
		}
	}
	return out, nil
}

func (m *MockClient) GetBestBidAsk(ctx context.Context, symbol string) (*BestBidAsk, error) {
	book, err := m.GetOrderBook(ctx, symbol, 1)
	if err != nil {
		return nil, err
	}
	bid, okB := book.BestBid()
	ask, okA := book.BestAsk()
	if !okB || !okA {
		return nil, ErrEmptyMarketData
	}
	return &BestBidAsk{Symbol: symbol, Bid: bid.Price, Ask: ask.Price}, nil
}

func (m *MockClient) PlaceOrder(ctx context.Context, params OrderParams) (*OrderResponse, error) {
	m.mu.Lock()
	handler := m.OnPlaceOrder
	m.PlacedOrders = append(m.PlacedOrders, params)
	m.orderSeq++
	seq := m.orderSeq
	m.mu.Unlock()

	if handler != nil {
		return handler(params)
	}
	return &OrderResponse{
		OrderID:   fmt.Sprintf("mock-%d", seq),
		Status:    "FILLED",
		FilledQty: params.Quantity,
		AvgPrice:  params.Price,
	}, nil
}

func (m *MockClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Leverages[symbol] = leverage
	return nil
}

func (m *MockClient) GetAccount(ctx context.Context) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.Acct
	return &acct, nil
}
