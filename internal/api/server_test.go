package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-trading-agent/config"
	"perp-trading-agent/internal/backtest"
	"perp-trading-agent/internal/bot"
	"perp-trading-agent/internal/cache"
	"perp-trading-agent/internal/database"
	"perp-trading-agent/internal/events"
	"perp-trading-agent/internal/exchange"
	"perp-trading-agent/internal/executor"
	"perp-trading-agent/internal/ledger"
)

func newTestServer(t *testing.T) (*Server, *ledger.Ledger, *exchange.MockClient) {
	t.Helper()

	cfg := &config.Config{}
	cfg.TradingConfig.Symbols = []string{"BTC"}
	cfg.TradingConfig.Interval = "1m"
	cfg.TradingConfig.StartingBalance = 100
	cfg.TradingConfig.StrategyMode = "ORDER_BOOK"
	cfg.ServerConfig.Port = 0
	cfg.ServerConfig.AllowedOrigins = "*"

	client := exchange.NewMockClient()
	store := database.NopStore{}
	bus := events.NewBus(64, zerolog.Nop())
	book := ledger.New(ledger.Config{StartingBalance: 100, MaxPositions: 3, TakerFeeRate: 0.00045}, nil, zerolog.Nop())
	gateway := executor.New(executor.DefaultConfig(), client, book, bus, zerolog.Nop())
	counters := cache.NewDailyCounters(context.Background(), "")

	agent := bot.New(cfg, bot.Deps{
		Client:   client,
		Store:    store,
		Counters: counters,
		Bus:      bus,
		Book:     book,
		Gateway:  gateway,
		Synth:    bot.BuildSynthesizer(cfg),
	})

	srv := NewServer(cfg, Deps{
		Agent:    agent,
		Client:   client,
		Store:    store,
		Counters: counters,
		Runner:   backtest.NewRunner(client, bus),
		Hub:      NewWSHub(bus),
	})
	return srv, book, client
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(w, req)

	out := map[string]interface{}{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w, body := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["running"])
}

func TestStatsSnapshot(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w, body := doJSON(t, srv, http.MethodGet, "/api/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 100, body["balance"].(float64), 1e-9)
	assert.Equal(t, "ORDER_BOOK", body["strategy_mode"])
	assert.Contains(t, body["regimes"], "BTC")
}

func TestTradesListsOpenPositions(t *testing.T) {
	srv, book, _ := newTestServer(t)
	_, err := book.OpenPosition(context.Background(), ledger.OpenRequest{
		Symbol: "BTC", Side: "BUY", Quantity: 1, EntryPrice: 100, Leverage: 20, Margin: 10,
	})
	require.NoError(t, err)

	w, body := doJSON(t, srv, http.MethodGet, "/api/trades", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	open := body["open"].([]interface{})
	require.Len(t, open, 1)
}

func TestCloseUnknownTradeIs404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w, _ := doJSON(t, srv, http.MethodPost, "/api/trades/nope/close", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOperatorCloseTrade(t *testing.T) {
	srv, book, client := newTestServer(t)
	client.SetPrice("BTC", 101)

	trade, err := book.OpenPosition(context.Background(), ledger.OpenRequest{
		Symbol: "BTC", Side: "BUY", Quantity: 1, EntryPrice: 100, Leverage: 20, Margin: 10,
	})
	require.NoError(t, err)

	w, body := doJSON(t, srv, http.MethodPost, "/api/trades/"+trade.ID+"/close", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, body["closed"])
	assert.Nil(t, book.ActivePosition("BTC"))
}

func TestAccountReset(t *testing.T) {
	srv, book, _ := newTestServer(t)
	w, body := doJSON(t, srv, http.MethodPost, "/api/account/reset", map[string]float64{"balance": 250})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 250, body["balance"].(float64), 1e-9)
	assert.InDelta(t, 250, book.CurrentBalance(), 1e-9)

	// Empty body falls back to the configured starting balance.
	w, body = doJSON(t, srv, http.MethodPost, "/api/account/reset", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 100, body["balance"].(float64), 1e-9)
}

func TestBacktestStopWithoutRun(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w, _ := doJSON(t, srv, http.MethodPost, "/api/backtest/stop", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestBacktestRunRejectsBadBody(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/backtest/run", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAccountEndpoint(t *testing.T) {
	srv, book, client := newTestServer(t)
	client.SetPrice("BTC", 102)
	_, err := book.OpenPosition(context.Background(), ledger.OpenRequest{
		Symbol: "BTC", Side: "BUY", Quantity: 2, EntryPrice: 100, Leverage: 20, Margin: 10,
	})
	require.NoError(t, err)

	w, body := doJSON(t, srv, http.MethodGet, "/api/account", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	// Equity marks the open position at the live price: 100 + 2*(102-100).
	assert.InDelta(t, 104, body["equity"].(float64), 1e-9)
	assert.InDelta(t, 90, body["free_margin"].(float64), 1e-9)
}
