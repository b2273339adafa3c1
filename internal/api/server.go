package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"perp-trading-agent/config"
	"perp-trading-agent/internal/backtest"
	"perp-trading-agent/internal/bot"
	"perp-trading-agent/internal/cache"
	"perp-trading-agent/internal/database"
	"perp-trading-agent/internal/exchange"
	"perp-trading-agent/internal/ledger"
	"perp-trading-agent/internal/logging"
)

// ==================== SERVER ====================

// Server is the operator HTTP surface consumed by the dashboard.
type Server struct {
	cfg      *config.Config
	agent    *bot.Bot
	client   exchange.Client
	store    database.Store
	counters *cache.DailyCounters
	runner   *backtest.Runner
	hub      *WSHub
	logger   zerolog.Logger
	srv      *http.Server
}

// Deps carries the server's collaborators.
type Deps struct {
	Agent    *bot.Bot
	Client   exchange.Client
	Store    database.Store
	Counters *cache.DailyCounters
	Runner   *backtest.Runner
	Hub      *WSHub
}

// NewServer wires the routes.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		agent:    deps.Agent,
		client:   deps.Client,
		store:    deps.Store,
		counters: deps.Counters,
		runner:   deps.Runner,
		hub:      deps.Hub,
		logger:   logging.Component("api"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if origins := cfg.ServerConfig.AllowedOrigins; origins == "*" || origins == "" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = strings.Split(origins, ",")
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	router.Use(cors.New(corsCfg))

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/stats", s.handleStats)
		apiGroup.GET("/trades", s.handleTrades)
		apiGroup.GET("/decisions", s.handleDecisions)
		apiGroup.GET("/performance", s.handlePerformance)
		apiGroup.GET("/account", s.handleAccount)

		apiGroup.POST("/trades/:id/close", s.handleCloseTrade)
		apiGroup.POST("/trades/close-all", s.handleCloseAll)
		apiGroup.POST("/reset", s.handleReset)
		apiGroup.POST("/account/reset", s.handleAccountReset)

		apiGroup.POST("/backtest/run", s.handleBacktestRun)
		apiGroup.POST("/backtest/stop", s.handleBacktestStop)
	}
	router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleConnection(c.Writer, c.Request)
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "running": s.agent.IsRunning()})
	})

	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.ServerConfig.Host, cfg.ServerConfig.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves HTTP until Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ==================== READ HANDLERS ====================

func (s *Server) handleStats(c *gin.Context) {
	book := s.agent.Ledger()
	stats := book.TradeStats()

	regimes := make(map[string]interface{}, len(s.cfg.TradingConfig.Symbols))
	for _, sym := range s.cfg.TradingConfig.Symbols {
		regimes[sym] = s.agent.RegimeState(sym)
	}

	c.JSON(http.StatusOK, gin.H{
		"balance":        book.CurrentBalance(),
		"free_margin":    book.FreeMargin(),
		"stats":          stats,
		"daily_trades":   s.counters.Trades(c.Request.Context()),
		"daily_loss":     s.counters.Loss(c.Request.Context()),
		"pending_orders": s.agent.Gateway().PendingOrders(),
		"regimes":        regimes,
		"running":        s.agent.IsRunning(),
		"strategy_mode":  s.cfg.TradingConfig.StrategyMode,
		"dry_run":        s.cfg.SystemConfig.DryRun,
		"ws_clients":     s.hub.ClientCount(),
	})
}

func (s *Server) handleTrades(c *gin.Context) {
	book := s.agent.Ledger()

	recent, err := s.store.RecentTrades(c.Request.Context(), 100)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Trade history query failed")
	}
	if recent == nil {
		recent = book.ClosedTrades()
	}

	c.JSON(http.StatusOK, gin.H{
		"open":   book.ActivePositions(),
		"closed": recent,
	})
}

func (s *Server) handleDecisions(c *gin.Context) {
	decisions, err := s.store.RecentDecisions(c.Request.Context(), 200)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": decisions})
}

func (s *Server) handlePerformance(c *gin.Context) {
	book := s.agent.Ledger()
	stats := book.TradeStats()

	history, err := s.store.BalanceHistory(c.Request.Context(), 500)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Balance history query failed")
	}

	var grossWin, grossLoss float64
	for _, t := range book.ClosedTrades() {
		if t.PnL == nil {
			continue
		}
		if *t.PnL >= 0 {
			grossWin += *t.PnL
		} else {
			grossLoss += -*t.PnL
		}
	}
	profitFactor := 0.0
	if grossLoss > 0 {
		profitFactor = grossWin / grossLoss
	}

	c.JSON(http.StatusOK, gin.H{
		"total_trades":    stats.TotalTrades,
		"wins":            stats.Wins,
		"losses":          stats.Losses,
		"win_rate":        stats.WinRate(),
		"total_pnl":       stats.TotalPnL,
		"profit_factor":   profitFactor,
		"balance_history": history,
		"last_backtest":   s.runner.LastResult(),
	})
}

func (s *Server) handleAccount(c *gin.Context) {
	book := s.agent.Ledger()
	prices := s.currentPrices(c.Request.Context())

	c.JSON(http.StatusOK, gin.H{
		"balance":     book.CurrentBalance(),
		"equity":      book.Equity(prices),
		"free_margin": book.FreeMargin(),
		"positions":   book.ActivePositions(),
	})
}

// ==================== COMMAND HANDLERS ====================

func (s *Server) handleCloseTrade(c *gin.Context) {
	id := c.Param("id")

	var target *ledger.Trade
	for _, t := range s.agent.Ledger().ActivePositions() {
		if t.ID == id {
			target = t
			break
		}
	}
	if target == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no open trade with that id"})
		return
	}

	price, err := s.client.GetTickerPrice(c.Request.Context(), target.Symbol)
	if err != nil || price <= 0 {
		price = target.EntryPrice
	}

	closed, err := s.agent.Gateway().Close(c.Request.Context(), target, price, "operator close")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": closed})
}

func (s *Server) handleCloseAll(c *gin.Context) {
	positions := s.agent.Ledger().ActivePositions()
	closed := make([]*ledger.Trade, 0, len(positions))
	var failures []string

	for _, t := range positions {
		price, err := s.client.GetTickerPrice(c.Request.Context(), t.Symbol)
		if err != nil || price <= 0 {
			price = t.EntryPrice
		}
		res, err := s.agent.Gateway().Close(c.Request.Context(), t, price, "operator close-all")
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", t.Symbol, err))
			continue
		}
		closed = append(closed, res)
	}

	c.JSON(http.StatusOK, gin.H{"closed": closed, "failures": failures})
}

func (s *Server) handleReset(c *gin.Context) {
	s.agent.Ledger().Reset(c.Request.Context(), s.cfg.TradingConfig.StartingBalance)
	s.counters.Reset(c.Request.Context())
	s.logger.Warn().Msg("Operator reset: ledger and daily counters cleared")
	c.JSON(http.StatusOK, gin.H{"status": "reset", "balance": s.cfg.TradingConfig.StartingBalance})
}

func (s *Server) handleAccountReset(c *gin.Context) {
	var body struct {
		Balance float64 `json:"balance"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Balance <= 0 {
		body.Balance = s.cfg.TradingConfig.StartingBalance
	}

	s.agent.Ledger().Reset(c.Request.Context(), body.Balance)
	c.JSON(http.StatusOK, gin.H{"status": "reset", "balance": body.Balance})
}

func (s *Server) handleBacktestRun(c *gin.Context) {
	var params backtest.Params
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if params.Symbol == "" {
		params.Symbol = s.cfg.TradingConfig.Symbols[0]
	}

	// Detach from the request context: the run outlives this handler.
	if err := s.runner.Start(context.WithoutCancel(c.Request.Context()), params); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started", "symbol": params.Symbol})
}

func (s *Server) handleBacktestStop(c *gin.Context) {
	if !s.runner.Stop() {
		c.JSON(http.StatusConflict, gin.H{"error": "no backtest running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopping"})
}

// ==================== HELPERS ====================

func (s *Server) currentPrices(ctx context.Context) map[string]float64 {
	prices := make(map[string]float64)
	for _, t := range s.agent.Ledger().ActivePositions() {
		if p, err := s.client.GetTickerPrice(ctx, t.Symbol); err == nil && p > 0 {
			prices[t.Symbol] = p
		} else {
			prices[t.Symbol] = t.EntryPrice
		}
	}
	return prices
}
