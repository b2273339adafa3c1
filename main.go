package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perp-trading-agent/config"
	"perp-trading-agent/internal/api"
	"perp-trading-agent/internal/backtest"
	"perp-trading-agent/internal/bot"
	"perp-trading-agent/internal/cache"
	"perp-trading-agent/internal/database"
	"perp-trading-agent/internal/events"
	"perp-trading-agent/internal/exchange"
	"perp-trading-agent/internal/executor"
	"perp-trading-agent/internal/ledger"
	"perp-trading-agent/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	if err := logging.Init(cfg.SystemConfig.LogLevel, cfg.SystemConfig.LogDir); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	logger := logging.Component("main")
	logger.Info().Msg("Perp trading agent starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence. A missing database degrades to in-memory operation.
	var store database.Store = database.NopStore{}
	db, err := database.Connect(ctx, databaseURL(cfg))
	if err != nil {
		logger.Warn().Err(err).Msg("Database unavailable, running without persistence")
	} else if db != nil {
		defer db.Close()
		store = database.NewRepository(db)
	}

	counters := cache.NewDailyCounters(ctx, redisURL(cfg))
	defer counters.Close()

	client := exchange.NewRESTClient(
		cfg.ExchangeConfig.APIURL,
		cfg.ExchangeConfig.APIKey,
		cfg.ExchangeConfig.SecretKey,
		cfg.ExchangeConfig.WalletAddress,
	)

	bus := events.NewBus(256, logging.Component("events"))

	startingBalance := cfg.TradingConfig.StartingBalance
	if balance, ok, err := store.LatestBalance(ctx); err == nil && ok && balance > 0 {
		startingBalance = balance
		logger.Info().Float64("balance", balance).Msg("Restored balance from journal")
	}

	book := ledger.New(ledger.Config{
		StartingBalance: startingBalance,
		MaxPositions:    cfg.TradingConfig.MaxPositions,
		TakerFeeRate:    cfg.TradingConfig.TakerFeeRate,
	}, store, logging.Component("ledger"))

	gateway := executor.New(executor.Config{
		LimitEpsilon: 0.0005,
		TakerFeeRate: cfg.TradingConfig.TakerFeeRate,
		DryRun:       cfg.SystemConfig.DryRun && !cfg.SystemConfig.EnableLiveTrading,
	}, client, book, bus, logging.Component("executor"))

	agent := bot.New(cfg, bot.Deps{
		Client:   client,
		Store:    store,
		Counters: counters,
		Bus:      bus,
		Book:     book,
		Gateway:  gateway,
		Synth:    bot.BuildSynthesizer(cfg),
	})

	runner := backtest.NewRunner(client, bus)
	server := api.NewServer(cfg, api.Deps{
		Agent:    agent,
		Client:   client,
		Store:    store,
		Counters: counters,
		Runner:   runner,
		Hub:      api.NewWSHub(bus),
	})

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	if err := agent.Start(ctx); err != nil {
		return fmt.Errorf("trade loop: %w", err)
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			agent.Stop()
			return fmt.Errorf("http server: %w", err)
		}
	}

	agent.Stop()
	runner.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}

	logger.Info().Msg("Agent stopped cleanly")
	return nil
}

func databaseURL(cfg *config.Config) string {
	if !cfg.DatabaseConfig.Enabled {
		return ""
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.DatabaseConfig.User,
		cfg.DatabaseConfig.Password,
		cfg.DatabaseConfig.Host,
		cfg.DatabaseConfig.Port,
		cfg.DatabaseConfig.Database,
		cfg.DatabaseConfig.SSLMode,
	)
}

func redisURL(cfg *config.Config) string {
	if !cfg.RedisConfig.Enabled {
		return ""
	}
	if cfg.RedisConfig.Password != "" {
		return fmt.Sprintf("redis://:%s@%s/%d", cfg.RedisConfig.Password, cfg.RedisConfig.Address, cfg.RedisConfig.DB)
	}
	return fmt.Sprintf("redis://%s/%d", cfg.RedisConfig.Address, cfg.RedisConfig.DB)
}
