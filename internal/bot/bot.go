package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"perp-trading-agent/config"
	"perp-trading-agent/internal/cache"
	"perp-trading-agent/internal/database"
	"perp-trading-agent/internal/events"
	"perp-trading-agent/internal/exchange"
	"perp-trading-agent/internal/executor"
	"perp-trading-agent/internal/filters"
	"perp-trading-agent/internal/ledger"
	"perp-trading-agent/internal/llm"
	"perp-trading-agent/internal/logging"
	"perp-trading-agent/internal/orderbook"
	"perp-trading-agent/internal/regime"
	"perp-trading-agent/internal/strategy"
)

// ==================== BOT ====================

// Bot drives the trade loop: one tick per interval, every symbol in
// parallel within a tick, per-symbol ticks serialized across intervals.
type Bot struct {
	cfg       *config.Config
	client    exchange.Client
	analyzer  *orderbook.Analyzer
	regimes   *regime.Engine
	synth     *strategy.Synthesizer
	master    *filters.MasterFilter
	signals   *filters.SignalTracker
	reversals *filters.ReversalTracker
	book      *ledger.Ledger
	gateway   *executor.Gateway
	store     database.Store
	counters  *cache.DailyCounters
	bus       *events.Bus
	logger    zerolog.Logger

	callTimeout time.Duration
	clock       func() time.Time

	mu      sync.Mutex
	busy    map[string]bool
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	sched   *cron.Cron
}

// Deps carries the collaborators main wires together.
type Deps struct {
	Client   exchange.Client
	Store    database.Store
	Counters *cache.DailyCounters
	Bus      *events.Bus
	Book     *ledger.Ledger
	Gateway  *executor.Gateway
	Synth    *strategy.Synthesizer
}

// New assembles the orchestrator from configuration plus the externally
// constructed collaborators.
func New(cfg *config.Config, deps Deps) *Bot {
	stabCfg := filters.DefaultStabilityConfig()

	return &Bot{
		cfg:         cfg,
		client:      deps.Client,
		analyzer:    orderbook.NewAnalyzer(orderbook.DefaultConfig()),
		regimes:     regime.NewEngine(regime.DefaultConfig(), riskOverlay(cfg)),
		synth:       deps.Synth,
		master:      filters.NewMasterFilter(filterConfig(cfg), logging.Component("filters")),
		signals:     filters.NewSignalTracker(stabCfg),
		reversals:   filters.NewReversalTracker(stabCfg),
		book:        deps.Book,
		gateway:     deps.Gateway,
		store:       deps.Store,
		counters:    deps.Counters,
		bus:         deps.Bus,
		logger:      logging.Component("bot"),
		callTimeout: 30 * time.Second,
		clock:       func() time.Time { return time.Now().UTC() },
		busy:        make(map[string]bool),
		stopCh:      make(chan struct{}),
	}
}

// riskOverlay seeds the regime fallback overlay with the operator's risk
// knobs. Regime adjustments scale from these values, so a configured stop
// loss tightens or widens every regime variant proportionally.
func riskOverlay(cfg *config.Config) regime.ParamOverlay {
	o := regime.DefaultOverlay()
	if cfg.RiskConfig.StopLossPercent > 0 {
		o.StopLossPct = cfg.RiskConfig.StopLossPercent
	}
	if cfg.RiskConfig.TakeProfitPercent > 0 {
		o.TakeProfitPct = cfg.RiskConfig.TakeProfitPercent
	}
	return o
}

// filterConfig aligns the filter pipeline with the configured risk limits so
// the cooldown gate and the tick-level cap agree on the daily trade count.
func filterConfig(cfg *config.Config) filters.Config {
	fc := filters.DefaultConfig()
	if cfg.RiskConfig.MaxDailyTrades > 0 {
		fc.MaxDailyTrades = cfg.RiskConfig.MaxDailyTrades
	}
	return fc
}

// BuildSynthesizer constructs the strategy synthesizer for the configured
// mode, wiring the LLM adapter only when the mode needs one.
func BuildSynthesizer(cfg *config.Config) *strategy.Synthesizer {
	mode := strategy.Mode(cfg.TradingConfig.StrategyMode)

	var confirmer strategy.Confirmer
	if mode == strategy.ModeLLMOnly || mode == strategy.ModeHybrid {
		confirmer = llm.NewAnalyzer(llm.NewClient(&llm.ClientConfig{
			Provider:    llm.Provider(cfg.LLMConfig.Provider),
			APIKey:      cfg.LLMConfig.APIKey,
			Model:       cfg.LLMConfig.Model,
			MaxTokens:   cfg.LLMConfig.MaxTokens,
			Temperature: cfg.LLMConfig.Temperature,
			Timeout:     30 * time.Second,
		}))
	}
	return strategy.NewSynthesizer(mode, cfg.TradingConfig.Contrarian, confirmer, logging.Component("strategy"))
}

// ==================== LIFECYCLE ====================

// Start launches the trade loop. With the scheduler enabled ticks fire on
// the configured cron expression, otherwise on a fixed interval ticker.
// Start returns immediately; Stop blocks until in-flight ticks drain.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("bot already running")
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.mu.Unlock()

	if b.cfg.SystemConfig.EnableLiveTrading {
		b.logger.Warn().Msg("==========================================")
		b.logger.Warn().Msg("  LIVE TRADING ENABLED - REAL ORDERS")
		b.logger.Warn().Msg("==========================================")
	} else {
		b.logger.Info().Bool("dry_run", b.cfg.SystemConfig.DryRun).Msg("Running in simulation mode")
	}

	b.logger.Info().
		Strs("symbols", b.cfg.TradingConfig.Symbols).
		Str("mode", b.cfg.TradingConfig.StrategyMode).
		Dur("interval", b.cfg.TickInterval()).
		Msg("Trade loop starting")

	if b.cfg.SystemConfig.EnableScheduler {
		return b.startCron(ctx)
	}

	b.wg.Add(1)
	go b.tickerLoop(ctx)
	return nil
}

func (b *Bot) tickerLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.TickInterval())
	defer ticker.Stop()

	// First tick immediately instead of waiting a full interval.
	b.RunTick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.RunTick(ctx)
		}
	}
}

func (b *Bot) startCron(ctx context.Context) error {
	sched := cron.New(cron.WithSeconds())
	expr := b.cfg.SystemConfig.SchedulerCron
	// Standard 5-field expressions get a seconds field prepended.
	if countFields(expr) == 5 {
		expr = "0 " + expr
	}
	_, err := sched.AddFunc(expr, func() {
		select {
		case <-b.stopCh:
		default:
			b.RunTick(ctx)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid scheduler cron %q: %w", b.cfg.SystemConfig.SchedulerCron, err)
	}
	sched.Start()

	b.mu.Lock()
	b.sched = sched
	b.mu.Unlock()

	b.logger.Info().Str("cron", expr).Msg("Cron scheduler started")
	return nil
}

// Stop halts new ticks and waits for in-flight ones to finish.
func (b *Bot) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	sched := b.sched
	b.sched = nil
	b.mu.Unlock()

	if sched != nil {
		sctx := sched.Stop()
		<-sctx.Done()
	}
	b.wg.Wait()
	b.logger.Info().Msg("Trade loop stopped")
}

// IsRunning reports whether the loop is active.
func (b *Bot) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// ==================== TICK FAN-OUT ====================

// RunTick runs one tick across all symbols in parallel. A symbol still
// busy from the previous tick is skipped, which keeps per-symbol ticks
// serialized.
func (b *Bot) RunTick(ctx context.Context) {
	if !b.withinTradingHours(b.clock()) {
		b.logger.Debug().Msg("Outside trading hours, tick skipped")
		return
	}

	var wg sync.WaitGroup
	for _, symbol := range b.cfg.TradingConfig.Symbols {
		if !b.acquire(symbol) {
			b.logger.Warn().Str("symbol", symbol).Msg("Previous tick still running, skipping")
			continue
		}
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			defer b.release(sym)
			b.runSymbolTick(ctx, sym)
		}(symbol)
	}
	wg.Wait()
}

// TriggerSymbol runs an on-demand tick for one symbol (operator action).
func (b *Bot) TriggerSymbol(ctx context.Context, symbol string) bool {
	if !b.acquire(symbol) {
		return false
	}
	defer b.release(symbol)
	b.runSymbolTick(ctx, symbol)
	return true
}

func (b *Bot) acquire(symbol string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.busy[symbol] {
		return false
	}
	b.busy[symbol] = true
	return true
}

func (b *Bot) release(symbol string) {
	b.mu.Lock()
	delete(b.busy, symbol)
	b.mu.Unlock()
}

func (b *Bot) withinTradingHours(now time.Time) bool {
	start := b.cfg.SystemConfig.TradingStartHour
	end := b.cfg.SystemConfig.TradingEndHour
	if start == 0 && (end == 0 || end >= 24) {
		return true
	}
	h := now.Hour()
	if start <= end {
		return h >= start && h < end
	}
	// Window wraps midnight.
	return h >= start || h < end
}

// ==================== ACCESSORS ====================

// Ledger exposes the position ledger for the HTTP surface.
func (b *Bot) Ledger() *ledger.Ledger { return b.book }

// Gateway exposes the execution gateway for the HTTP surface.
func (b *Bot) Gateway() *executor.Gateway { return b.gateway }

// RegimeState returns the current regime snapshot for a symbol.
func (b *Bot) RegimeState(symbol string) regime.State {
	return b.regimes.Current(symbol)
}

func countFields(s string) int {
	n := 0
	inField := false
	for _, r := range s {
		if r == ' ' || r == '\t' {
			inField = false
			continue
		}
		if !inField {
			n++
			inField = true
		}
	}
	return n
}
