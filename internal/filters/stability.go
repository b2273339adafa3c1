package filters

import (
	"sync"
	"time"

	"perp-trading-agent/internal/strategy"
)

// ==================== SIGNAL STABILITY ====================

// StabilityConfig tunes the anti-whipsaw gate.
type StabilityConfig struct {
	MinConsecutiveSignals int           // signals required in the same direction
	QuickExitSignals      int           // opposite signals that trigger a position exit
	QuickExitMinConf      float64       // minimum confidence for quick-exit signals
	Window                time.Duration // observations older than this are dropped
	MaxReversalsPerHour   int
	ReversalCooldown      time.Duration
}

// DefaultStabilityConfig returns production defaults. The thresholds stay
// configurable so a permissive pass-through setup (1 signal, zero cooldown)
// is just another config.
func DefaultStabilityConfig() StabilityConfig {
	return StabilityConfig{
		MinConsecutiveSignals: 2,
		QuickExitSignals:      3,
		QuickExitMinConf:      0.60,
		Window:                30 * time.Second,
		MaxReversalsPerHour:   2,
		ReversalCooldown:      10 * time.Minute,
	}
}

type observation struct {
	decision   strategy.Decision
	confidence float64
	at         time.Time
}

// SignalTracker keeps a short per-symbol ring of recent signals. Each
// symbol's tick is serialized by the orchestrator, but the dashboard reads
// concurrently, so access is locked.
type SignalTracker struct {
	cfg StabilityConfig

	mu      sync.Mutex
	history map[string][]observation
}

// NewSignalTracker creates a tracker with the given configuration.
func NewSignalTracker(cfg StabilityConfig) *SignalTracker {
	return &SignalTracker{cfg: cfg, history: make(map[string][]observation)}
}

// Record appends a signal observation for the symbol.
func (t *SignalTracker) Record(symbol string, decision strategy.Decision, confidence float64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obs := append(t.prune(symbol, now), observation{decision: decision, confidence: confidence, at: now})
	// Keep the ring bounded even with a long window.
	if max := t.cfg.QuickExitSignals + t.cfg.MinConsecutiveSignals + 4; len(obs) > max {
		obs = obs[len(obs)-max:]
	}
	t.history[symbol] = obs
}

// IsStable reports whether the last MinConsecutiveSignals observations all
// point in the given direction.
func (t *SignalTracker) IsStable(symbol string, direction strategy.Decision, now time.Time) bool {
	need := t.cfg.MinConsecutiveSignals
	if need <= 1 {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	obs := t.prune(symbol, now)
	t.history[symbol] = obs

	if len(obs) < need {
		return false
	}
	for _, o := range obs[len(obs)-need:] {
		if o.decision != direction {
			return false
		}
	}
	return true
}

// QuickExit reports whether the last QuickExitSignals observations all
// oppose the open position's direction with sufficient confidence.
func (t *SignalTracker) QuickExit(symbol string, positionSide strategy.Decision, now time.Time) bool {
	need := t.cfg.QuickExitSignals
	if need <= 0 {
		return false
	}
	opposite := positionSide.Opposite()

	t.mu.Lock()
	defer t.mu.Unlock()
	obs := t.prune(symbol, now)
	t.history[symbol] = obs

	if len(obs) < need {
		return false
	}
	for _, o := range obs[len(obs)-need:] {
		if o.decision != opposite || o.confidence < t.cfg.QuickExitMinConf {
			return false
		}
	}
	return true
}

// Reset drops the symbol's history (used after executing a trade so stale
// observations do not immediately re-trigger).
func (t *SignalTracker) Reset(symbol string) {
	t.mu.Lock()
	delete(t.history, symbol)
	t.mu.Unlock()
}

func (t *SignalTracker) prune(symbol string, now time.Time) []observation {
	obs := t.history[symbol]
	cutoff := now.Add(-t.cfg.Window)
	for len(obs) > 0 && obs[0].at.Before(cutoff) {
		obs = obs[1:]
	}
	return obs
}

// ==================== REVERSAL TRACKING ====================

// ReversalTracker caps how often a symbol may flip direction. Reversals
// are the most expensive mistake on a choppy tape.
type ReversalTracker struct {
	cfg StabilityConfig

	mu        sync.Mutex
	reversals map[string][]time.Time
}

// NewReversalTracker creates a tracker with the given configuration.
func NewReversalTracker(cfg StabilityConfig) *ReversalTracker {
	return &ReversalTracker{cfg: cfg, reversals: make(map[string][]time.Time)}
}

// CanReverse reports whether the symbol is allowed another reversal now.
func (t *ReversalTracker) CanReverse(symbol string, now time.Time) (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	recent := t.pruneHour(symbol, now)
	t.reversals[symbol] = recent

	if len(recent) > 0 && t.cfg.ReversalCooldown > 0 {
		if since := now.Sub(recent[len(recent)-1]); since < t.cfg.ReversalCooldown {
			return false, "reversal cooldown active"
		}
	}
	if t.cfg.MaxReversalsPerHour > 0 && len(recent) >= t.cfg.MaxReversalsPerHour {
		return false, "hourly reversal cap reached"
	}
	return true, ""
}

// RecordReversal registers a completed reversal for the symbol.
func (t *ReversalTracker) RecordReversal(symbol string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reversals[symbol] = append(t.pruneHour(symbol, now), now)
}

func (t *ReversalTracker) pruneHour(symbol string, now time.Time) []time.Time {
	ts := t.reversals[symbol]
	cutoff := now.Add(-1 * time.Hour)
	for len(ts) > 0 && ts[0].Before(cutoff) {
		ts = ts[1:]
	}
	return ts
}
