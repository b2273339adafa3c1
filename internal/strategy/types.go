package strategy

import (
	"context"

	"perp-trading-agent/internal/indicator"
	"perp-trading-agent/internal/llm"
	"perp-trading-agent/internal/orderbook"
	"perp-trading-agent/internal/regime"
)

// Decision is the directional call for one tick.
type Decision string

const (
	Buy  Decision = "BUY"
	Sell Decision = "SELL"
	Hold Decision = "HOLD"
)

// Opposite returns the inverse direction. HOLD maps to itself.
func (d Decision) Opposite() Decision {
	switch d {
	case Buy:
		return Sell
	case Sell:
		return Buy
	default:
		return Hold
	}
}

// Signal is the uniform synthesizer output across all modes.
type Signal struct {
	Decision   Decision `json:"decision"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

// Mode selects the synthesis strategy.
type Mode string

const (
	ModeOrderBook   Mode = "ORDER_BOOK"
	ModeLLMOnly     Mode = "LLM_ONLY"
	ModeHybrid      Mode = "HYBRID"
	ModeWaveSurfing Mode = "WAVE_SURFING"
)

// Confirmer is the narrow LLM surface the synthesizer consumes. The real
// adapter and the test mock both satisfy it.
type Confirmer interface {
	Analyze(ctx context.Context, snap *llm.MarketSnapshot) (*llm.Verdict, error)
}

// Input is the per-tick market view handed to the synthesizer.
type Input struct {
	Symbol     string
	Price      float64
	Indicators *indicator.Set
	MultiTF    *indicator.MultiTFSet
	Book       *orderbook.Analysis
	Pools      *orderbook.PoolAnalysis
	Overlay    regime.ParamOverlay
}
