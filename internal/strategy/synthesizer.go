package strategy

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"perp-trading-agent/internal/indicator"
	"perp-trading-agent/internal/llm"
	"perp-trading-agent/internal/orderbook"
)

// ==================== SYNTHESIZER ====================

// Synthesizer turns the per-tick market view into a directional signal.
// All modes share one output shape so the orchestrator treats them
// uniformly.
type Synthesizer struct {
	mode       Mode
	contrarian bool
	confirmer  Confirmer
	logger     zerolog.Logger
}

// NewSynthesizer creates a synthesizer. confirmer may be nil for the pure
// ORDER_BOOK and WAVE_SURFING modes.
func NewSynthesizer(mode Mode, contrarian bool, confirmer Confirmer, logger zerolog.Logger) *Synthesizer {
	return &Synthesizer{
		mode:       mode,
		contrarian: contrarian,
		confirmer:  confirmer,
		logger:     logger,
	}
}

// Mode returns the configured synthesis mode.
func (s *Synthesizer) Mode() Mode { return s.mode }

// Synthesize produces the tentative signal for one symbol tick. The result
// always has a decision in {BUY, SELL, HOLD} and a finite confidence in
// [0, 1]. LLM failures surface as errors so the orchestrator can degrade
// the tick to HOLD with the reason attached.
func (s *Synthesizer) Synthesize(ctx context.Context, in *Input) (*Signal, error) {
	var (
		sig *Signal
		err error
	)

	switch s.mode {
	case ModeOrderBook:
		sig = s.orderBookSignal(in)
	case ModeLLMOnly:
		sig, err = s.llmSignal(ctx, in)
	case ModeHybrid:
		sig, err = s.hybridSignal(ctx, in)
	case ModeWaveSurfing:
		sig = s.waveSurfingSignal(in)
	default:
		return nil, fmt.Errorf("unknown strategy mode: %s", s.mode)
	}
	if err != nil {
		return nil, err
	}

	sig.Confidence = clamp01(sig.Confidence)

	if s.contrarian && sig.Decision != Hold {
		sig.Decision = sig.Decision.Opposite()
		sig.Reasoning = "CONTRARIAN: " + sig.Reasoning
	}

	s.logger.Debug().
		Str("symbol", in.Symbol).
		Str("mode", string(s.mode)).
		Str("decision", string(sig.Decision)).
		Float64("confidence", sig.Confidence).
		Msg("Signal synthesized")

	return sig, nil
}

// ==================== ORDER BOOK MODE ====================

func (s *Synthesizer) orderBookSignal(in *Input) *Signal {
	book := in.Book
	if book == nil {
		return &Signal{Decision: Hold, Confidence: 0, Reasoning: "no order book data"}
	}

	// State gating: consolidating or absorbing books do not break out.
	if book.State == orderbook.StateConsolidation {
		return &Signal{Decision: Hold, Confidence: 0, Reasoning: "market consolidating"}
	}
	if book.AbsorptionDetect {
		return &Signal{Decision: Hold, Confidence: 0, Reasoning: "absorption detected, reversal risk"}
	}

	absImb := math.Abs(book.Imbalance)
	if absImb < in.Overlay.WeakImbalance {
		return &Signal{Decision: Hold, Confidence: 0,
			Reasoning: fmt.Sprintf("imbalance %.3f below threshold %.3f", book.Imbalance, in.Overlay.WeakImbalance)}
	}

	decision := Buy
	if book.Imbalance < 0 {
		decision = Sell
	}

	var reasons []string
	reasons = append(reasons, fmt.Sprintf("imbalance %.3f", book.Imbalance))

	// Base confidence scales from the weak threshold to the strong one.
	confidence := 0.55
	if span := in.Overlay.StrongImbalance - in.Overlay.WeakImbalance; span > 0 {
		confidence = 0.55 + 0.25*clamp01((absImb-in.Overlay.WeakImbalance)/span)
	}

	if book.BreakoutConfirmed {
		confidence += 0.10
		reasons = append(reasons, "second drive confirmed")
	}
	if (decision == Buy && book.AggressionScore > 0.2) || (decision == Sell && book.AggressionScore < -0.2) {
		confidence += 0.05
		reasons = append(reasons, fmt.Sprintf("aggression %.2f agrees", book.AggressionScore))
	}

	// Counter-trend veto against the EMA trend.
	trend := dominantTrend(in)
	switch {
	case decision == Buy && trend == indicator.TrendBearish,
		decision == Sell && trend == indicator.TrendBullish:
		return &Signal{Decision: Hold, Confidence: 0,
			Reasoning: fmt.Sprintf("COUNTER-TREND: %s signal against %s EMA trend", decision, trend)}
	case trend == indicator.TrendNeutral:
		if confidence < 0.75 {
			return &Signal{Decision: Hold, Confidence: confidence,
				Reasoning: fmt.Sprintf("neutral trend requires confidence >= 0.75, have %.2f", confidence)}
		}
		confidence *= 1.05
		reasons = append(reasons, "neutral trend")
	default:
		confidence *= 1.15
		reasons = append(reasons, fmt.Sprintf("aligned with %s trend", trend))
	}

	// Liquidity pools: magnets and vacuum ahead of the move add conviction,
	// their absence trims it.
	if in.Pools != nil {
		if in.Pools.SupportsDirection(decision == Buy, book.MidPrice) {
			confidence += 0.05
			reasons = append(reasons, "liquidity supports move")
		} else {
			confidence -= 0.05
		}
	}

	return &Signal{
		Decision:   decision,
		Confidence: clamp01(confidence),
		Reasoning:  strings.Join(reasons, "; "),
	}
}

// ==================== LLM MODES ====================

func (s *Synthesizer) llmSignal(ctx context.Context, in *Input) (*Signal, error) {
	if s.confirmer == nil {
		return nil, fmt.Errorf("LLM_ONLY mode requires a configured LLM adapter")
	}
	verdict, err := s.confirmer.Analyze(ctx, s.snapshot(in))
	if err != nil {
		return nil, err
	}
	return &Signal{
		Decision:   Decision(verdict.Decision),
		Confidence: verdict.Confidence,
		Reasoning:  verdict.Reasoning,
	}, nil
}

// hybridSignal short-circuits on an order-book HOLD, otherwise asks the
// model to confirm. Agreement blends confidences 60/40 in the book's
// favour; anything else is a HOLD.
func (s *Synthesizer) hybridSignal(ctx context.Context, in *Input) (*Signal, error) {
	obSig := s.orderBookSignal(in)
	if obSig.Decision == Hold {
		return obSig, nil
	}
	if s.confirmer == nil {
		return nil, fmt.Errorf("HYBRID mode requires a configured LLM adapter")
	}

	verdict, err := s.confirmer.Analyze(ctx, s.snapshot(in))
	if err != nil {
		return nil, err
	}

	if Decision(verdict.Decision) != obSig.Decision {
		return &Signal{Decision: Hold, Confidence: 0,
			Reasoning: fmt.Sprintf("model disagrees: book says %s, model says %s (%s)",
				obSig.Decision, verdict.Decision, verdict.Reasoning)}, nil
	}

	return &Signal{
		Decision:   obSig.Decision,
		Confidence: 0.6*obSig.Confidence + 0.4*verdict.Confidence,
		Reasoning:  fmt.Sprintf("%s | model confirms: %s", obSig.Reasoning, verdict.Reasoning),
	}, nil
}

// ==================== WAVE SURFING MODE ====================

// waveSurfingSignal rides confirmed momentum into thin liquidity. It only
// fires on a second-drive breakout with heavy aggression pointing into a
// vacuum zone.
func (s *Synthesizer) waveSurfingSignal(in *Input) *Signal {
	book := in.Book
	if book == nil || in.Pools == nil {
		return &Signal{Decision: Hold, Confidence: 0, Reasoning: "no order book data"}
	}
	if !book.BreakoutConfirmed {
		return &Signal{Decision: Hold, Confidence: 0, Reasoning: "no confirmed breakout to surf"}
	}

	var decision Decision
	switch book.State {
	case orderbook.StateImbalancedUp:
		decision = Buy
	case orderbook.StateImbalancedDn:
		decision = Sell
	default:
		return &Signal{Decision: Hold, Confidence: 0, Reasoning: "book not directional"}
	}

	vacuumAhead := (decision == Buy && in.Pools.VacuumAbove) || (decision == Sell && in.Pools.VacuumBelow)
	if !vacuumAhead {
		return &Signal{Decision: Hold, Confidence: 0, Reasoning: "no vacuum ahead of the move"}
	}

	confidence := 0.65 + 0.3*clamp01(math.Abs(book.AggressionScore))
	return &Signal{
		Decision:   decision,
		Confidence: clamp01(confidence),
		Reasoning: fmt.Sprintf("surfing %s breakout into vacuum, aggression %.2f",
			strings.ToLower(string(decision)), book.AggressionScore),
	}
}

// ==================== HELPERS ====================

func (s *Synthesizer) snapshot(in *Input) *llm.MarketSnapshot {
	return &llm.MarketSnapshot{
		Symbol:     in.Symbol,
		Price:      in.Price,
		Indicators: in.Indicators,
		MultiTF:    in.MultiTF,
		Book:       in.Book,
	}
}

// dominantTrend prefers the multi-timeframe dominant trend and falls back
// to the single-timeframe 5/13 EMA pair.
func dominantTrend(in *Input) indicator.Trend {
	if in.MultiTF != nil && in.MultiTF.Dominant != indicator.TrendNeutral {
		return in.MultiTF.Dominant
	}
	if in.Indicators != nil {
		return in.Indicators.EMA513.Trend
	}
	return indicator.TrendNeutral
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
