package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"perp-trading-agent/internal/indicator"
	"perp-trading-agent/internal/logging"
	"perp-trading-agent/internal/orderbook"
)

// ==================== TYPES ====================

// Verdict is the parsed, validated model output.
type Verdict struct {
	Decision   string  `json:"decision"` // BUY, SELL or HOLD
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
}

// MarketSnapshot is everything the model sees for one symbol tick.
type MarketSnapshot struct {
	Symbol     string
	Price      float64
	Indicators *indicator.Set
	MultiTF    *indicator.MultiTFSet
	Book       *orderbook.Analysis
}

// AnalysisError wraps provider failures so callers can distinguish model
// trouble from market-data trouble.
type AnalysisError struct {
	Provider Provider
	Err      error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("llm analysis (%s): %v", e.Provider, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// Analyzer asks the model for a trade verdict and validates the reply.
type Analyzer struct {
	client   *Client
	maxRetry uint64
	logger   zerolog.Logger
}

// NewAnalyzer creates an analyzer over the given client.
func NewAnalyzer(client *Client) *Analyzer {
	return &Analyzer{
		client:   client,
		maxRetry: 3,
		logger:   logging.Component("llm"),
	}
}

// ==================== ANALYSIS ====================

// Analyze sends the snapshot to the model and returns a validated verdict.
// Transient provider failures are retried with exponential backoff; a reply
// that never parses to a valid verdict is an error, not a HOLD.
func (a *Analyzer) Analyze(ctx context.Context, snap *MarketSnapshot) (*Verdict, error) {
	if !a.client.IsConfigured() {
		return nil, &AnalysisError{Provider: a.client.GetProvider(), Err: fmt.Errorf("no API key configured")}
	}

	userPrompt := buildUserPrompt(snap)

	var verdict *Verdict
	operation := func() error {
		raw, err := a.client.Complete(ctx, systemPrompt, userPrompt)
		if err != nil {
			return err
		}
		v, err := parseVerdict(raw)
		if err != nil {
			a.logger.Warn().Err(err).Str("symbol", snap.Symbol).Msg("Unparseable model reply, retrying")
			return err
		}
		verdict = v
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 10 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, a.maxRetry), ctx)); err != nil {
		return nil, &AnalysisError{Provider: a.client.GetProvider(), Err: err}
	}

	a.logger.Debug().
		Str("symbol", snap.Symbol).
		Str("decision", verdict.Decision).
		Float64("confidence", verdict.Confidence).
		Msg("Model verdict")

	return verdict, nil
}

// ==================== PARSING ====================

var codeFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// parseVerdict extracts the JSON object from the raw model reply, tolerating
// markdown code fences and leading prose, then validates the schema.
func parseVerdict(raw string) (*Verdict, error) {
	text := strings.TrimSpace(raw)

	if m := codeFenceRe.FindStringSubmatch(text); len(m) == 2 {
		text = m[1]
	}

	// Models sometimes preface the object with commentary. Take the first
	// balanced-looking JSON object.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in reply")
	}
	text = text[start : end+1]

	var v Verdict
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, fmt.Errorf("invalid JSON in reply: %w", err)
	}

	v.Decision = strings.ToUpper(strings.TrimSpace(v.Decision))
	switch v.Decision {
	case "BUY", "SELL", "HOLD":
	default:
		return nil, fmt.Errorf("invalid decision %q", v.Decision)
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return nil, fmt.Errorf("confidence %.3f out of range", v.Confidence)
	}
	return &v, nil
}

// ==================== PROMPTS ====================

const systemPrompt = `You are a scalping analyst for perpetual futures. You receive indicator and order-book data for one symbol and must reply with a single JSON object, no other text:
{"decision": "BUY"|"SELL"|"HOLD", "confidence": 0.0-1.0, "reasoning": "one short sentence"}
Only recommend BUY or SELL when the evidence is strong. Prefer HOLD when signals conflict.`

func buildUserPrompt(snap *MarketSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s\nPrice: %.6f\n\n", snap.Symbol, snap.Price)

	if ind := snap.Indicators; ind != nil {
		fmt.Fprintf(&b, "Indicators:\n")
		fmt.Fprintf(&b, "  RSI(7/14/21): %.1f / %.1f / %.1f\n", ind.RSI7, ind.RSI14, ind.RSI21)
		fmt.Fprintf(&b, "  EMA trend (5/13): %s, EMA trend (20/50): %s\n", ind.EMA513.Trend, ind.EMA2050.Trend)
		fmt.Fprintf(&b, "  MACD fast hist: %.6f, slow hist: %.6f\n", ind.MACDFast.Histogram, ind.MACDSlow.Histogram)
		fmt.Fprintf(&b, "  ATR%%: %.4f\n", ind.ATRPercent())
		fmt.Fprintf(&b, "  Volume ratio: %.2f (high=%v)\n", ind.Volume.Ratio, ind.Volume.IsHigh)
	}

	if mtf := snap.MultiTF; mtf != nil {
		fmt.Fprintf(&b, "\nTimeframes: dominant=%s aligned=%v\n", mtf.Dominant, mtf.Alignment)
	}

	if bk := snap.Book; bk != nil {
		fmt.Fprintf(&b, "\nOrder book:\n")
		fmt.Fprintf(&b, "  State: %s\n", bk.State)
		fmt.Fprintf(&b, "  Imbalance: %.3f, bid pressure: %.2f\n", bk.Imbalance, bk.BidPressure)
		fmt.Fprintf(&b, "  Spread%%: %.4f, liquidity score: %.1f\n", bk.SpreadPct, bk.LiquidityScore)
		fmt.Fprintf(&b, "  Aggression: %.2f, absorption: %v, breakout confirmed: %v\n",
			bk.AggressionScore, bk.AbsorptionDetect, bk.BreakoutConfirmed)
		if bk.NearestBidWall != nil {
			fmt.Fprintf(&b, "  Bid wall at %.6f (%.2f%% away)\n", bk.NearestBidWall.Price, bk.NearestBidWall.DistancePct)
		}
		if bk.NearestAskWall != nil {
			fmt.Fprintf(&b, "  Ask wall at %.6f (%.2f%% away)\n", bk.NearestAskWall.Price, bk.NearestAskWall.DistancePct)
		}
	}

	b.WriteString("\nReply with the JSON object only.")
	return b.String()
}
