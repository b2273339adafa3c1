package llm

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-trading-agent/internal/indicator"
	"perp-trading-agent/internal/orderbook"
)

func TestParseVerdictPlainJSON(t *testing.T) {
	v, err := parseVerdict(`{"decision": "BUY", "confidence": 0.82, "reasoning": "bid wall holding"}`)
	require.NoError(t, err)
	assert.Equal(t, "BUY", v.Decision)
	assert.InDelta(t, 0.82, v.Confidence, 1e-9)
	assert.Equal(t, "bid wall holding", v.Reasoning)
}

func TestParseVerdictCodeFence(t *testing.T) {
	raw := "```json\n{\"decision\": \"sell\", \"confidence\": 0.7, \"reasoning\": \"distribution\"}\n```"
	v, err := parseVerdict(raw)
	require.NoError(t, err)
	assert.Equal(t, "SELL", v.Decision, "decision must be upper-cased")
}

func TestParseVerdictBareFence(t *testing.T) {
	raw := "```\n{\"decision\": \"HOLD\", \"confidence\": 0.5}\n```"
	v, err := parseVerdict(raw)
	require.NoError(t, err)
	assert.Equal(t, "HOLD", v.Decision)
}

func TestParseVerdictLeadingProse(t *testing.T) {
	raw := "Based on the data provided, here is my assessment:\n" +
		`{"decision": "BUY", "confidence": 0.75, "reasoning": "momentum"}` +
		"\nLet me know if you need more detail."
	v, err := parseVerdict(raw)
	require.NoError(t, err)
	assert.Equal(t, "BUY", v.Decision)
}

func TestParseVerdictRejectsInvalidDecision(t *testing.T) {
	_, err := parseVerdict(`{"decision": "LONG", "confidence": 0.8}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid decision")
}

func TestParseVerdictRejectsOutOfRangeConfidence(t *testing.T) {
	_, err := parseVerdict(`{"decision": "BUY", "confidence": 1.4}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")

	_, err = parseVerdict(`{"decision": "BUY", "confidence": -0.1}`)
	assert.Error(t, err)
}

func TestParseVerdictRejectsNonJSON(t *testing.T) {
	_, err := parseVerdict("I would hold here, the market looks choppy.")
	assert.Error(t, err)

	_, err = parseVerdict("")
	assert.Error(t, err)
}

func TestParseVerdictOptionalRiskFields(t *testing.T) {
	v, err := parseVerdict(`{"decision": "SELL", "confidence": 0.9, "reasoning": "r", "stop_loss": 101.5, "take_profit": 97.0}`)
	require.NoError(t, err)
	assert.InDelta(t, 101.5, v.StopLoss, 1e-9)
	assert.InDelta(t, 97.0, v.TakeProfit, 1e-9)
}

func TestAnalysisErrorUnwraps(t *testing.T) {
	inner := assert.AnError
	err := &AnalysisError{Provider: ProviderDeepSeek, Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "deepseek")
}

func TestAnalyzeWithoutKeyFails(t *testing.T) {
	a := NewAnalyzer(NewClient(&ClientConfig{Provider: ProviderOpenAI}))
	_, err := a.Analyze(context.Background(), &MarketSnapshot{Symbol: "BTC", Price: 100})

	var analysisErr *AnalysisError
	require.ErrorAs(t, err, &analysisErr)
	assert.Contains(t, analysisErr.Error(), "no API key")
}

func TestUserPromptCarriesMarketState(t *testing.T) {
	snap := &MarketSnapshot{
		Symbol: "ETH",
		Price:  2500.5,
		Indicators: &indicator.Set{
			Price:  2500.5,
			RSI14:  61.2,
			EMA513: indicator.EMAPair{Trend: indicator.TrendBullish},
			Volume: indicator.VolumeInfo{Ratio: 1.4},
		},
		Book: &orderbook.Analysis{
			State:     orderbook.StateImbalancedUp,
			Imbalance: 0.42,
		},
	}
	prompt := buildUserPrompt(snap)
	assert.Contains(t, prompt, "ETH")
	assert.Contains(t, prompt, "0.42")
	assert.Contains(t, prompt, string(orderbook.StateImbalancedUp))
	assert.True(t, strings.Contains(prompt, "JSON object only"))
}
