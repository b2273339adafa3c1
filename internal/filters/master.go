package filters

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"perp-trading-agent/internal/indicator"
	"perp-trading-agent/internal/strategy"
)

// ==================== TYPES ====================

// Config tunes the filter pipeline.
type Config struct {
	MinATRPercent float64 // volatility floor, default 0.005

	CooldownAfter1Loss  time.Duration
	CooldownAfter2Loss  time.Duration
	CooldownAfter3Loss  time.Duration
	MinTradeInterval    time.Duration
	MaxDailyTrades      int
	BaseConfidenceFloor float64
	LossConfidenceFloor float64

	FundingLeadWindow time.Duration // veto window before the 8h boundary
	FundingLagWindow  time.Duration // veto window after the boundary

	VolumeVetoRatio  float64 // ratio at/above this vetoes
	VolumeScaleRatio float64 // ratio at/above this halves size
	LowVolumeMult    float64 // size multiplier for quiet tape
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MinATRPercent:       0.005,
		CooldownAfter1Loss:  5 * time.Minute,
		CooldownAfter2Loss:  10 * time.Minute,
		CooldownAfter3Loss:  30 * time.Minute,
		MinTradeInterval:    3 * time.Minute,
		MaxDailyTrades:      15,
		BaseConfidenceFloor: 0.70,
		LossConfidenceFloor: 0.90,
		FundingLeadWindow:   10 * time.Minute,
		FundingLagWindow:    5 * time.Minute,
		VolumeVetoRatio:     5.0,
		VolumeScaleRatio:    3.0,
		LowVolumeMult:       0.8,
	}
}

// Input is everything one filter pass needs. Now is injectable so tests can
// pin the clock.
type Input struct {
	Symbol     string
	Decision   strategy.Decision
	Confidence float64
	Indicators *indicator.Set
	MultiTF    *indicator.MultiTFSet
	Price      float64

	ConsecutiveLosses int
	TradesToday       int
	LastTradeAt       time.Time
	LastLossAt        time.Time

	Now time.Time
}

// Result is the composed pipeline outcome. SizeMultiplier is the product of
// every filter's multiplier; ConfidenceFloor is the maximum of their floors;
// a single veto makes CanTrade false for the whole pass.
type Result struct {
	CanTrade        bool     `json:"can_trade"`
	Reasons         []string `json:"reasons"`
	SizeMultiplier  float64  `json:"size_multiplier"`
	ConfidenceFloor float64  `json:"confidence_floor"`
	TrendScore      float64  `json:"trend_score"` // 0-100
}

// Reason joins the collected reasons for logging and journaling.
func (r *Result) Reason() string {
	return strings.Join(r.Reasons, "; ")
}

type verdict struct {
	pass       bool
	reason     string
	multiplier float64
	floor      float64
}

// ==================== MASTER FILTER ====================

// MasterFilter runs the gate pipeline over a tentative signal.
type MasterFilter struct {
	cfg    Config
	logger zerolog.Logger
}

// NewMasterFilter creates the pipeline with the given configuration.
func NewMasterFilter(cfg Config, logger zerolog.Logger) *MasterFilter {
	return &MasterFilter{cfg: cfg, logger: logger}
}

// Evaluate runs every filter and composes the result. Filters always all
// run so the journal carries the full reason set even after a veto.
func (m *MasterFilter) Evaluate(in *Input) *Result {
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}

	out := &Result{CanTrade: true, SizeMultiplier: 1.0, ConfidenceFloor: m.cfg.BaseConfidenceFloor}
	out.TrendScore = trendScore(in)

	verdicts := []verdict{
		m.volatility(in),
		m.session(in),
		m.cooldown(in),
		m.fundingWindow(in),
		m.volumeAnomaly(in),
		m.dynamicSizing(in, out.TrendScore),
	}

	for _, v := range verdicts {
		if !v.pass {
			out.CanTrade = false
		}
		if v.reason != "" {
			out.Reasons = append(out.Reasons, v.reason)
		}
		if v.multiplier > 0 {
			out.SizeMultiplier *= v.multiplier
		}
		if v.floor > out.ConfidenceFloor {
			out.ConfidenceFloor = v.floor
		}
	}

	m.logger.Debug().
		Str("symbol", in.Symbol).
		Bool("can_trade", out.CanTrade).
		Float64("size_mult", out.SizeMultiplier).
		Float64("conf_floor", out.ConfidenceFloor).
		Str("reasons", out.Reason()).
		Msg("Filter pass")

	return out
}

// ==================== INDIVIDUAL FILTERS ====================

// volatility vetoes a dead tape. Scalping entries need movement to cover
// fees.
func (m *MasterFilter) volatility(in *Input) verdict {
	if in.Indicators == nil {
		return verdict{pass: true, multiplier: 1}
	}
	atrPct := in.Indicators.ATRPercent()
	if atrPct < m.cfg.MinATRPercent {
		return verdict{
			pass:       false,
			reason:     fmt.Sprintf("low volatility: ATR%% %.4f below floor %.4f", atrPct, m.cfg.MinATRPercent),
			multiplier: 1,
		}
	}
	return verdict{pass: true, multiplier: 1}
}

// session scales size by liquidity regime of the trading day. Hours are
// UTC: Asia 00-07, London 07-13, New York 13-21, late night 21-24.
func (m *MasterFilter) session(in *Input) verdict {
	hour := in.Now.UTC().Hour()

	var mult float64
	var name string
	switch {
	case hour < 7:
		name, mult = "Asia", 0.6
	case hour < 13:
		name, mult = "London", 1.0
	case hour < 21:
		name, mult = "NewYork", 1.4
	default:
		name, mult = "LateNight", 0.4
	}

	wd := in.Now.UTC().Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		mult *= 0.5
		name += " weekend"
	}

	return verdict{pass: true, reason: "session " + name, multiplier: mult}
}

// cooldown enforces loss-streak pauses, the global trade interval and the
// daily cap. Losses also raise the confidence floor.
func (m *MasterFilter) cooldown(in *Input) verdict {
	if in.TradesToday >= m.cfg.MaxDailyTrades {
		return verdict{
			pass:       false,
			reason:     fmt.Sprintf("daily trade cap reached (%d)", m.cfg.MaxDailyTrades),
			multiplier: 1,
		}
	}

	if !in.LastTradeAt.IsZero() {
		if since := in.Now.Sub(in.LastTradeAt); since < m.cfg.MinTradeInterval {
			return verdict{
				pass:       false,
				reason:     fmt.Sprintf("trade interval: %.0fs since last trade, need %.0fs", since.Seconds(), m.cfg.MinTradeInterval.Seconds()),
				multiplier: 1,
			}
		}
	}

	if in.ConsecutiveLosses > 0 && !in.LastLossAt.IsZero() {
		window := m.cfg.CooldownAfter1Loss
		switch {
		case in.ConsecutiveLosses >= 3:
			window = m.cfg.CooldownAfter3Loss
		case in.ConsecutiveLosses == 2:
			window = m.cfg.CooldownAfter2Loss
		}
		if since := in.Now.Sub(in.LastLossAt); since < window {
			return verdict{
				pass:       false,
				reason:     fmt.Sprintf("loss cooldown: %d consecutive losses, %.0fs of %.0fs elapsed", in.ConsecutiveLosses, since.Seconds(), window.Seconds()),
				multiplier: 1,
				floor:      m.cfg.LossConfidenceFloor,
			}
		}
		return verdict{pass: true, multiplier: 1, floor: m.cfg.LossConfidenceFloor}
	}

	return verdict{pass: true, multiplier: 1}
}

// fundingWindow vetoes entries around the 8h funding settlement. Rates get
// paid at 00:00, 08:00 and 16:00 UTC and the tape whips around them.
func (m *MasterFilter) fundingWindow(in *Input) verdict {
	now := in.Now.UTC()
	sinceMidnight := time.Duration(now.Hour())*time.Hour +
		time.Duration(now.Minute())*time.Minute +
		time.Duration(now.Second())*time.Second

	const period = 8 * time.Hour
	intoPeriod := sinceMidnight % period
	untilBoundary := period - intoPeriod

	if untilBoundary <= m.cfg.FundingLeadWindow || intoPeriod <= m.cfg.FundingLagWindow {
		return verdict{
			pass:       false,
			reason:     fmt.Sprintf("funding settlement window (%.0f min to boundary)", math.Min(untilBoundary.Minutes(), intoPeriod.Minutes())),
			multiplier: 1,
		}
	}
	return verdict{pass: true, multiplier: 1}
}

// volumeAnomaly vetoes extreme spikes (news, liquidation cascades) and
// scales down elevated or quiet volume.
func (m *MasterFilter) volumeAnomaly(in *Input) verdict {
	if in.Indicators == nil {
		return verdict{pass: true, multiplier: 1}
	}
	ratio := in.Indicators.Volume.Ratio
	switch {
	case ratio >= m.cfg.VolumeVetoRatio:
		return verdict{
			pass:       false,
			reason:     fmt.Sprintf("volume anomaly: %.1fx average", ratio),
			multiplier: 1,
		}
	case ratio >= m.cfg.VolumeScaleRatio:
		return verdict{pass: true, reason: fmt.Sprintf("elevated volume %.1fx", ratio), multiplier: 0.5}
	case ratio < 0.5:
		return verdict{pass: true, reason: "quiet volume", multiplier: m.cfg.LowVolumeMult}
	}
	return verdict{pass: true, multiplier: 1}
}

// dynamicSizing never vetoes. It buckets confidence, scales with trend
// strength and penalizes loss streaks.
func (m *MasterFilter) dynamicSizing(in *Input, trendScore float64) verdict {
	var mult float64
	switch {
	case in.Confidence >= 0.85:
		mult = 1.0
	case in.Confidence >= 0.75:
		mult = 0.75
	case in.Confidence >= 0.65:
		mult = 0.50
	default:
		mult = 0.25
	}

	// Strong trends justify larger size, weak ones smaller.
	switch {
	case trendScore >= 70:
		mult *= 1.2
	case trendScore >= 55:
		mult *= 1.0
	case trendScore >= 40:
		mult *= 0.8
	default:
		mult *= 0.7
	}

	switch {
	case in.ConsecutiveLosses >= 3:
		mult *= 0.5
	case in.ConsecutiveLosses == 2:
		mult *= 0.75
	}

	return verdict{pass: true, multiplier: mult}
}

// ==================== TREND SCORE ====================

// trendScore maps trend evidence into 0-100. Alignment across timeframes
// and MACD agreement push the score up.
func trendScore(in *Input) float64 {
	score := 50.0
	if in.Indicators != nil {
		switch in.Indicators.EMA513.Trend {
		case indicator.TrendBullish, indicator.TrendBearish:
			score += 15
		}
		switch in.Indicators.EMA2050.Trend {
		case indicator.TrendBullish, indicator.TrendBearish:
			score += 10
		}
		hist := in.Indicators.MACDFast.Histogram
		if (in.Indicators.EMA513.Trend == indicator.TrendBullish && hist > 0) ||
			(in.Indicators.EMA513.Trend == indicator.TrendBearish && hist < 0) {
			score += 10
		}
	}
	if in.MultiTF != nil {
		score += 15 * in.MultiTF.Alignment
	}
	if score > 100 {
		score = 100
	}
	return score
}
