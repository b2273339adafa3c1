package indicator

import (
	"errors"
	"fmt"
	"math"

	talib "github.com/markcheno/go-talib"

	"perp-trading-agent/internal/exchange"
)

// ErrInsufficientData is returned when too few candles are available to
// compute the requested indicator set.
var ErrInsufficientData = errors.New("insufficient candle data")

const (
	// MinCandles is required for the single-timeframe set.
	MinCandles = 50
	// MinCandlesMulti is required for the multi-timeframe set.
	MinCandlesMulti = 60
)

// Trend is the EMA-derived direction classification.
type Trend string

const (
	TrendBullish Trend = "bullish"
	TrendBearish Trend = "bearish"
	TrendNeutral Trend = "neutral"
)

// emaTrendBand is the |fast-slow|/slow ratio below which the trend is
// considered neutral (0.2%).
const emaTrendBand = 0.002

// Params tunes the indicator engine. Defaults target short scalping
// horizons.
type Params struct {
	RSIPeriod    int
	EMAFast      int
	EMASlow      int
	MACDFast     int
	MACDSlow     int
	MACDSignal   int
	BBPeriod     int
	BBStdDev     float64
	ATRPeriod    int
	VolumeWindow int
}

// DefaultParams returns scalping-tuned defaults.
func DefaultParams() Params {
	return Params{
		RSIPeriod:    7,
		EMAFast:      5,
		EMASlow:      13,
		MACDFast:     5,
		MACDSlow:     13,
		MACDSignal:   5,
		BBPeriod:     10,
		BBStdDev:     1.5,
		ATRPeriod:    14,
		VolumeWindow: 20,
	}
}

// MACDValues holds one MACD computation.
type MACDValues struct {
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// BollingerValues holds one Bollinger Bands computation.
type BollingerValues struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// EMAPair holds one fast/slow EMA pair and its trend classification.
type EMAPair struct {
	Fast  float64 `json:"fast"`
	Slow  float64 `json:"slow"`
	Trend Trend   `json:"trend"`
}

// VolumeInfo summarizes recent volume behavior.
type VolumeInfo struct {
	Current float64 `json:"current"`
	Avg20   float64 `json:"avg_20"`
	Avg50   float64 `json:"avg_50"`
	Ratio   float64 `json:"ratio"`
	IsHigh  bool    `json:"is_high"` // ratio > 1.5
}

// Set is the dense per-tick indicator record.
type Set struct {
	Price float64 `json:"price"`

	RSI7  float64 `json:"rsi_7"`
	RSI14 float64 `json:"rsi_14"`
	RSI21 float64 `json:"rsi_21"`

	EMA513  EMAPair `json:"ema_5_13"`
	EMA1226 EMAPair `json:"ema_12_26"`
	EMA2050 EMAPair `json:"ema_20_50"`

	MACDFast MACDValues `json:"macd_fast"` // 5/13/5
	MACDSlow MACDValues `json:"macd_slow"` // 12/26/9

	BBTight BollingerValues `json:"bb_tight"` // 10, 1.5
	BBWide  BollingerValues `json:"bb_wide"`  // 20, 2.0

	ATR7  float64 `json:"atr_7"`
	ATR14 float64 `json:"atr_14"`

	SMA10 float64 `json:"sma_10"`
	SMA20 float64 `json:"sma_20"`
	SMA50 float64 `json:"sma_50"`

	Volume VolumeInfo `json:"volume"`
}

// ATRPercent returns ATR(14) as a percentage of the current price.
func (s *Set) ATRPercent() float64 {
	if s.Price <= 0 {
		return 0
	}
	return s.ATR14 / s.Price * 100
}

// Compute derives the full indicator set from a candle sequence. It needs
// at least MinCandles candles; every numeric field in the result is finite.
func Compute(candles []exchange.Candle) (*Set, error) {
	if len(candles) < MinCandles {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientData, len(candles), MinCandles)
	}

	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}
	price := closes[len(closes)-1]

	set := &Set{Price: price}

	set.RSI7 = last(talib.Rsi(closes, 7), 50)
	set.RSI14 = last(talib.Rsi(closes, 14), 50)
	set.RSI21 = last(talib.Rsi(closes, 21), 50)

	set.EMA513 = emaPair(closes, 5, 13, price)
	set.EMA1226 = emaPair(closes, 12, 26, price)
	set.EMA2050 = emaPair(closes, 20, 50, price)

	macd, signal, hist := talib.Macd(closes, 5, 13, 5)
	set.MACDFast = MACDValues{MACD: last(macd, 0), Signal: last(signal, 0), Histogram: last(hist, 0)}
	macd, signal, hist = talib.Macd(closes, 12, 26, 9)
	set.MACDSlow = MACDValues{MACD: last(macd, 0), Signal: last(signal, 0), Histogram: last(hist, 0)}

	upper, middle, lower := talib.BBands(closes, 10, 1.5, 1.5, 0)
	set.BBTight = BollingerValues{Upper: last(upper, price), Middle: last(middle, price), Lower: last(lower, price)}
	upper, middle, lower = talib.BBands(closes, 20, 2.0, 2.0, 0)
	set.BBWide = BollingerValues{Upper: last(upper, price), Middle: last(middle, price), Lower: last(lower, price)}

	set.ATR7 = last(talib.Atr(highs, lows, closes, 7), 0)
	set.ATR14 = last(talib.Atr(highs, lows, closes, 14), 0)

	set.SMA10 = last(talib.Sma(closes, 10), price)
	set.SMA20 = last(talib.Sma(closes, 20), price)
	set.SMA50 = last(talib.Sma(closes, 50), price)

	set.Volume = computeVolume(volumes)

	scrub(set, price)
	return set, nil
}

// ClassifyEMATrend applies the 0.2% band to a fast/slow EMA pair.
func ClassifyEMATrend(fast, slow float64) Trend {
	if slow == 0 {
		return TrendNeutral
	}
	diff := (fast - slow) / slow
	switch {
	case diff > emaTrendBand:
		return TrendBullish
	case diff < -emaTrendBand:
		return TrendBearish
	default:
		return TrendNeutral
	}
}

func emaPair(closes []float64, fastP, slowP int, fallback float64) EMAPair {
	fast := last(talib.Ema(closes, fastP), fallback)
	slow := last(talib.Ema(closes, slowP), fallback)
	return EMAPair{Fast: fast, Slow: slow, Trend: ClassifyEMATrend(fast, slow)}
}

func computeVolume(volumes []float64) VolumeInfo {
	current := volumes[len(volumes)-1]
	avg20 := tailMean(volumes, 20)
	avg50 := tailMean(volumes, 50)
	ratio := 1.0
	if avg20 > 0 {
		ratio = current / avg20
	}
	return VolumeInfo{
		Current: current,
		Avg20:   avg20,
		Avg50:   avg50,
		Ratio:   ratio,
		IsHigh:  ratio > 1.5,
	}
}

func tailMean(values []float64, n int) float64 {
	if n > len(values) {
		n = len(values)
	}
	if n == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values[len(values)-n:] {
		sum += v
	}
	return sum / float64(n)
}

// last returns the final element of a talib output series, replacing the
// uninitialized leading NaN/zero region with the supplied fallback.
func last(series []float64, fallback float64) float64 {
	if len(series) == 0 {
		return fallback
	}
	v := series[len(series)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}

// scrub replaces any non-finite field with the latest close so no NaN
// escapes the engine.
func scrub(s *Set, price float64) {
	fix := func(v *float64, fallback float64) {
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			*v = fallback
		}
	}
	fix(&s.RSI7, 50)
	fix(&s.RSI14, 50)
	fix(&s.RSI21, 50)
	for _, p := range []*EMAPair{&s.EMA513, &s.EMA1226, &s.EMA2050} {
		fix(&p.Fast, price)
		fix(&p.Slow, price)
	}
	for _, m := range []*MACDValues{&s.MACDFast, &s.MACDSlow} {
		fix(&m.MACD, 0)
		fix(&m.Signal, 0)
		fix(&m.Histogram, 0)
	}
	for _, b := range []*BollingerValues{&s.BBTight, &s.BBWide} {
		fix(&b.Upper, price)
		fix(&b.Middle, price)
		fix(&b.Lower, price)
	}
	fix(&s.ATR7, 0)
	fix(&s.ATR14, 0)
	fix(&s.SMA10, price)
	fix(&s.SMA20, price)
	fix(&s.SMA50, price)
	fix(&s.Volume.Ratio, 1)
	fix(&s.Volume.Avg20, 0)
	fix(&s.Volume.Avg50, 0)
}
