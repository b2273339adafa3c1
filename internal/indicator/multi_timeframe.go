package indicator

import (
	"fmt"

	"perp-trading-agent/internal/exchange"
)

// TimeframeSet is the per-timeframe slice of the multi-timeframe record.
type TimeframeSet struct {
	Interval string     `json:"interval"`
	Trend    Trend      `json:"trend"`
	RSI      float64    `json:"rsi"`
	MACD     MACDValues `json:"macd"`
	ATR      float64    `json:"atr"`
}

// MultiTFSet aggregates indicator views across the scalping timeframe
// ladder. Alignment counts how many timeframes agree with the dominant
// trend.
type MultiTFSet struct {
	Timeframes []TimeframeSet `json:"timeframes"`
	Dominant   Trend          `json:"dominant"`
	Alignment  float64        `json:"alignment"` // 0..1 fraction agreeing with dominant
}

// ComputeMulti derives a multi-timeframe set from candle series keyed by
// interval. Each series must carry at least MinCandlesMulti candles.
func ComputeMulti(series map[string][]exchange.Candle) (*MultiTFSet, error) {
	if len(series) == 0 {
		return nil, ErrInsufficientData
	}

	out := &MultiTFSet{}
	counts := map[Trend]int{}

	for interval, candles := range series {
		if len(candles) < MinCandlesMulti {
			return nil, fmt.Errorf("%w: interval %s has %d candles, need %d",
				ErrInsufficientData, interval, len(candles), MinCandlesMulti)
		}
		set, err := Compute(candles)
		if err != nil {
			return nil, err
		}
		tf := TimeframeSet{
			Interval: interval,
			Trend:    set.EMA513.Trend,
			RSI:      set.RSI14,
			MACD:     set.MACDSlow,
			ATR:      set.ATR14,
		}
		out.Timeframes = append(out.Timeframes, tf)
		counts[tf.Trend]++
	}

	out.Dominant = dominantTrend(counts)
	if out.Dominant != TrendNeutral {
		out.Alignment = float64(counts[out.Dominant]) / float64(len(out.Timeframes))
	}
	return out, nil
}

func dominantTrend(counts map[Trend]int) Trend {
	if counts[TrendBullish] > counts[TrendBearish] {
		return TrendBullish
	}
	if counts[TrendBearish] > counts[TrendBullish] {
		return TrendBearish
	}
	return TrendNeutral
}
