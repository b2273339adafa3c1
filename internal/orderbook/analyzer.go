package orderbook

import (
	"math"
	"sync"

	"perp-trading-agent/internal/exchange"
)

// Analyzer derives microstructure signals from L2 snapshots. It keeps a
// small per-symbol history so it can detect second-drive breakouts and
// absorption across ticks. Analyze is safe for concurrent use across
// symbols; per-symbol calls are expected to be serialized by the caller.
type Analyzer struct {
	cfg Config

	mu      sync.Mutex
	history map[string]*symbolHistory
}

type symbolHistory struct {
	prevState    MarketState
	prevBidDepth float64
	prevAskDepth float64
	bidPressure  float64
	askPressure  float64

	// trailing window for absorption detection
	mids        []float64
	aggressions []float64
}

// NewAnalyzer creates an analyzer with the given configuration.
func NewAnalyzer(cfg Config) *Analyzer {
	return &Analyzer{cfg: cfg, history: make(map[string]*symbolHistory)}
}

// Analyze produces the derived record for one snapshot.
func (a *Analyzer) Analyze(book *exchange.OrderBook) (*Analysis, error) {
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return nil, exchange.ErrEmptyMarketData
	}

	k := a.cfg.DepthLevels
	bids := topLevels(book.Bids, k)
	asks := topLevels(book.Asks, k)

	bidDepth := totalSize(bids)
	askDepth := totalSize(asks)
	mid := book.MidPrice()

	out := &Analysis{Symbol: book.Symbol, MidPrice: mid}

	// Imbalance over the top-K window
	if bidDepth+askDepth > 0 {
		out.Imbalance = (bidDepth - askDepth) / (bidDepth + askDepth)
	}

	// Spread as a percentage of mid
	bid, _ := book.BestBid()
	ask, _ := book.BestAsk()
	if mid > 0 {
		out.SpreadPct = (ask.Price - bid.Price) / mid * 100
	}

	// Liquidity score: monotone with a saturation knee at cfg.LiquidityKnee
	depth := bidDepth + askDepth
	out.LiquidityScore = 100 * depth / (depth + a.cfg.LiquidityKnee)

	// Walls
	out.NearestBidWall = nearestWall(bids, mid, a.cfg.WallMultiplier)
	out.NearestAskWall = nearestWall(asks, mid, a.cfg.WallMultiplier)

	// Low-volume node
	out.LowVolumeNode = findLVN(bids, asks, a.cfg.VacuumFraction)

	a.mu.Lock()
	hist := a.history[book.Symbol]
	if hist == nil {
		hist = &symbolHistory{bidPressure: 0.5, askPressure: 0.5}
		a.history[book.Symbol] = hist
	}
	a.updatePressure(hist, bidDepth, askDepth)
	out.BidPressure = hist.bidPressure
	out.AskPressure = hist.askPressure

	out.AggressionScore = a.aggression(hist, bidDepth, askDepth)
	out.State = a.classify(out, hist)
	out.BreakoutConfirmed = secondDrive(hist.prevState, out.State)
	out.AbsorptionDetect = a.absorption(hist, mid, out.AggressionScore)

	hist.prevState = out.State
	hist.prevBidDepth = bidDepth
	hist.prevAskDepth = askDepth
	a.mu.Unlock()

	return out, nil
}

// Reset drops accumulated history for a symbol (used by backtests).
func (a *Analyzer) Reset(symbol string) {
	a.mu.Lock()
	delete(a.history, symbol)
	a.mu.Unlock()
}

// updatePressure smooths the depth ratio into bid/ask pressure that always
// sums to 1.
func (a *Analyzer) updatePressure(h *symbolHistory, bidDepth, askDepth float64) {
	total := bidDepth + askDepth
	if total <= 0 {
		return
	}
	alpha := a.cfg.PressureAlpha
	instant := bidDepth / total
	h.bidPressure = alpha*instant + (1-alpha)*h.bidPressure
	h.askPressure = 1 - h.bidPressure
}

// aggression estimates which side is consuming liquidity by comparing
// per-side depth against the previous tick. Positive = buyers lifting asks.
func (a *Analyzer) aggression(h *symbolHistory, bidDepth, askDepth float64) float64 {
	if h.prevBidDepth <= 0 || h.prevAskDepth <= 0 {
		return 0
	}
	// Depth removed from a side signals aggressive flow against it.
	askConsumed := (h.prevAskDepth - askDepth) / h.prevAskDepth
	bidConsumed := (h.prevBidDepth - bidDepth) / h.prevBidDepth
	score := askConsumed - bidConsumed
	return clamp(score, -1, 1)
}

func (a *Analyzer) classify(out *Analysis, h *symbolHistory) MarketState {
	absImb := math.Abs(out.Imbalance)

	if absImb >= a.cfg.StrongImbalance {
		// Require pressure to agree with the imbalance sign.
		if out.Imbalance > 0 && out.BidPressure >= 0.5 {
			return StateImbalancedUp
		}
		if out.Imbalance < 0 && out.AskPressure >= 0.5 {
			return StateImbalancedDn
		}
	}

	recentBreakout := h.prevState == StateImbalancedUp || h.prevState == StateImbalancedDn
	if absImb < a.cfg.WeakImbalance && out.SpreadPct < a.cfg.TightSpreadPct && !recentBreakout {
		return StateConsolidation
	}
	return StateBalanced
}

// secondDrive reports two consecutive imbalanced ticks in the same
// direction.
func secondDrive(prev, curr MarketState) bool {
	return (curr == StateImbalancedUp || curr == StateImbalancedDn) && prev == curr
}

// absorption detects heavy one-sided aggression with the mid failing to
// move beyond epsilon over the trailing window. A reversal precursor.
func (a *Analyzer) absorption(h *symbolHistory, mid, aggression float64) bool {
	h.mids = append(h.mids, mid)
	h.aggressions = append(h.aggressions, aggression)
	if len(h.mids) > a.cfg.AbsorptionTicks {
		h.mids = h.mids[1:]
		h.aggressions = h.aggressions[1:]
	}
	if len(h.mids) < a.cfg.AbsorptionTicks {
		return false
	}

	lo, hi := h.mids[0], h.mids[0]
	sumAgg := 0.0
	for i, m := range h.mids {
		if m < lo {
			lo = m
		}
		if m > hi {
			hi = m
		}
		sumAgg += h.aggressions[i]
	}
	if lo <= 0 {
		return false
	}
	priceRange := (hi - lo) / lo
	avgAgg := math.Abs(sumAgg) / float64(len(h.aggressions))

	return avgAgg > 0.3 && priceRange < a.cfg.AbsorptionEps
}

// nearestWall reports the level closest to mid whose size is at least
// multiplier times the mean of its neighbours, or nil.
func nearestWall(levels []exchange.BookLevel, mid, multiplier float64) *Wall {
	if len(levels) < 3 || mid <= 0 {
		return nil
	}

	var best *Wall
	for i, lvl := range levels {
		mean := neighbourMean(levels, i)
		if mean <= 0 || lvl.Size < mean*multiplier {
			continue
		}
		dist := math.Abs(lvl.Price-mid) / mid * 100
		if best == nil || dist < best.DistancePct {
			best = &Wall{Price: lvl.Price, Size: lvl.Size, DistancePct: dist}
		}
	}
	return best
}

func neighbourMean(levels []exchange.BookLevel, idx int) float64 {
	sum, n := 0.0, 0
	for i, lvl := range levels {
		if i == idx {
			continue
		}
		sum += lvl.Size
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// findLVN locates the widest run of levels whose size is below fraction of
// the book-side average.
func findLVN(bids, asks []exchange.BookLevel, fraction float64) *LVN {
	all := append(append([]exchange.BookLevel{}, bids...), asks...)
	if len(all) < 4 {
		return nil
	}
	avg := totalSize(all) / float64(len(all))
	threshold := avg * fraction

	var best *LVN
	var runStart = -1
	scan := func(levels []exchange.BookLevel) {
		runStart = -1
		for i, lvl := range levels {
			if lvl.Size < threshold {
				if runStart < 0 {
					runStart = i
				}
				continue
			}
			if runStart >= 0 && i-runStart >= 2 {
				candidate := lvnFromRun(levels[runStart:i])
				if best == nil || candidate.AvgSize < best.AvgSize {
					best = candidate
				}
			}
			runStart = -1
		}
		if runStart >= 0 && len(levels)-runStart >= 2 {
			candidate := lvnFromRun(levels[runStart:])
			if best == nil || candidate.AvgSize < best.AvgSize {
				best = candidate
			}
		}
	}
	scan(bids)
	scan(asks)
	return best
}

func lvnFromRun(run []exchange.BookLevel) *LVN {
	lo, hi := run[0].Price, run[0].Price
	sum := 0.0
	for _, lvl := range run {
		if lvl.Price < lo {
			lo = lvl.Price
		}
		if lvl.Price > hi {
			hi = lvl.Price
		}
		sum += lvl.Size
	}
	return &LVN{PriceLow: lo, PriceHigh: hi, AvgSize: sum / float64(len(run))}
}

func topLevels(levels []exchange.BookLevel, k int) []exchange.BookLevel {
	if k > 0 && len(levels) > k {
		return levels[:k]
	}
	return levels
}

func totalSize(levels []exchange.BookLevel) float64 {
	sum := 0.0
	for _, lvl := range levels {
		sum += lvl.Size
	}
	return sum
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
