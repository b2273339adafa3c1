package orderbook

import "perp-trading-agent/internal/exchange"

// LiquidityPools finds resting-liquidity clusters and vacuum zones around
// the mid price. Clusters act as magnets; vacuum zones let price travel
// fast, which raises momentum expectations for signals pointing into them.
func (a *Analyzer) LiquidityPools(book *exchange.OrderBook) *PoolAnalysis {
	out := &PoolAnalysis{}
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return out
	}

	k := a.cfg.DepthLevels
	bids := topLevels(book.Bids, k)
	asks := topLevels(book.Asks, k)

	avg := (totalSize(bids) + totalSize(asks)) / float64(len(bids)+len(asks))
	if avg <= 0 {
		return out
	}

	// Levels holding at least 2x the book average are pools.
	for _, lvl := range bids {
		if lvl.Size >= avg*2 {
			out.Pools = append(out.Pools, LiquidityPool{
				Price: lvl.Price, Size: lvl.Size, IsBid: true, Strength: lvl.Size / avg,
			})
		}
	}
	for _, lvl := range asks {
		if lvl.Size >= avg*2 {
			out.Pools = append(out.Pools, LiquidityPool{
				Price: lvl.Price, Size: lvl.Size, IsBid: false, Strength: lvl.Size / avg,
			})
		}
	}

	// Vacuum: the near half of a side holds less than VacuumFraction of the
	// average depth per level.
	out.VacuumAbove = isVacuum(asks, avg, a.cfg.VacuumFraction)
	out.VacuumBelow = isVacuum(bids, avg, a.cfg.VacuumFraction)
	return out
}

func isVacuum(levels []exchange.BookLevel, avg, fraction float64) bool {
	half := len(levels) / 2
	if half == 0 {
		return false
	}
	near := levels[:half]
	perLevel := totalSize(near) / float64(len(near))
	return perLevel < avg*fraction
}

// SupportsDirection reports whether pool analysis confirms a move in the
// given direction: vacuum ahead of the move, or a magnet pool beyond the
// mid on the target side.
func (p *PoolAnalysis) SupportsDirection(buy bool, mid float64) bool {
	if buy && p.VacuumAbove {
		return true
	}
	if !buy && p.VacuumBelow {
		return true
	}
	for _, pool := range p.Pools {
		if buy && !pool.IsBid && pool.Price > mid {
			return true
		}
		if !buy && pool.IsBid && pool.Price < mid {
			return true
		}
	}
	return false
}
