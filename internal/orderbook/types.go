package orderbook

// MarketState classifies the book's current posture.
type MarketState string

const (
	StateConsolidation MarketState = "CONSOLIDATION"
	StateImbalancedUp  MarketState = "IMBALANCED_UP"
	StateImbalancedDn  MarketState = "IMBALANCED_DOWN"
	StateBalanced      MarketState = "BALANCED"
)

// Wall is a single level whose size dwarfs its neighbours.
type Wall struct {
	Price       float64 `json:"price"`
	Size        float64 `json:"size"`
	DistancePct float64 `json:"distance_pct"` // |price - mid| / mid * 100
}

// LVN is a low-volume node: a gap where depth is far below the local
// average. Price tends to move fast through it.
type LVN struct {
	PriceLow  float64 `json:"price_low"`
	PriceHigh float64 `json:"price_high"`
	AvgSize   float64 `json:"avg_size"`
}

// Analysis is the derived per-tick order-book record.
type Analysis struct {
	Symbol string `json:"symbol"`

	Imbalance float64 `json:"imbalance"` // [-1, 1]
	SpreadPct float64 `json:"spread_pct"`
	MidPrice  float64 `json:"mid_price"`

	BidPressure float64 `json:"bid_pressure"` // [0,1], bid+ask = 1
	AskPressure float64 `json:"ask_pressure"`

	LiquidityScore float64 `json:"liquidity_score"` // [0, 100]

	NearestBidWall *Wall `json:"nearest_bid_wall,omitempty"`
	NearestAskWall *Wall `json:"nearest_ask_wall,omitempty"`

	State             MarketState `json:"state"`
	AggressionScore   float64     `json:"aggression_score"` // [-1, 1]
	AbsorptionDetect  bool        `json:"absorption_detected"`
	BreakoutConfirmed bool        `json:"breakout_confirmed"`

	LowVolumeNode *LVN `json:"low_volume_node,omitempty"`
}

// LiquidityPool is a cluster of resting liquidity that acts as a price
// magnet.
type LiquidityPool struct {
	Price    float64 `json:"price"`
	Size     float64 `json:"size"`
	IsBid    bool    `json:"is_bid"`
	Strength float64 `json:"strength"` // size relative to book average
}

// PoolAnalysis summarizes magnets and vacuum zones around the mid price.
type PoolAnalysis struct {
	Pools       []LiquidityPool `json:"pools"`
	VacuumAbove bool            `json:"vacuum_above"`
	VacuumBelow bool            `json:"vacuum_below"`
}

// Config tunes the analyzer.
type Config struct {
	DepthLevels     int     // top-K levels per side
	WallMultiplier  float64 // level size >= M x neighbour mean
	WeakImbalance   float64 // |imbalance| below this is weak
	StrongImbalance float64 // |imbalance| at/above this is imbalanced
	TightSpreadPct  float64 // spread below this counts as tight
	LiquidityKnee   float64 // depth at which the score reaches 50
	AbsorptionEps   float64 // max relative price move for absorption
	AbsorptionTicks int     // window length for absorption detection
	PressureAlpha   float64 // EMA smoothing for pressure
	VacuumFraction  float64 // depth below this fraction of average = vacuum
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DepthLevels:     20,
		WallMultiplier:  4.0,
		WeakImbalance:   0.15,
		StrongImbalance: 0.30,
		TightSpreadPct:  0.02,
		LiquidityKnee:   50.0,
		AbsorptionEps:   0.0005,
		AbsorptionTicks: 5,
		PressureAlpha:   0.3,
		VacuumFraction:  0.25,
	}
}
