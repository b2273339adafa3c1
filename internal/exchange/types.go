package exchange

import "time"

// Side is the direction of an order or position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Candle is a single OHLCV bar. Candles are always delivered sorted by
// OpenTime ascending.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// BookLevel is one price level of the order book.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook is an L2 snapshot. Bids are sorted descending by price, asks
// ascending.
type OrderBook struct {
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

// BestBid returns the top bid level, or false when the book side is empty.
func (ob *OrderBook) BestBid() (BookLevel, bool) {
	if len(ob.Bids) == 0 {
		return BookLevel{}, false
	}
	return ob.Bids[0], true
}

// BestAsk returns the top ask level, or false when the book side is empty.
func (ob *OrderBook) BestAsk() (BookLevel, bool) {
	if len(ob.Asks) == 0 {
		return BookLevel{}, false
	}
	return ob.Asks[0], true
}

// MidPrice returns (bid+ask)/2, or 0 when either side is empty.
func (ob *OrderBook) MidPrice() float64 {
	bid, okB := ob.BestBid()
	ask, okA := ob.BestAsk()
	if !okB || !okA {
		return 0
	}
	return (bid.Price + ask.Price) / 2
}

// BestBidAsk is the top of book.
type BestBidAsk struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
}

// AccountPosition is an exchange-side open position.
type AccountPosition struct {
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Quantity   float64 `json:"quantity"`
	EntryPrice float64 `json:"entry_price"`
	Leverage   int     `json:"leverage"`
	Unrealized float64 `json:"unrealized_pnl"`
}

// Account is the venue account snapshot.
type Account struct {
	Balance   float64           `json:"balance"`
	Available float64           `json:"available"`
	Positions []AccountPosition `json:"positions"`
}

// OrderParams describes an order to be placed.
type OrderParams struct {
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Quantity   float64 `json:"quantity"` // base units
	Price      float64 `json:"price"`    // limit price
	UseLimit   bool    `json:"use_limit"`
	ReduceOnly bool    `json:"reduce_only"`
	// TimeInForce is IOC for all entry orders placed by the gateway.
	TimeInForce string `json:"time_in_force"`
}

// OrderResponse is the venue's answer to a placed order.
type OrderResponse struct {
	OrderID    string  `json:"order_id"`
	Status     string  `json:"status"` // FILLED, PARTIAL, REJECTED, EXPIRED
	FilledQty  float64 `json:"filled_qty"`
	AvgPrice   float64 `json:"avg_price"`
	Fee        float64 `json:"fee"`
	RejectText string  `json:"reject_text,omitempty"`
}

// Filled reports whether the order got any fill at all.
func (r *OrderResponse) Filled() bool {
	return r.FilledQty > 0 && (r.Status == "FILLED" || r.Status == "PARTIAL")
}

// Market describes one tradable perpetual contract.
type Market struct {
	Symbol      string  `json:"symbol"`
	MaxLeverage int     `json:"max_leverage"`
	SizeStep    float64 `json:"size_step"`
	PriceStep   float64 `json:"price_step"`
}
