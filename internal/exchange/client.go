package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout  = 30 * time.Second
	maxRetries      = 3
	requestsPerSec  = 10
	requestBurst    = 20
	breakerFailures = 5
)

// RESTClient talks to the venue's REST API. Every call is paced by a rate
// limiter and guarded by a circuit breaker; transient failures are retried
// with exponential backoff before surfacing as RetriableError.
type RESTClient struct {
	baseURL    string
	apiKey     string
	secretKey  string
	wallet     string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
}

// NewRESTClient creates a venue REST client.
func NewRESTClient(baseURL, apiKey, secretKey, wallet string) *RESTClient {
	settings := gobreaker.Settings{
		Name:    "exchange",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
	}
	return &RESTClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		secretKey:  secretKey,
		wallet:     wallet,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSec), requestBurst),
		breaker:    gobreaker.NewCircuitBreaker(settings),
	}
}

var _ Client = (*RESTClient)(nil)

// supportedIntervals are the candle intervals the venue exposes. Anything
// below one minute is normalized up to "1m".
var supportedIntervals = map[string]bool{
	"1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "8h": true, "12h": true,
	"1d": true,
}

// NormalizeInterval maps a requested interval onto one the venue supports.
func NormalizeInterval(interval string) string {
	if supportedIntervals[interval] {
		return interval
	}
	if strings.HasSuffix(interval, "s") {
		return "1m"
	}
	return "1m"
}

// ==================== MARKET DATA ====================

func (c *RESTClient) GetMarkets(ctx context.Context) ([]Market, error) {
	var out []Market
	if err := c.get(ctx, "/v1/markets", nil, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrEmptyMarketData
	}
	return out, nil
}

func (c *RESTClient) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", NormalizeInterval(interval))
	params.Set("limit", strconv.Itoa(limit))

	var raw []rawCandle
	if err := c.get(ctx, "/v1/candles", params, &raw); err != nil {
		return nil, err
	}
	return decodeCandles(raw)
}

func (c *RESTClient) GetHistoricalCandles(ctx context.Context, symbol, interval string, from, to time.Time) ([]Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", NormalizeInterval(interval))
	params.Set("startTime", strconv.FormatInt(from.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(to.UnixMilli(), 10))

	var raw []rawCandle
	if err := c.get(ctx, "/v1/candles", params, &raw); err != nil {
		return nil, err
	}
	return decodeCandles(raw)
}

func (c *RESTClient) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var out struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := c.get(ctx, "/v1/ticker", params, &out); err != nil {
		return 0, err
	}
	price, err := strconv.ParseFloat(out.Price, 64)
	if err != nil || price <= 0 {
		return 0, &PermanentError{Op: "GetTickerPrice", Err: fmt.Errorf("bad price %q", out.Price)}
	}
	return price, nil
}

func (c *RESTClient) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("depth", strconv.Itoa(depth))

	var raw struct {
		Bids [][2]string `json:"bids"`
		Asks [][2]string `json:"asks"`
		Time int64       `json:"time"`
	}
	if err := c.get(ctx, "/v1/orderbook", params, &raw); err != nil {
		return nil, err
	}
	if len(raw.Bids) == 0 && len(raw.Asks) == 0 {
		return nil, ErrEmptyMarketData
	}

	book := &OrderBook{
		Symbol:    symbol,
		Bids:      make([]BookLevel, 0, len(raw.Bids)),
		Asks:      make([]BookLevel, 0, len(raw.Asks)),
		Timestamp: time.UnixMilli(raw.Time),
	}
	for _, lvl := range raw.Bids {
		l, err := decodeLevel(lvl)
		if err != nil {
			return nil, &PermanentError{Op: "GetOrderBook", Err: err}
		}
		book.Bids = append(book.Bids, l)
	}
	for _, lvl := range raw.Asks {
		l, err := decodeLevel(lvl)
		if err != nil {
			return nil, &PermanentError{Op: "GetOrderBook", Err: err}
		}
		book.Asks = append(book.Asks, l)
	}

	sort.Slice(book.Bids, func(i, j int) bool { return book.Bids[i].Price > book.Bids[j].Price })
	sort.Slice(book.Asks, func(i, j int) bool { return book.Asks[i].Price < book.Asks[j].Price })
	return book, nil
}

func (c *RESTClient) GetBestBidAsk(ctx context.Context, symbol string) (*BestBidAsk, error) {
	book, err := c.GetOrderBook(ctx, symbol, 1)
	if err != nil {
		return nil, err
	}
	bid, okB := book.BestBid()
	ask, okA := book.BestAsk()
	if !okB || !okA {
		return nil, ErrEmptyMarketData
	}
	return &BestBidAsk{Symbol: symbol, Bid: bid.Price, Ask: ask.Price}, nil
}

// ==================== TRADING ====================

func (c *RESTClient) PlaceOrder(ctx context.Context, params OrderParams) (*OrderResponse, error) {
	if params.TimeInForce == "" {
		params.TimeInForce = "IOC"
	}
	var out OrderResponse
	if err := c.post(ctx, "/v1/order", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RESTClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	body := map[string]interface{}{"symbol": symbol, "leverage": leverage}
	return c.post(ctx, "/v1/leverage", body, nil)
}

// ==================== ACCOUNT ====================

func (c *RESTClient) GetAccount(ctx context.Context) (*Account, error) {
	params := url.Values{}
	if c.wallet != "" {
		params.Set("wallet", c.wallet)
	}
	var out Account
	if err := c.get(ctx, "/v1/account", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ==================== TRANSPORT ====================

func (c *RESTClient) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, params, nil, out)
}

func (c *RESTClient) post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

func (c *RESTClient) do(ctx context.Context, method, path string, params url.Values, body, out interface{}) error {
	op := method + " " + path

	attempt := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.doOnce(ctx, method, path, params, body, out)
		})
		if err == nil {
			return nil
		}
		if IsRetriable(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (c *RESTClient) doOnce(ctx context.Context, method, path string, params url.Values, body, out interface{}) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &PermanentError{Op: path, Err: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return &PermanentError{Op: path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
		req.Header.Set("X-API-Signature", c.sign(method, path))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RetriableError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RetriableError{Op: path, Err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		return &RetriableError{Op: path, Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data))}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &PermanentError{Op: path, Err: fmt.Errorf("authentication failed (status %d)", resp.StatusCode)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RetriableError{Op: path, Err: fmt.Errorf("rate limited")}
	case resp.StatusCode >= 400:
		return &PermanentError{Op: path, Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data))}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &PermanentError{Op: path, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

// sign produces the request signature header. The venue uses an HMAC of
// method+path keyed by the API secret; wallet-based venues ignore it.
func (c *RESTClient) sign(method, path string) string {
	if c.secretKey == "" {
		return ""
	}
	// Deterministic lightweight signature; real deployments swap in the
	// venue SDK's signer here.
	sum := 0
	for _, b := range []byte(method + path + c.secretKey) {
		sum = sum*31 + int(b)
	}
	return strconv.Itoa(sum)
}

func truncate(data []byte) string {
	const max = 200
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}

// ==================== DECODING ====================

type rawCandle struct {
	Time   int64  `json:"t"`
	Open   string `json:"o"`
	High   string `json:"h"`
	Low    string `json:"l"`
	Close  string `json:"c"`
	Volume string `json:"v"`
}

func decodeCandles(raw []rawCandle) ([]Candle, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyMarketData
	}
	candles := make([]Candle, 0, len(raw))
	for _, r := range raw {
		c, err := r.decode()
		if err != nil {
			return nil, &PermanentError{Op: "GetCandles", Err: err}
		}
		candles = append(candles, c)
	}
	// The venue occasionally returns bars out of order; the core assumes
	// ascending timestamps.
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].OpenTime.Before(candles[j].OpenTime)
	})
	return candles, nil
}

func (r rawCandle) decode() (Candle, error) {
	parse := func(s, field string) (float64, error) {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("bad candle %s %q", field, s)
		}
		return v, nil
	}
	var c Candle
	var err error
	c.OpenTime = time.UnixMilli(r.Time)
	if c.Open, err = parse(r.Open, "open"); err != nil {
		return c, err
	}
	if c.High, err = parse(r.High, "high"); err != nil {
		return c, err
	}
	if c.Low, err = parse(r.Low, "low"); err != nil {
		return c, err
	}
	if c.Close, err = parse(r.Close, "close"); err != nil {
		return c, err
	}
	if c.Volume, err = parse(r.Volume, "volume"); err != nil {
		return c, err
	}
	return c, nil
}

func decodeLevel(lvl [2]string) (BookLevel, error) {
	price, err := strconv.ParseFloat(lvl[0], 64)
	if err != nil {
		return BookLevel{}, fmt.Errorf("bad level price %q", lvl[0])
	}
	size, err := strconv.ParseFloat(lvl[1], 64)
	if err != nil {
		return BookLevel{}, fmt.Errorf("bad level size %q", lvl[1])
	}
	return BookLevel{Price: price, Size: size}, nil
}
