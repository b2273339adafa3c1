package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"perp-trading-agent/internal/logging"
)

// DailyCounters tracks per-day trade counts and realized loss, keyed by
// UTC date. Counters survive restarts when Redis is configured; without it
// they fall back to process memory.
type DailyCounters struct {
	client *redis.Client
	logger zerolog.Logger

	mu     sync.Mutex
	day    string
	trades int
	loss   float64
}

// NewDailyCounters connects to Redis at redisURL. An empty URL or a failed
// ping degrades to the in-memory fallback.
func NewDailyCounters(ctx context.Context, redisURL string) *DailyCounters {
	dc := &DailyCounters{logger: logging.Component("cache")}
	if redisURL == "" {
		return dc
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		dc.logger.Warn().Err(err).Msg("Invalid redis url, using in-memory counters")
		return dc
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		dc.logger.Warn().Err(err).Msg("Redis unreachable, using in-memory counters")
		client.Close()
		return dc
	}

	dc.client = client
	dc.logger.Info().Msg("Redis daily counters enabled")
	return dc
}

// Close releases the Redis connection.
func (dc *DailyCounters) Close() {
	if dc.client != nil {
		dc.client.Close()
	}
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}

func (dc *DailyCounters) tradesKey() string { return "agent:daily:trades:" + today() }
func (dc *DailyCounters) lossKey() string   { return "agent:daily:loss:" + today() }

// Trades returns today's executed trade count.
func (dc *DailyCounters) Trades(ctx context.Context) int {
	if dc.client != nil {
		n, err := dc.client.Get(ctx, dc.tradesKey()).Int()
		if err == nil {
			return n
		}
		if err != redis.Nil {
			dc.logger.Warn().Err(err).Msg("Redis read failed, falling back to memory")
		}
	}
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.rollLocked()
	return dc.trades
}

// Loss returns today's cumulative realized loss (a positive number).
func (dc *DailyCounters) Loss(ctx context.Context) float64 {
	if dc.client != nil {
		v, err := dc.client.Get(ctx, dc.lossKey()).Float64()
		if err == nil {
			return v
		}
		if err != redis.Nil {
			dc.logger.Warn().Err(err).Msg("Redis read failed, falling back to memory")
		}
	}
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.rollLocked()
	return dc.loss
}

// RecordTrade increments today's trade count.
func (dc *DailyCounters) RecordTrade(ctx context.Context) {
	if dc.client != nil {
		pipe := dc.client.TxPipeline()
		pipe.Incr(ctx, dc.tradesKey())
		pipe.Expire(ctx, dc.tradesKey(), 48*time.Hour)
		if _, err := pipe.Exec(ctx); err != nil {
			dc.logger.Warn().Err(err).Msg("Redis trade count update failed")
		}
	}
	dc.mu.Lock()
	dc.rollLocked()
	dc.trades++
	dc.mu.Unlock()
}

// RecordPnL accumulates today's loss when pnl is negative.
func (dc *DailyCounters) RecordPnL(ctx context.Context, pnl float64) {
	if pnl >= 0 {
		return
	}
	loss := -pnl
	if dc.client != nil {
		pipe := dc.client.TxPipeline()
		pipe.IncrByFloat(ctx, dc.lossKey(), loss)
		pipe.Expire(ctx, dc.lossKey(), 48*time.Hour)
		if _, err := pipe.Exec(ctx); err != nil {
			dc.logger.Warn().Err(err).Msg("Redis loss update failed")
		}
	}
	dc.mu.Lock()
	dc.rollLocked()
	dc.loss += loss
	dc.mu.Unlock()
}

// Reset clears today's counters (operator action).
func (dc *DailyCounters) Reset(ctx context.Context) {
	if dc.client != nil {
		if err := dc.client.Del(ctx, dc.tradesKey(), dc.lossKey()).Err(); err != nil {
			dc.logger.Warn().Err(err).Msg("Redis counter reset failed")
		}
	}
	dc.mu.Lock()
	dc.day = today()
	dc.trades = 0
	dc.loss = 0
	dc.mu.Unlock()
}

// rollLocked zeroes the in-memory counters when the UTC date changes.
func (dc *DailyCounters) rollLocked() {
	if d := today(); dc.day != d {
		dc.day = d
		dc.trades = 0
		dc.loss = 0
	}
}

// String summarizes current counters for logs.
func (dc *DailyCounters) String() string {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return fmt.Sprintf("trades=%d loss=%.2f", dc.trades, dc.loss)
}
