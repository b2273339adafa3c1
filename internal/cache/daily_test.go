package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInMemoryFallback(t *testing.T) {
	ctx := context.Background()
	dc := NewDailyCounters(ctx, "")

	assert.Equal(t, 0, dc.Trades(ctx))
	assert.InDelta(t, 0, dc.Loss(ctx), 1e-9)

	dc.RecordTrade(ctx)
	dc.RecordTrade(ctx)
	assert.Equal(t, 2, dc.Trades(ctx))
}

func TestLossAccumulatesOnlyNegativePnL(t *testing.T) {
	ctx := context.Background()
	dc := NewDailyCounters(ctx, "")

	dc.RecordPnL(ctx, -1.5)
	dc.RecordPnL(ctx, 3.0) // wins do not offset the loss counter
	dc.RecordPnL(ctx, -0.5)
	assert.InDelta(t, 2.0, dc.Loss(ctx), 1e-9)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	dc := NewDailyCounters(ctx, "")

	dc.RecordTrade(ctx)
	dc.RecordPnL(ctx, -4)
	dc.Reset(ctx)
	assert.Equal(t, 0, dc.Trades(ctx))
	assert.InDelta(t, 0, dc.Loss(ctx), 1e-9)
}

func TestInvalidRedisURLDegrades(t *testing.T) {
	ctx := context.Background()
	dc := NewDailyCounters(ctx, "not-a-url")
	dc.RecordTrade(ctx)
	assert.Equal(t, 1, dc.Trades(ctx))
	assert.Equal(t, "trades=1 loss=0.00", dc.String())
}
