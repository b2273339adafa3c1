package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.TradingConfig.StrategyMode = "ORDER_BOOK"
	cfg.TradingConfig.Symbols = []string{"BTC"}
	cfg.TradingConfig.DefaultLeverage = 20
	cfg.TradingConfig.MaxLeverage = 50
	return cfg
}

func TestValidateAcceptsKnownModes(t *testing.T) {
	for _, mode := range ValidStrategyModes {
		cfg := validConfig()
		cfg.TradingConfig.StrategyMode = mode
		assert.NoError(t, cfg.Validate(), mode)
	}
}

func TestValidateNormalizesModeCase(t *testing.T) {
	cfg := validConfig()
	cfg.TradingConfig.StrategyMode = "hybrid"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "HYBRID", cfg.TradingConfig.StrategyMode)
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := validConfig()
	cfg.TradingConfig.StrategyMode = "YOLO"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "YOLO")
}

func TestValidateLiveTradingNeedsKeys(t *testing.T) {
	cfg := validConfig()
	cfg.SystemConfig.EnableLiveTrading = true
	assert.Error(t, cfg.Validate())

	cfg.ExchangeConfig.APIKey = "k"
	cfg.ExchangeConfig.SecretKey = "s"
	assert.NoError(t, cfg.Validate())
}

func TestValidateSymbolFallback(t *testing.T) {
	cfg := validConfig()
	cfg.TradingConfig.Symbols = nil
	cfg.TradingConfig.BaseSymbol = "ETH"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"ETH"}, cfg.TradingConfig.Symbols)

	cfg = validConfig()
	cfg.TradingConfig.Symbols = nil
	assert.Error(t, cfg.Validate(), "no symbols at all must fail")
}

func TestValidateLeverageFloors(t *testing.T) {
	cfg := validConfig()
	cfg.TradingConfig.DefaultLeverage = 0
	cfg.TradingConfig.MaxLeverage = 0
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.TradingConfig.DefaultLeverage)
	assert.Equal(t, 1, cfg.TradingConfig.MaxLeverage)
}

func TestTickInterval(t *testing.T) {
	cases := []struct {
		interval string
		want     time.Duration
	}{
		{"30s", 30 * time.Second},
		{"1m", time.Minute},
		{"5", 5 * time.Minute}, // bare numbers are minutes
		{"2h", 2 * time.Hour},
		{"", time.Minute},
		{"garbage", time.Minute},
	}
	for _, tc := range cases {
		cfg := validConfig()
		cfg.TradingConfig.Interval = tc.interval
		assert.Equal(t, tc.want, cfg.TickInterval(), "interval %q", tc.interval)
	}
}
