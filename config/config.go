package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the root configuration for the trading agent.
type Config struct {
	ExchangeConfig ExchangeConfig `json:"exchange"`
	LLMConfig      LLMConfig      `json:"llm"`
	TradingConfig  TradingConfig  `json:"trading"`
	RiskConfig     RiskConfig     `json:"risk"`
	SystemConfig   SystemConfig   `json:"system"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	ServerConfig   ServerConfig   `json:"server"`
}

// ExchangeConfig holds derivatives venue API configuration
type ExchangeConfig struct {
	APIURL        string `json:"api_url"`
	APIKey        string `json:"api_key"`
	SecretKey     string `json:"secret_key"`
	WalletAddress string `json:"wallet_address"`
}

// LLMConfig holds LLM provider configuration
type LLMConfig struct {
	Provider    string  `json:"provider"` // "openai", "deepseek", or "anthropic"
	Model       string  `json:"model"`
	APIKey      string  `json:"api_key"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// TradingConfig holds symbol set and decision parameters
type TradingConfig struct {
	Symbols             []string `json:"symbols"`
	Interval            string   `json:"interval"`    // tick cadence, e.g. "30s", "1m"
	BaseSymbol          string   `json:"base_symbol"` // Deprecated: use Symbols
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	StartingBalance     float64  `json:"starting_balance"`
	PositionSizePercent float64  `json:"position_size_percent"` // % of balance per trade
	MaxPositions        int      `json:"max_positions"`
	DefaultLeverage     int      `json:"default_leverage"`
	MaxLeverage         int      `json:"max_leverage"`
	StrategyMode        string   `json:"strategy_mode"` // ORDER_BOOK, LLM_ONLY, HYBRID, WAVE_SURFING
	Contrarian          bool     `json:"contrarian"`    // invert BUY/SELL after synthesis
	TakerFeeRate        float64  `json:"taker_fee_rate"`
}

// RiskConfig holds stop/target and daily limit parameters
type RiskConfig struct {
	StopLossPercent   float64 `json:"stop_loss_percent"`
	TakeProfitPercent float64 `json:"take_profit_percent"`
	MaxDailyTrades    int     `json:"max_daily_trades"`
	MaxDailyLoss      float64 `json:"max_daily_loss"` // absolute quote-currency amount
}

// SystemConfig holds process-level settings
type SystemConfig struct {
	LogLevel          string `json:"log_level"`
	LogDir            string `json:"log_dir"`
	EnableLiveTrading bool   `json:"enable_live_trading"`
	DryRun            bool   `json:"dry_run"`
	EnableScheduler   bool   `json:"enable_scheduler"`
	SchedulerCron     string `json:"scheduler_cron"`
	TradingStartHour  int    `json:"trading_start_hour"`
	TradingEndHour    int    `json:"trading_end_hour"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for daily counters
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// ValidStrategyModes enumerates accepted STRATEGY_MODE values
var ValidStrategyModes = []string{"ORDER_BOOK", "LLM_ONLY", "HYBRID", "WAVE_SURFING"}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first if present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces startup invariants. Failures here are fatal.
func (c *Config) Validate() error {
	mode := strings.ToUpper(c.TradingConfig.StrategyMode)
	valid := false
	for _, m := range ValidStrategyModes {
		if mode == m {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("unrecognized strategy mode %q (valid: %s)",
			c.TradingConfig.StrategyMode, strings.Join(ValidStrategyModes, ", "))
	}
	c.TradingConfig.StrategyMode = mode

	if c.SystemConfig.EnableLiveTrading {
		if c.ExchangeConfig.APIKey == "" || c.ExchangeConfig.SecretKey == "" {
			return fmt.Errorf("live trading enabled but EXCHANGE_API_KEY/EXCHANGE_SECRET_KEY are not set")
		}
	}

	if len(c.TradingConfig.Symbols) == 0 {
		// Fall back to the deprecated single-symbol knob
		if c.TradingConfig.BaseSymbol != "" {
			c.TradingConfig.Symbols = []string{c.TradingConfig.BaseSymbol}
		} else {
			return fmt.Errorf("no trading symbols configured (set TRADING_SYMBOLS)")
		}
	}

	if c.TradingConfig.DefaultLeverage < 1 {
		c.TradingConfig.DefaultLeverage = 1
	}
	if c.TradingConfig.MaxLeverage < c.TradingConfig.DefaultLeverage {
		c.TradingConfig.MaxLeverage = c.TradingConfig.DefaultLeverage
	}
	return nil
}

// TickInterval parses the configured tick cadence. Sub-minute cadences are
// supported for the loop; the market data provider normalizes candle
// intervals separately.
func (c *Config) TickInterval() time.Duration {
	d, err := time.ParseDuration(normalizeInterval(c.TradingConfig.Interval))
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

func normalizeInterval(interval string) string {
	if interval == "" {
		return "1m"
	}
	switch {
	case strings.HasSuffix(interval, "s"),
		strings.HasSuffix(interval, "m"),
		strings.HasSuffix(interval, "h"):
		return interval
	default:
		return interval + "m"
	}
}

func applyEnv(cfg *Config) {
	// Exchange config
	cfg.ExchangeConfig.APIURL = getEnvOrDefault("EXCHANGE_API_URL", "https://api.hyperliquid.xyz")
	cfg.ExchangeConfig.APIKey = getEnvOrDefault("EXCHANGE_API_KEY", "")
	cfg.ExchangeConfig.SecretKey = getEnvOrDefault("EXCHANGE_SECRET_KEY", "")
	cfg.ExchangeConfig.WalletAddress = getEnvOrDefault("WALLET_ADDRESS", "")

	// LLM config
	cfg.LLMConfig.Provider = getEnvOrDefault("LLM_PROVIDER", "deepseek")
	cfg.LLMConfig.Model = getEnvOrDefault("LLM_MODEL", "deepseek-chat")
	cfg.LLMConfig.APIKey = getEnvOrDefault("LLM_API_KEY", "")
	cfg.LLMConfig.Temperature = getEnvFloatOrDefault("LLM_TEMPERATURE", 0.3)
	cfg.LLMConfig.MaxTokens = getEnvIntOrDefault("LLM_MAX_TOKENS", 1024)

	// Trading config
	cfg.TradingConfig.Symbols = getEnvListOrDefault("TRADING_SYMBOLS", []string{"BTC"})
	cfg.TradingConfig.Interval = getEnvOrDefault("TRADING_INTERVAL", "1m")
	cfg.TradingConfig.BaseSymbol = getEnvOrDefault("BASE_SYMBOL", "")
	cfg.TradingConfig.ConfidenceThreshold = getEnvFloatOrDefault("CONFIDENCE_THRESHOLD", 0.70)
	cfg.TradingConfig.StartingBalance = getEnvFloatOrDefault("STARTING_BALANCE", 100.0)
	cfg.TradingConfig.PositionSizePercent = getEnvFloatOrDefault("POSITION_SIZE_PERCENT", 10.0)
	cfg.TradingConfig.MaxPositions = getEnvIntOrDefault("MAX_POSITIONS", 3)
	cfg.TradingConfig.DefaultLeverage = getEnvIntOrDefault("DEFAULT_LEVERAGE", 20)
	cfg.TradingConfig.MaxLeverage = getEnvIntOrDefault("MAX_LEVERAGE", 50)
	cfg.TradingConfig.StrategyMode = getEnvOrDefault("STRATEGY_MODE", "ORDER_BOOK")
	cfg.TradingConfig.Contrarian = getEnvOrDefault("CONTRARIAN", "false") == "true"
	cfg.TradingConfig.TakerFeeRate = getEnvFloatOrDefault("TAKER_FEE_RATE", 0.00045)

	// Risk config
	cfg.RiskConfig.StopLossPercent = getEnvFloatOrDefault("STOP_LOSS_PERCENT", 1.0)
	cfg.RiskConfig.TakeProfitPercent = getEnvFloatOrDefault("TAKE_PROFIT_PERCENT", 2.0)
	cfg.RiskConfig.MaxDailyTrades = getEnvIntOrDefault("MAX_DAILY_TRADES", 15)
	cfg.RiskConfig.MaxDailyLoss = getEnvFloatOrDefault("MAX_DAILY_LOSS", 10.0)

	// System config
	cfg.SystemConfig.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.SystemConfig.LogDir = getEnvOrDefault("LOG_DIR", "logs")
	cfg.SystemConfig.EnableLiveTrading = getEnvOrDefault("ENABLE_LIVE_TRADING", "false") == "true"
	cfg.SystemConfig.DryRun = getEnvOrDefault("DRY_RUN", "true") == "true"
	cfg.SystemConfig.EnableScheduler = getEnvOrDefault("ENABLE_SCHEDULER", "false") == "true"
	cfg.SystemConfig.SchedulerCron = getEnvOrDefault("SCHEDULER_CRON", "* * * * *")
	cfg.SystemConfig.TradingStartHour = getEnvIntOrDefault("TRADING_START_HOUR", 0)
	cfg.SystemConfig.TradingEndHour = getEnvIntOrDefault("TRADING_END_HOUR", 24)

	// Database config
	cfg.DatabaseConfig.Enabled = getEnvOrDefault("DB_ENABLED", "true") == "true"
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", "localhost")
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", 5432)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", "trader")
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", "")
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", "perp_agent")
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "false") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", "localhost:6379")
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", "")
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)

	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", 8080)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
