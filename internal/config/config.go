// Package config provides configuration management functionality.
//
// Configuration loading order:
// 1. Load from .env file (if present)
// 2. Load from environment variables with typed defaults
// 3. UpdateFromSettings overlays settings-database values (takes precedence)
//
// Data directory priority (highest to lowest):
// 1. the dataDirOverride argument to Load (if non-empty)
// 2. PAPER_DATA_DIR environment variable
// 3. ./data (default, relative to the working directory)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/papertrader/core/internal/settings"
)

// Config holds application configuration for the paper-trading core.
type Config struct {
	DataDir  string // base directory for all SQLite databases, always absolute
	Port     int    // HTTP server port
	LogLevel string
	DevMode  bool

	PaperTradingMode     bool            // gates the Price Oracle's simulation fallback
	DefaultWalletBalance decimal.Decimal // bootstrap cash seeded for new users
	ResetBalance         decimal.Decimal // cash balance used by resetAccount

	MaxNotionalPerOrder               decimal.Decimal
	MaxNotionalPerOrderEnabled        bool
	MaxAccountLeverage                decimal.Decimal
	MaxPositionNotionalPerSymbol      decimal.Decimal
	MaxDerivativeNotional             decimal.Decimal
	MaxSingleInstrumentConcentration  decimal.Decimal
	MinMarginBufferRatio              decimal.Decimal

	FeedMaxTickAgeMS    int
	FeedMinTickRate     float64
	FeedMinActiveTokens int

	FillTickMaxAgeSeconds int

	FillSlippageBPSEquity  int
	FillSlippageBPSFutures int
	FillSlippageBPSOptions int
	FillFeeBPS             int // brokerage/exchange fee charged per trade notional

	PrewarmInstrumentKeys []string
	IndexInstrumentKeys   []string // bootstrap-subscribed for every stream client, per §4.13

	BrokerWSURL     string
	BrokerRESTURL   string
	BrokerAPIKey    string // can be overridden by settings DB
	BrokerAPISecret string // can be overridden by settings DB

	ExecutionScanIntervalMS int // Execution Service's Fill Engine scan cadence
	MTMFlushIntervalMS      int // MTM Engine's coalesced wallet-flush cadence
	TickBusFlushIntervalMS  int // Tick Bus's coalesced subscriber-flush cadence
}

// Load reads configuration from environment variables.
func Load(dataDirOverride ...string) (*Config, error) {
	_ = godotenv.Load()

	var dataDir string
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	} else {
		dataDir = getEnv("PAPER_DATA_DIR", "")
		if dataDir == "" {
			dataDir = "./data"
		}
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		PaperTradingMode:     getEnvAsBool("PAPER_TRADING_MODE", true),
		DefaultWalletBalance: mustDecimal(getEnv("DEFAULT_WALLET_BALANCE", "1000000")),
		ResetBalance:         mustDecimal(getEnv("RESET_BALANCE", "1000000")),

		MaxNotionalPerOrder:        mustDecimal(getEnv("MAX_NOTIONAL_PER_ORDER", "500000")),
		MaxNotionalPerOrderEnabled: getEnvAsBool("MAX_NOTIONAL_PER_ORDER_ENABLED", true),
		MaxAccountLeverage:         mustDecimal(getEnv("MAX_ACCOUNT_LEVERAGE", "5")),
		MaxPositionNotionalPerSymbol:      mustDecimal(getEnv("MAX_POSITION_NOTIONAL_PER_SYMBOL", "2000000")),
		MaxDerivativeNotional:             mustDecimal(getEnv("MAX_DERIVATIVE_NOTIONAL", "3000000")),
		MaxSingleInstrumentConcentration:  mustDecimal(getEnv("MAX_SINGLE_INSTRUMENT_CONCENTRATION", "0.4")),
		MinMarginBufferRatio:              mustDecimal(getEnv("MIN_MARGIN_BUFFER_RATIO", "1.2")),

		FeedMaxTickAgeMS:    getEnvAsInt("FEED_MAX_TICK_AGE_MS", 5000),
		FeedMinTickRate:     getEnvAsFloat("FEED_MIN_TICK_RATE", 0.2),
		FeedMinActiveTokens: getEnvAsInt("FEED_MIN_ACTIVE_TOKENS", 3),

		FillTickMaxAgeSeconds: getEnvAsInt("FILL_TICK_MAX_AGE_SECONDS", 8),

		FillSlippageBPSEquity:  clampInt(getEnvAsInt("FILL_SLIPPAGE_BPS_EQUITY", 5), 5, 15),
		FillSlippageBPSFutures: clampInt(getEnvAsInt("FILL_SLIPPAGE_BPS_FUTURES", 10), 5, 15),
		FillSlippageBPSOptions: clampInt(getEnvAsInt("FILL_SLIPPAGE_BPS_OPTIONS", 15), 5, 15),
		FillFeeBPS:             getEnvAsInt("FILL_FEE_BPS", 2),

		PrewarmInstrumentKeys: splitCSV(getEnv("PREWARM_INSTRUMENT_KEYS", "")),
		IndexInstrumentKeys:   splitCSV(getEnv("INDEX_INSTRUMENT_KEYS", "NSE_INDEX|Nifty 50,NSE_INDEX|Nifty Bank,BSE_INDEX|SENSEX")),

		BrokerWSURL:     getEnv("BROKER_WS_URL", "wss://api.upstox.com/v3/feed/market-data-feed"),
		BrokerRESTURL:   getEnv("BROKER_REST_URL", "https://api.upstox.com/v2"),
		BrokerAPIKey:    getEnv("BROKER_API_KEY", ""),
		BrokerAPISecret: getEnv("BROKER_API_SECRET", ""),

		ExecutionScanIntervalMS: getEnvAsInt("EXECUTION_SCAN_INTERVAL_MS", 500),
		MTMFlushIntervalMS:      getEnvAsInt("MTM_FLUSH_INTERVAL_MS", 250),
		TickBusFlushIntervalMS:  getEnvAsInt("TICK_BUS_FLUSH_INTERVAL_MS", 25),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// UpdateFromSettings overlays settings-database values, which take
// precedence over environment variables. Empty settings values keep the
// environment-derived value as a fallback. Reads only the broker credentials
// and three Pre-Trade Risk limits (max_notional_per_order,
// max_account_leverage, min_margin_buffer_ratio); no other SettingDefaults
// key, including the Fill Engine parameters, is applied. The composition root
// calls it once at startup, so later settings changes apply on the next start.
func (c *Config) UpdateFromSettings(settingsRepo *settings.Repository) error {
	apiKey, err := settingsRepo.Get("broker_api_key")
	if err != nil {
		return fmt.Errorf("failed to get broker_api_key from settings: %w", err)
	}
	if apiKey != nil && *apiKey != "" {
		c.BrokerAPIKey = *apiKey
	}

	apiSecret, err := settingsRepo.Get("broker_api_secret")
	if err != nil {
		return fmt.Errorf("failed to get broker_api_secret from settings: %w", err)
	}
	if apiSecret != nil && *apiSecret != "" {
		c.BrokerAPISecret = *apiSecret
	}

	if v, err := settingsRepo.GetFloat("max_notional_per_order", -1); err != nil {
		return fmt.Errorf("failed to get max_notional_per_order from settings: %w", err)
	} else if v >= 0 {
		c.MaxNotionalPerOrder = decimal.NewFromFloat(v)
	}

	if v, err := settingsRepo.GetFloat("max_account_leverage", -1); err != nil {
		return fmt.Errorf("failed to get max_account_leverage from settings: %w", err)
	} else if v >= 0 {
		c.MaxAccountLeverage = decimal.NewFromFloat(v)
	}

	if v, err := settingsRepo.GetFloat("min_margin_buffer_ratio", -1); err != nil {
		return fmt.Errorf("failed to get min_margin_buffer_ratio from settings: %w", err)
	} else if v >= 0 {
		c.MinMarginBufferRatio = decimal.NewFromFloat(v)
	}

	return nil
}

// Validate checks required configuration invariants.
func (c *Config) Validate() error {
	if c.MinMarginBufferRatio.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("MIN_MARGIN_BUFFER_RATIO must be positive")
	}
	return nil
}

// ==========================================
// Helper functions
// ==========================================

// mustDecimal parses a config-supplied numeric string. Config values are
// operator-authored constants, not user input, so a parse failure is a
// deployment error surfaced at startup rather than a runtime condition.
func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Sprintf("config: invalid decimal value %q: %v", s, err))
	}
	return d
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
