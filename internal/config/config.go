// Package config defines the top-level configuration for the trading engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRADER_* environment variables.
type Config struct {
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
	AccountID string          `toml:"account_id"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	Binance   BinanceConfig   `toml:"binance"`
	Trading   TradingConfig   `toml:"trading"`
	Sweeper   SweeperConfig   `toml:"sweeper"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters for the event bus.
type RedisConfig struct {
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int    `toml:"stream_max_len"`
	// RetryDelaySeconds is the parking time before the single automatic
	// redelivery of a failed message.
	RetryDelaySeconds int `toml:"retry_delay_seconds"`
}

// BinanceConfig holds exchange endpoints and credentials.
type BinanceConfig struct {
	APIURL    string `toml:"api_url"`
	StreamURL string `toml:"stream_url"`
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
}

// QuoteAssetConfig holds per-quote-asset order sizing.
type QuoteAssetConfig struct {
	MinOrderSize     float64 `toml:"min_order_size"`
	DefaultBuyAmount float64 `toml:"default_buy_amount"`
}

// TradingConfig holds position and order execution parameters. Percentages
// are expressed as plain numbers (2.5 means 2.5%).
type TradingConfig struct {
	Interval              string  `toml:"interval"`
	BuyOrderType          string  `toml:"buy_order_type"`
	SellOrderType         string  `toml:"sell_order_type"`
	BuyOrderTTLSeconds    int     `toml:"buy_order_ttl_seconds"`
	SellOrderTTLSeconds   int     `toml:"sell_order_ttl_seconds"`
	CancelCooldownMinutes int     `toml:"cancel_cooldown_minutes"`
	SellWaitSeconds       int     `toml:"sell_wait_seconds"`
	TakeProfitPct         float64 `toml:"take_profit_pct"`
	ArmTrailingPct        float64 `toml:"arm_trailing_pct"`
	TrailingPct           float64 `toml:"trailing_pct"`

	Quote map[string]QuoteAssetConfig `toml:"quote"`
}

// SweeperConfig holds the periodic job cadences.
type SweeperConfig struct {
	OrderScanSeconds int `toml:"order_scan_seconds"`
	LockScanSeconds  int `toml:"lock_scan_seconds"`
	// LockTimeoutSeconds is the age past which a trader lock is considered
	// orphaned and force-cleared.
	LockTimeoutSeconds int `toml:"lock_timeout_seconds"`
}

// ArchiveConfig holds the object-storage export for closed positions and
// terminal orders.
type ArchiveConfig struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
	RetentionDays  int    `toml:"retention_days"`
	ScanMinutes    int    `toml:"scan_minutes"`
}

// ServerConfig holds the health/metrics HTTP listener parameters.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// NotifyConfig holds notification channel credentials and the event filter.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with sane defaults. Load starts from
// this and lets the TOML file and environment override.
func Defaults() Config {
	return Config{
		Mode:      "all",
		LogLevel:  "info",
		AccountID: "production",
		Postgres: PostgresConfig{
			Port:          5432,
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:              "localhost:6379",
			PoolSize:          10,
			MaxRetries:        3,
			StreamMaxLen:      10000,
			RetryDelaySeconds: 60,
		},
		Binance: BinanceConfig{
			APIURL:    "https://api.binance.com",
			StreamURL: "wss://stream.binance.com:9443",
		},
		Trading: TradingConfig{
			Interval:              "1h",
			BuyOrderType:          "MARKET",
			SellOrderType:         "MARKET",
			BuyOrderTTLSeconds:    600,
			SellOrderTTLSeconds:   600,
			CancelCooldownMinutes: 15,
			SellWaitSeconds:       60,
			TakeProfitPct:         3,
			ArmTrailingPct:        2,
			TrailingPct:           1,
			Quote: map[string]QuoteAssetConfig{
				"USDT": {MinOrderSize: 10, DefaultBuyAmount: 100},
			},
		},
		Sweeper: SweeperConfig{
			OrderScanSeconds:   30,
			LockScanSeconds:    30,
			LockTimeoutSeconds: 60,
		},
		Archive: ArchiveConfig{
			Region:        "us-east-1",
			RetentionDays: 30,
			ScanMinutes:   60,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}

// Validate checks the configuration for missing or inconsistent values.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Mode) {
	case "trader", "positions", "housekeeper", "all":
	default:
		return fmt.Errorf("config: unsupported mode %q", c.Mode)
	}

	if c.AccountID == "" {
		return fmt.Errorf("config: account_id is required")
	}

	if c.Postgres.DSN == "" && (c.Postgres.Host == "" || c.Postgres.Database == "" || c.Postgres.User == "") {
		return fmt.Errorf("config: postgres connection parameters are incomplete")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis addr is required")
	}

	if c.Binance.APIURL == "" || c.Binance.APIKey == "" || c.Binance.APISecret == "" {
		return fmt.Errorf("config: binance api_url, api_key and api_secret are required")
	}

	if err := validateOrderType(c.Trading.BuyOrderType); err != nil {
		return fmt.Errorf("config: buy_order_type: %w", err)
	}
	if err := validateOrderType(c.Trading.SellOrderType); err != nil {
		return fmt.Errorf("config: sell_order_type: %w", err)
	}

	if len(c.Trading.Quote) == 0 {
		return fmt.Errorf("config: at least one [trading.quote.<ASSET>] block is required")
	}
	for asset, q := range c.Trading.Quote {
		if q.MinOrderSize <= 0 {
			return fmt.Errorf("config: trading.quote.%s.min_order_size must be positive", asset)
		}
		if q.DefaultBuyAmount <= 0 {
			return fmt.Errorf("config: trading.quote.%s.default_buy_amount must be positive", asset)
		}
	}

	if c.Trading.SellWaitSeconds <= 0 {
		return fmt.Errorf("config: sell_wait_seconds must be positive")
	}
	if c.Sweeper.LockTimeoutSeconds <= 0 {
		return fmt.Errorf("config: lock_timeout_seconds must be positive")
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("config: archive.bucket is required when archiving is enabled")
	}

	return nil
}

func validateOrderType(t string) error {
	switch t {
	case "MARKET", "LIMIT":
		return nil
	default:
		return fmt.Errorf("must be MARKET or LIMIT, got %q", t)
	}
}
