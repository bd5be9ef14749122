package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRADER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TRADER_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "TRADER_MODE")
	setStr(&cfg.LogLevel, "TRADER_LOG_LEVEL")
	setStr(&cfg.AccountID, "TRADER_ACCOUNT_ID")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "TRADER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "TRADER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TRADER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TRADER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TRADER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TRADER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TRADER_POSTGRES_SSLMODE")
	setBool(&cfg.Postgres.RunMigrations, "TRADER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "TRADER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRADER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRADER_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "TRADER_REDIS_TLS_ENABLED")
	setInt(&cfg.Redis.RetryDelaySeconds, "TRADER_REDIS_RETRY_DELAY_SECONDS")

	// ── Binance ──
	setStr(&cfg.Binance.APIURL, "TRADER_BINANCE_API_URL")
	setStr(&cfg.Binance.StreamURL, "TRADER_BINANCE_STREAM_URL")
	setStr(&cfg.Binance.APIKey, "TRADER_BINANCE_API_KEY")
	setStr(&cfg.Binance.APISecret, "TRADER_BINANCE_API_SECRET")

	// ── Trading ──
	setStr(&cfg.Trading.Interval, "TRADER_TRADING_INTERVAL")
	setStr(&cfg.Trading.BuyOrderType, "TRADER_BUY_ORDER_TYPE")
	setStr(&cfg.Trading.SellOrderType, "TRADER_SELL_ORDER_TYPE")
	setInt(&cfg.Trading.BuyOrderTTLSeconds, "TRADER_BUY_ORDER_TTL_SECONDS")
	setInt(&cfg.Trading.SellOrderTTLSeconds, "TRADER_SELL_ORDER_TTL_SECONDS")
	setInt(&cfg.Trading.CancelCooldownMinutes, "TRADER_CANCEL_COOLDOWN_MINUTES")
	setInt(&cfg.Trading.SellWaitSeconds, "TRADER_SELL_WAIT_SECONDS")
	setFloat64(&cfg.Trading.TakeProfitPct, "TRADER_TAKE_PROFIT_PCT")
	setFloat64(&cfg.Trading.ArmTrailingPct, "TRADER_ARM_TRAILING_PCT")
	setFloat64(&cfg.Trading.TrailingPct, "TRADER_TRAILING_PCT")

	// ── Archive ──
	setStr(&cfg.Archive.Endpoint, "TRADER_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Bucket, "TRADER_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.AccessKey, "TRADER_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "TRADER_ARCHIVE_SECRET_KEY")
	setBool(&cfg.Archive.Enabled, "TRADER_ARCHIVE_ENABLED")

	// ── Server ──
	setStr(&cfg.Server.Addr, "TRADER_SERVER_ADDR")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRADER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRADER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRADER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRADER_NOTIFY_EVENTS")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}
