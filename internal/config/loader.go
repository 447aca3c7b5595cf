package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies KRAKENBOT_* environment variable overrides, and
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

// applyEnvOverrides reads well-known KRAKENBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Kraken ──
	setStr(&cfg.Kraken.BaseURL, "KRAKENBOT_KRAKEN_BASE_URL")
	setStr(&cfg.Kraken.WsURL, "KRAKENBOT_KRAKEN_WS_URL")
	setStr(&cfg.Kraken.ApiKey, "KRAKENBOT_KRAKEN_API_KEY")
	setStr(&cfg.Kraken.ApiSecret, "KRAKENBOT_KRAKEN_API_SECRET")
	setStr(&cfg.Kraken.EncryptedSecretPath, "KRAKENBOT_KRAKEN_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Kraken.SecretPassword, "KRAKENBOT_KRAKEN_SECRET_PASSWORD")
	setDuration(&cfg.Kraken.MinRequestInterval, "KRAKENBOT_KRAKEN_MIN_REQUEST_INTERVAL")
	setDuration(&cfg.Kraken.RequestTimeout, "KRAKENBOT_KRAKEN_REQUEST_TIMEOUT")
	setBool(&cfg.Kraken.WsEnabled, "KRAKENBOT_KRAKEN_WS_ENABLED")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "KRAKENBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "KRAKENBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "KRAKENBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "KRAKENBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "KRAKENBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "KRAKENBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "KRAKENBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "KRAKENBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "KRAKENBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "KRAKENBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "KRAKENBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "KRAKENBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "KRAKENBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "KRAKENBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "KRAKENBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "KRAKENBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "KRAKENBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "KRAKENBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "KRAKENBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "KRAKENBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "KRAKENBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "KRAKENBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "KRAKENBOT_S3_FORCE_PATH_STYLE")

	// ── Trading ──
	setStringSlice(&cfg.Trading.Pairs, "KRAKENBOT_TRADING_PAIRS")
	setInt(&cfg.Trading.OHLCIntervalMinutes, "KRAKENBOT_TRADING_OHLC_INTERVAL_MINUTES")
	setInt(&cfg.Trading.MaxSignalsPerCycle, "KRAKENBOT_TRADING_MAX_SIGNALS_PER_CYCLE")
	setFloat64(&cfg.Trading.MinOrderUSD, "KRAKENBOT_TRADING_MIN_ORDER_USD")
	setDuration(&cfg.Trading.SignalExpiry, "KRAKENBOT_TRADING_SIGNAL_EXPIRY")
	setFloat64(&cfg.Trading.TrailingStopDistancePct, "KRAKENBOT_TRADING_TRAILING_STOP_DISTANCE_PCT")

	// ── Risk ──
	setFloat64(&cfg.Risk.MaxDailyLossPct, "KRAKENBOT_RISK_MAX_DAILY_LOSS_PCT")
	setFloat64(&cfg.Risk.MaxPositionSizePct, "KRAKENBOT_RISK_MAX_POSITION_SIZE_PCT")
	setFloat64(&cfg.Risk.MaxExposurePct, "KRAKENBOT_RISK_MAX_EXPOSURE_PCT")

	// ── Intervals ──
	setDuration(&cfg.Intervals.MarketData, "KRAKENBOT_INTERVALS_MARKET_DATA")
	setDuration(&cfg.Intervals.Signals, "KRAKENBOT_INTERVALS_SIGNALS")
	setDuration(&cfg.Intervals.Reconcile, "KRAKENBOT_INTERVALS_RECONCILE")
	setDuration(&cfg.Intervals.Portfolio, "KRAKENBOT_INTERVALS_PORTFOLIO")
	setDuration(&cfg.Intervals.Tick, "KRAKENBOT_INTERVALS_TICK")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "KRAKENBOT_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "KRAKENBOT_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "KRAKENBOT_ARCHIVE_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "KRAKENBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "KRAKENBOT_SERVER_PORT")
	setInt(&cfg.Server.RateLimitPerMin, "KRAKENBOT_SERVER_RATE_LIMIT_PER_MIN")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "KRAKENBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "KRAKENBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "KRAKENBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "KRAKENBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "KRAKENBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
