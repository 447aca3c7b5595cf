// Package config defines the top-level configuration for the kraken trading
// bot and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by KRAKENBOT_* environment
// variables.
type Config struct {
	Kraken    KrakenConfig    `toml:"kraken"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Trading   TradingConfig   `toml:"trading"`
	Risk      RiskConfig      `toml:"risk"`
	Intervals IntervalsConfig `toml:"intervals"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	LogLevel  string          `toml:"log_level"`
}

// KrakenConfig holds Kraken API endpoints and credentials. The API secret may
// be given either in the clear (ApiSecret) or as an encrypted key file plus a
// password; the encrypted form wins when both are set.
type KrakenConfig struct {
	BaseURL             string   `toml:"base_url"`
	WsURL               string   `toml:"ws_url"`
	ApiKey              string   `toml:"api_key"`
	ApiSecret           string   `toml:"api_secret"`
	EncryptedSecretPath string   `toml:"encrypted_secret_path"`
	SecretPassword      string   `toml:"secret_password"`
	MinRequestInterval  duration `toml:"min_request_interval"`
	RequestTimeout      duration `toml:"request_timeout"`
	WsEnabled           bool     `toml:"ws_enabled"`
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for cold archives.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// TradingConfig holds the signal execution parameters.
type TradingConfig struct {
	// Pairs is the list of Kraken pair symbols to trade.
	Pairs []string `toml:"pairs"`
	// OHLCIntervalMinutes is the candle interval requested from the
	// exchange. Volatility annualization assumes hourly bars.
	OHLCIntervalMinutes int `toml:"ohlc_interval_minutes"`
	// MaxSignalsPerCycle caps how many signals, by descending confidence,
	// are executed in one signal tick.
	MaxSignalsPerCycle int `toml:"max_signals_per_cycle"`
	// MinOrderUSD is the smallest notional worth placing.
	MinOrderUSD float64 `toml:"min_order_usd"`
	// SignalExpiry is how long an unconsumed signal stays executable.
	SignalExpiry duration `toml:"signal_expiry"`
	// TrailingStopDistancePct, when > 0, arms every new position with a
	// trailing stop at this percent of the entry price.
	TrailingStopDistancePct float64 `toml:"trailing_stop_distance_pct"`
}

// RiskConfig holds portfolio risk limits, all in percent.
type RiskConfig struct {
	MaxDailyLossPct    float64 `toml:"max_daily_loss_pct"`
	MaxPositionSizePct float64 `toml:"max_position_size_pct"`
	MaxExposurePct     float64 `toml:"max_exposure_pct"`
}

// IntervalsConfig holds the cycle scheduler's per-activity intervals.
type IntervalsConfig struct {
	MarketData duration `toml:"market_data"`
	Signals    duration `toml:"signals"`
	Reconcile  duration `toml:"reconcile"`
	Portfolio  duration `toml:"portfolio"`
	// Tick is how often the scheduler wakes to check the activity timers.
	Tick duration `toml:"tick"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
}

// ServerConfig holds the status HTTP API parameters.
type ServerConfig struct {
	Enabled         bool `toml:"enabled"`
	Port            int  `toml:"port"`
	RateLimitPerMin int  `toml:"rate_limit_per_min"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Kraken: KrakenConfig{
			BaseURL:            "https://api.kraken.com",
			WsURL:              "wss://ws.kraken.com",
			MinRequestInterval: duration{time.Second},
			RequestTimeout:     duration{30 * time.Second},
			WsEnabled:          false,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "krakenbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "krakenbot-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Trading: TradingConfig{
			Pairs: []string{
				"BTCUSD", "ETHUSD", "ADAUSD", "SOLUSD", "DOTUSD",
			},
			OHLCIntervalMinutes: 60,
			MaxSignalsPerCycle:  3,
			MinOrderUSD:         50,
			SignalExpiry:        duration{2 * time.Hour},
		},
		Risk: RiskConfig{
			MaxDailyLossPct:    2.0,
			MaxPositionSizePct: 5.0,
			MaxExposurePct:     50.0,
		},
		Intervals: IntervalsConfig{
			MarketData: duration{60 * time.Second},
			Signals:    duration{300 * time.Second},
			Reconcile:  duration{30 * time.Second},
			Portfolio:  duration{180 * time.Second},
			Tick:       duration{5 * time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Cron:          "0 3 * * *",
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8080,
			RateLimitPerMin: 120,
		},
		LogLevel: "info",
	}
}

// Validate checks the configuration for internal consistency and returns an
// error describing the first problem found.
func (c *Config) Validate() error {
	if len(c.Trading.Pairs) == 0 {
		return fmt.Errorf("config: trading.pairs must not be empty")
	}
	for _, p := range c.Trading.Pairs {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("config: trading.pairs contains an empty symbol")
		}
	}
	if c.Trading.OHLCIntervalMinutes <= 0 {
		return fmt.Errorf("config: trading.ohlc_interval_minutes must be positive")
	}
	if c.Trading.MaxSignalsPerCycle <= 0 {
		return fmt.Errorf("config: trading.max_signals_per_cycle must be positive")
	}
	if c.Trading.MinOrderUSD < 0 {
		return fmt.Errorf("config: trading.min_order_usd must not be negative")
	}
	if c.Risk.MaxDailyLossPct <= 0 || c.Risk.MaxDailyLossPct > 100 {
		return fmt.Errorf("config: risk.max_daily_loss_pct must be in (0,100]")
	}
	if c.Risk.MaxPositionSizePct <= 0 || c.Risk.MaxPositionSizePct > 100 {
		return fmt.Errorf("config: risk.max_position_size_pct must be in (0,100]")
	}
	if c.Risk.MaxExposurePct <= 0 || c.Risk.MaxExposurePct > 100 {
		return fmt.Errorf("config: risk.max_exposure_pct must be in (0,100]")
	}
	for name, d := range map[string]time.Duration{
		"intervals.market_data": c.Intervals.MarketData.Duration,
		"intervals.signals":     c.Intervals.Signals.Duration,
		"intervals.reconcile":   c.Intervals.Reconcile.Duration,
		"intervals.portfolio":   c.Intervals.Portfolio.Duration,
		"intervals.tick":        c.Intervals.Tick.Duration,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}
	if c.Kraken.MinRequestInterval.Duration < 0 {
		return fmt.Errorf("config: kraken.min_request_interval must not be negative")
	}
	if c.Kraken.ApiKey != "" && c.Kraken.ApiSecret == "" && c.Kraken.EncryptedSecretPath == "" {
		return fmt.Errorf("config: kraken.api_key set without api_secret or encrypted_secret_path")
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("config: server.port must be in [1,65535]")
	}
	if c.Archive.Enabled && c.Archive.RetentionDays <= 0 {
		return fmt.Errorf("config: archive.retention_days must be positive")
	}
	return nil
}
