package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "krakenbot/internal/blob/s3"
	"krakenbot/internal/cache/redis"
	"krakenbot/internal/config"
	"krakenbot/internal/crypto"
	"krakenbot/internal/domain"
	"krakenbot/internal/notify"
	"krakenbot/internal/platform/kraken"
	"krakenbot/internal/store/postgres"
)

// Dependencies bundles every concrete dependency the application needs. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Pairs      domain.PairStore
	Bars       domain.BarStore
	Signals    domain.SignalStore
	Orders     domain.OrderStore
	Positions  domain.PositionStore
	Portfolios domain.PortfolioStore
	Audit      domain.AuditStore

	// Caches
	Prices  domain.PriceCache
	Bus     domain.EventBus
	Limiter domain.RateLimiter

	// Exchange
	Exchange *kraken.Client
	WS       *kraken.WSClient

	// Cold storage, nil unless archiving is enabled.
	Archiver *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier

	// Raw clients kept for health checks.
	PG    *postgres.Client
	Redis *redis.Client
}

// Wire constructs all concrete implementations from the configuration and
// returns them with a cleanup function releasing resources in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.PG = pgClient
	deps.Pairs = postgres.NewPairStore(pool)
	deps.Bars = postgres.NewBarStore(pool)
	deps.Signals = postgres.NewSignalStore(pool)
	deps.Orders = postgres.NewOrderStore(pool)
	deps.Positions = postgres.NewPositionStore(pool)
	deps.Portfolios = postgres.NewPortfolioStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Redis = redisClient
	deps.Prices = redis.NewPriceCache(redisClient)
	deps.Bus = redis.NewEventBus(redisClient)
	deps.Limiter = redis.NewRateLimiter(redisClient)

	// --- Kraken ---
	auth := &crypto.APIAuth{Key: cfg.Kraken.ApiKey}
	if cfg.Kraken.ApiKey != "" {
		secret, err := crypto.LoadSecret(crypto.SecretConfig{
			RawSecret:           cfg.Kraken.ApiSecret,
			EncryptedSecretPath: cfg.Kraken.EncryptedSecretPath,
			Password:            cfg.Kraken.SecretPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: kraken secret: %w", err)
		}
		auth.Secret = secret
	}

	exchange := kraken.NewClient(auth, cfg.Kraken.MinRequestInterval.Duration, logger)
	if cfg.Kraken.BaseURL != "" {
		exchange.SetBaseURL(cfg.Kraken.BaseURL)
	}
	if cfg.Kraken.RequestTimeout.Duration > 0 {
		exchange.SetTimeout(cfg.Kraken.RequestTimeout.Duration)
	}
	deps.Exchange = exchange

	if cfg.Kraken.WsEnabled {
		ws := kraken.NewWSClient(logger)
		if cfg.Kraken.WsURL != "" {
			ws.SetURL(cfg.Kraken.WsURL)
		}
		closers = append(closers, func() { _ = ws.Close() })
		deps.WS = ws
	}

	// --- S3 cold storage ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			postgres.NewBarStore(pool),
			postgres.NewPositionStore(pool),
			deps.Audit,
			cfg.Archive.RetentionDays,
			logger,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
