// Package service contains the application services that tie the exchange
// client, stores, and cache together: market data ingestion, signal
// generation, bracket order management, portfolio accounting, and risk
// checks.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"krakenbot/internal/domain"
	"krakenbot/internal/indicator"
)

// historyWindow is how many recent bars are loaded when recomputing the
// indicator overlay. Generously above every indicator's minimum sample count.
const historyWindow = 200

// candlesPerUpdate caps how many of the freshest exchange candles are
// considered on each ingestion pass.
const candlesPerUpdate = 10

// MarketService ingests OHLC data from the exchange, maintains the indicator
// overlay on the latest bar of each pair, and keeps the price cache current.
type MarketService struct {
	exchange domain.Exchange
	pairs    domain.PairStore
	bars     domain.BarStore
	prices   domain.PriceCache
	logger   *slog.Logger

	symbols      []string
	ohlcInterval time.Duration
}

// NewMarketService creates a MarketService limited to the given pair symbols.
func NewMarketService(
	exchange domain.Exchange,
	pairs domain.PairStore,
	bars domain.BarStore,
	prices domain.PriceCache,
	symbols []string,
	ohlcInterval time.Duration,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		exchange:     exchange,
		pairs:        pairs,
		bars:         bars,
		prices:       prices,
		symbols:      symbols,
		ohlcInterval: ohlcInterval,
		logger:       logger.With(slog.String("component", "market_service")),
	}
}

// BootstrapPairs loads pair metadata from the exchange and upserts a
// TradingPair row for every configured symbol the exchange reports as
// tradable. Symbols the exchange does not know are logged and skipped.
func (s *MarketService) BootstrapPairs(ctx context.Context) error {
	info, err := s.exchange.AssetPairs(ctx)
	if err != nil {
		return fmt.Errorf("marketservice: fetch asset pairs: %w", err)
	}

	now := time.Now().UTC()
	for _, symbol := range s.symbols {
		pi, ok := info[symbol]
		if !ok {
			s.logger.WarnContext(ctx, "configured pair not tradable on exchange",
				slog.String("symbol", symbol))
			continue
		}
		pair := domain.TradingPair{
			ID:              uuid.NewString(),
			Symbol:          pi.Symbol,
			BaseAsset:       pi.BaseAsset,
			QuoteAsset:      pi.QuoteAsset,
			DisplayName:     pi.BaseAsset + "/" + pi.QuoteAsset,
			MinOrderSize:    pi.MinOrderSize,
			PricePrecision:  pi.PricePrecision,
			VolumePrecision: pi.VolumePrecision,
			IsActive:        true,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.pairs.Upsert(ctx, pair); err != nil {
			return fmt.Errorf("marketservice: upsert pair %s: %w", symbol, err)
		}
		s.logger.InfoContext(ctx, "pair registered",
			slog.String("symbol", pi.Symbol),
			slog.Float64("min_order_size", pi.MinOrderSize))
	}
	return nil
}

// UpdateMarketData pulls fresh OHLC candles for every active pair, stores the
// ones not yet seen, recomputes the indicator overlay on the latest bar, and
// caches the latest close as the current price. A failing pair does not stop
// the others; per-pair errors are joined into the returned error.
func (s *MarketService) UpdateMarketData(ctx context.Context) (int, error) {
	pairs, err := s.pairs.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("marketservice: list active pairs: %w", err)
	}

	inserted := 0
	var errs []error
	for _, pair := range pairs {
		n, err := s.updatePair(ctx, pair)
		inserted += n
		if err != nil {
			s.logger.WarnContext(ctx, "pair update failed",
				slog.String("symbol", pair.Symbol),
				slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("marketservice: update %s: %w", pair.Symbol, err))
		}
	}
	return inserted, errors.Join(errs...)
}

func (s *MarketService) updatePair(ctx context.Context, pair domain.TradingPair) (int, error) {
	candles, err := s.exchange.OHLC(ctx, pair.Symbol, s.ohlcInterval)
	if err != nil {
		return 0, fmt.Errorf("fetch ohlc: %w", err)
	}
	if len(candles) == 0 {
		return 0, nil
	}
	if len(candles) > candlesPerUpdate {
		candles = candles[len(candles)-candlesPerUpdate:]
	}

	now := time.Now().UTC()
	inserted := 0
	for _, c := range candles {
		bar := domain.PriceBar{
			ID:        uuid.NewString(),
			PairID:    pair.ID,
			Timestamp: c.Timestamp,
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
			CreatedAt: now,
		}
		if err := s.bars.Insert(ctx, bar); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				continue
			}
			return inserted, fmt.Errorf("insert bar: %w", err)
		}
		inserted++
	}

	if err := s.refreshIndicators(ctx, pair.ID); err != nil {
		return inserted, err
	}

	latest := candles[len(candles)-1]
	if err := s.prices.SetPrice(ctx, pair.Symbol, latest.Close, latest.Timestamp); err != nil {
		s.logger.WarnContext(ctx, "price cache update failed",
			slog.String("symbol", pair.Symbol),
			slog.String("error", err.Error()))
	}
	return inserted, nil
}

func (s *MarketService) refreshIndicators(ctx context.Context, pairID string) error {
	history, err := s.bars.ListRecent(ctx, pairID, historyWindow)
	if err != nil {
		return fmt.Errorf("load bar history: %w", err)
	}
	snap := indicator.Snapshot(history)
	if snap == nil {
		return nil
	}
	latest := history[len(history)-1]
	if err := s.bars.UpdateIndicators(ctx, latest.ID, *snap); err != nil {
		return fmt.Errorf("store indicators: %w", err)
	}
	return nil
}

// RefreshPrices fetches the current ticker for every active pair and writes
// the prices into the cache. Used on the fast monitoring tick between OHLC
// ingestion passes.
func (s *MarketService) RefreshPrices(ctx context.Context) error {
	pairs, err := s.pairs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("marketservice: list active pairs: %w", err)
	}
	if len(pairs) == 0 {
		return nil
	}
	symbols := make([]string, 0, len(pairs))
	for _, p := range pairs {
		symbols = append(symbols, p.Symbol)
	}

	ticker, err := s.exchange.Ticker(ctx, symbols)
	if err != nil {
		return fmt.Errorf("marketservice: fetch ticker: %w", err)
	}

	now := time.Now().UTC()
	var errs []error
	for symbol, price := range ticker {
		if err := s.prices.SetPrice(ctx, symbol, price, now); err != nil {
			errs = append(errs, fmt.Errorf("marketservice: cache price %s: %w", symbol, err))
		}
	}
	return errors.Join(errs...)
}

// ApplyTicker records a single streamed price update, bypassing the REST
// ticker. Called by the websocket feed.
func (s *MarketService) ApplyTicker(ctx context.Context, symbol string, price float64, ts time.Time) error {
	if err := s.prices.SetPrice(ctx, symbol, price, ts); err != nil {
		return fmt.Errorf("marketservice: cache price %s: %w", symbol, err)
	}
	return nil
}
