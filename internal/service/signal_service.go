package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"krakenbot/internal/domain"
	"krakenbot/internal/strategy"
)

// SignalChannel is the pub/sub channel new signals are announced on.
const SignalChannel = "signals"

// SignalService runs the signal generator over every active pair and persists
// and publishes whatever it produces.
type SignalService struct {
	gen     *strategy.Generator
	pairs   domain.PairStore
	bars    domain.BarStore
	signals domain.SignalStore
	bus     domain.EventBus
	logger  *slog.Logger
}

// NewSignalService creates a SignalService. The event bus may be nil, in
// which case signals are persisted but not announced.
func NewSignalService(
	gen *strategy.Generator,
	pairs domain.PairStore,
	bars domain.BarStore,
	signals domain.SignalStore,
	bus domain.EventBus,
	logger *slog.Logger,
) *SignalService {
	return &SignalService{
		gen:     gen,
		pairs:   pairs,
		bars:    bars,
		signals: signals,
		bus:     bus,
		logger:  logger.With(slog.String("component", "signal_service")),
	}
}

// GenerateSignals evaluates every active pair against its stored bar history
// and returns the signals that cleared the confidence floor, already
// persisted. Pairs that fail are skipped and their errors joined.
func (s *SignalService) GenerateSignals(ctx context.Context, now time.Time) ([]domain.TradingSignal, error) {
	pairs, err := s.pairs.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("signalservice: list active pairs: %w", err)
	}

	var out []domain.TradingSignal
	var errs []error
	for _, pair := range pairs {
		sig, err := s.generateForPair(ctx, pair, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("signalservice: pair %s: %w", pair.Symbol, err))
			continue
		}
		if sig != nil {
			out = append(out, *sig)
		}
	}
	return out, errors.Join(errs...)
}

func (s *SignalService) generateForPair(ctx context.Context, pair domain.TradingPair, now time.Time) (*domain.TradingSignal, error) {
	bars, err := s.bars.ListRecent(ctx, pair.ID, historyWindow)
	if err != nil {
		return nil, fmt.Errorf("load bar history: %w", err)
	}

	sig, ok := s.gen.Generate(pair, bars, now)
	if !ok {
		return nil, nil
	}
	if err := s.signals.Insert(ctx, sig); err != nil {
		return nil, fmt.Errorf("persist signal: %w", err)
	}

	s.logger.InfoContext(ctx, "signal generated",
		slog.String("symbol", pair.Symbol),
		slog.String("type", string(sig.Type)),
		slog.Float64("confidence", sig.Confidence),
		slog.Float64("entry_price", sig.EntryPrice))

	s.publish(ctx, sig)
	return &sig, nil
}

func (s *SignalService) publish(ctx context.Context, sig domain.TradingSignal) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(sig)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, SignalChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "signal publish failed",
			slog.String("signal_id", sig.ID),
			slog.String("error", err.Error()))
	}
}
