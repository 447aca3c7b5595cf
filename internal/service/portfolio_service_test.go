package service

import (
	"context"
	"math"
	"testing"
	"time"

	"krakenbot/internal/domain"
)

func newPortfolioFixture(ex *fakeExchange, positions *fakePositionStore) (*PortfolioService, *fakePortfolioStore) {
	store := &fakePortfolioStore{}
	svc := NewPortfolioService(ex, store, positions, 5.0, 2.0, testLogger())
	return svc, store
}

func TestRefreshBalance(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange()
	ex.balances = domain.Balances{TotalUSD: 1000, AvailableUSD: 800}
	svc, store := newPortfolioFixture(ex, newFakePositionStore())

	p, err := svc.RefreshBalance(ctx)
	if err != nil {
		t.Fatalf("RefreshBalance: %v", err)
	}
	if p.TotalBalanceUSD != 1000 || p.AvailableBalanceUSD != 800 {
		t.Errorf("balances = %v/%v, want 1000/800", p.TotalBalanceUSD, p.AvailableBalanceUSD)
	}
	if p.LockedBalanceUSD != 200 {
		t.Errorf("locked = %v, want 200", p.LockedBalanceUSD)
	}
	if store.portfolio == nil || store.portfolio.TotalBalanceUSD != 1000 {
		t.Errorf("portfolio row not persisted")
	}
	if !p.IsTradingEnabled {
		t.Errorf("new portfolio has trading disabled")
	}
}

func TestRecomputeMetrics(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	yesterday := now.Add(-30 * time.Hour)
	thisMorning := now.Add(-2 * time.Hour)

	positions := newFakePositionStore()
	seed := []domain.Position{
		{
			ID: "pos-win", EntryOrderID: "e1", Side: domain.PositionSideLong,
			RealizedPnL: 100, ClosedAt: &yesterday, MaxUnrealizedPnL: 120,
		},
		{
			ID: "pos-loss", EntryOrderID: "e2", Side: domain.PositionSideLong,
			RealizedPnL: -50, ClosedAt: &thisMorning,
		},
		{
			ID: "pos-open", EntryOrderID: "e3", Side: domain.PositionSideLong,
			IsOpen: true, EntryPrice: 100, RemainingAmount: 2, CurrentPrice: fptr(105),
		},
	}
	for _, p := range seed {
		if err := positions.Create(ctx, p); err != nil {
			t.Fatalf("seed position: %v", err)
		}
	}

	svc, _ := newPortfolioFixture(newFakeExchange(), positions)
	p, err := svc.RecomputeMetrics(ctx, now)
	if err != nil {
		t.Fatalf("RecomputeMetrics: %v", err)
	}

	if p.TotalTrades != 3 || p.OpenPositionsCount != 1 {
		t.Errorf("trades=%d open=%d, want 3/1", p.TotalTrades, p.OpenPositionsCount)
	}
	if p.RealizedPnL != 50 {
		t.Errorf("realized = %v, want 50", p.RealizedPnL)
	}
	if p.UnrealizedPnL != 10 {
		t.Errorf("unrealized = %v, want 10", p.UnrealizedPnL)
	}
	if p.TotalPnL != 60 {
		t.Errorf("total pnl = %v, want 60", p.TotalPnL)
	}
	if p.DailyPnL != -50 {
		t.Errorf("daily pnl = %v, want -50 (only today's close counts)", p.DailyPnL)
	}
	if p.WinningTrades != 1 || p.LosingTrades != 1 {
		t.Errorf("wins=%d losses=%d, want 1/1", p.WinningTrades, p.LosingTrades)
	}
	if p.WinRate != 50 {
		t.Errorf("win rate = %v, want 50", p.WinRate)
	}
	if p.AverageWin != 100 || p.AverageLoss != -50 {
		t.Errorf("avg win/loss = %v/%v, want 100/-50", p.AverageWin, p.AverageLoss)
	}
	if p.ProfitFactor != 2 {
		t.Errorf("profit factor = %v, want 2", p.ProfitFactor)
	}
	if p.TotalExposureUSD != 210 {
		t.Errorf("exposure = %v, want 210", p.TotalExposureUSD)
	}
	if math.Abs(p.CurrentDrawdown-60) > 1e-9 {
		t.Errorf("drawdown = %v, want peak 120 - total 60 = 60", p.CurrentDrawdown)
	}

	// Running it again over the same ledger changes nothing.
	p2, err := svc.RecomputeMetrics(ctx, now)
	if err != nil {
		t.Fatalf("second RecomputeMetrics: %v", err)
	}
	if p2.RealizedPnL != p.RealizedPnL || p2.WinRate != p.WinRate || p2.TotalPnL != p.TotalPnL {
		t.Errorf("recompute not idempotent: %+v vs %+v", p2, p)
	}
}

func TestUpdatePositionPnL(t *testing.T) {
	ctx := context.Background()
	positions := newFakePositionStore()
	pos := domain.Position{
		ID: "pos-1", EntryOrderID: "e1", Side: domain.PositionSideLong,
		IsOpen: true, EntryPrice: 100, RemainingAmount: 2,
	}
	if err := positions.Create(ctx, pos); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	svc, _ := newPortfolioFixture(newFakeExchange(), positions)

	got, err := svc.UpdatePositionPnL(ctx, "pos-1", 105)
	if err != nil {
		t.Fatalf("UpdatePositionPnL: %v", err)
	}
	if got.UnrealizedPnL != 10 || got.MaxUnrealizedPnL != 10 {
		t.Errorf("pnl=%v mfe=%v, want 10/10", got.UnrealizedPnL, got.MaxUnrealizedPnL)
	}

	got, err = svc.UpdatePositionPnL(ctx, "pos-1", 95)
	if err != nil {
		t.Fatalf("UpdatePositionPnL: %v", err)
	}
	if got.UnrealizedPnL != -10 || got.MaxUnrealizedLoss != -10 {
		t.Errorf("pnl=%v mae=%v, want -10/-10", got.UnrealizedPnL, got.MaxUnrealizedLoss)
	}
	if got.MaxUnrealizedPnL != 10 {
		t.Errorf("mfe = %v, favorable excursion must not shrink", got.MaxUnrealizedPnL)
	}
	if got.CurrentPrice == nil || *got.CurrentPrice != 95 {
		t.Errorf("current price not updated")
	}
}

func TestUpdatePositionPnL_ClosedPosition(t *testing.T) {
	ctx := context.Background()
	positions := newFakePositionStore()
	closed := time.Now().UTC()
	if err := positions.Create(ctx, domain.Position{
		ID: "pos-1", EntryOrderID: "e1", Side: domain.PositionSideLong, ClosedAt: &closed,
	}); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	svc, _ := newPortfolioFixture(newFakeExchange(), positions)

	if _, err := svc.UpdatePositionPnL(ctx, "pos-1", 100); err == nil {
		t.Fatal("expected error marking a closed position")
	}
}

func TestTrailingStopCandidate(t *testing.T) {
	long := domain.Position{
		Side:                 domain.PositionSideLong,
		StopLossPrice:        fptr(98),
		TrailingStopDistance: fptr(2),
	}

	if got, ok := TrailingStopCandidate(long, 105); !ok || got != 103 {
		t.Errorf("candidate = %v/%v, want 103/true", got, ok)
	}
	// Price back at entry: the implied stop 98 does not tighten.
	if _, ok := TrailingStopCandidate(long, 100); ok {
		t.Errorf("stop moved without tightening")
	}

	short := domain.Position{
		Side:                 domain.PositionSideShort,
		StopLossPrice:        fptr(102),
		TrailingStopDistance: fptr(2),
	}
	if got, ok := TrailingStopCandidate(short, 95); !ok || got != 97 {
		t.Errorf("short candidate = %v/%v, want 97/true", got, ok)
	}

	noTrail := domain.Position{Side: domain.PositionSideLong, StopLossPrice: fptr(98)}
	if _, ok := TrailingStopCandidate(noTrail, 200); ok {
		t.Errorf("position without trailing distance produced a candidate")
	}
}
