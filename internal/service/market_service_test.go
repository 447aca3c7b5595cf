package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"krakenbot/internal/domain"
)

func seedBars(t *testing.T, store *fakeBarStore, pairID string, n int, start time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		price := 100 + float64(i)
		bar := domain.PriceBar{
			ID:        fmt.Sprintf("bar-%d", i),
			PairID:    pairID,
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      price,
			High:      price * 1.005,
			Low:       price * 0.995,
			Close:     price,
			Volume:    1000,
		}
		if err := store.Insert(ctx, bar); err != nil {
			t.Fatalf("seed bar %d: %v", i, err)
		}
	}
}

func TestBootstrapPairs(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange()
	ex.pairInfo = map[string]domain.PairInfo{
		"BTCUSD": {
			Symbol:          "BTCUSD",
			BaseAsset:       "BTC",
			QuoteAsset:      "USD",
			MinOrderSize:    0.0001,
			PricePrecision:  1,
			VolumePrecision: 8,
		},
		"ETHUSD": {Symbol: "ETHUSD", BaseAsset: "ETH", QuoteAsset: "USD"},
	}
	pairs := newFakePairStore()
	svc := NewMarketService(ex, pairs, newFakeBarStore(), newFakePriceCache(),
		[]string{"BTCUSD", "XXXUSD"}, time.Hour, testLogger())

	if err := svc.BootstrapPairs(ctx); err != nil {
		t.Fatalf("BootstrapPairs: %v", err)
	}

	active, _ := pairs.ListActive(ctx)
	if len(active) != 1 {
		t.Fatalf("registered %d pairs, want 1", len(active))
	}
	p := active[0]
	if p.Symbol != "BTCUSD" || p.BaseAsset != "BTC" || p.MinOrderSize != 0.0001 {
		t.Errorf("pair = %+v, want BTCUSD metadata", p)
	}
	if p.DisplayName != "BTC/USD" {
		t.Errorf("display name = %q, want BTC/USD", p.DisplayName)
	}
}

func TestUpdateMarketData(t *testing.T) {
	ctx := context.Background()
	pair := testBTCPair()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	ex := newFakeExchange()
	bars := newFakeBarStore()
	prices := newFakePriceCache()
	seedBars(t, bars, pair.ID, 58, start)

	// The exchange reports the last ten candles of a 60-bar series; two of
	// them are not stored yet.
	for i := 50; i < 60; i++ {
		price := 100 + float64(i)
		ex.candles = append(ex.candles, domain.Candle{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      price,
			High:      price * 1.005,
			Low:       price * 0.995,
			Close:     price,
			Volume:    1000,
		})
	}

	svc := NewMarketService(ex, newFakePairStore(pair), bars, prices,
		[]string{pair.Symbol}, time.Hour, testLogger())

	inserted, err := svc.UpdateMarketData(ctx)
	if err != nil {
		t.Fatalf("UpdateMarketData: %v", err)
	}
	if inserted != 2 {
		t.Errorf("inserted = %d, want 2", inserted)
	}

	latest, err := bars.Latest(ctx, pair.ID)
	if err != nil {
		t.Fatalf("latest bar: %v", err)
	}
	if latest.Indicators == nil {
		t.Fatal("latest bar has no indicator overlay")
	}
	if latest.Indicators.SMA50 == nil {
		t.Errorf("SMA50 unavailable with 60 bars of history")
	}

	price, _, err := prices.GetPrice(ctx, pair.Symbol)
	if err != nil {
		t.Fatalf("cached price: %v", err)
	}
	if price != 159 {
		t.Errorf("cached price = %v, want latest close 159", price)
	}

	// A second pass over the same candles inserts nothing.
	inserted, err = svc.UpdateMarketData(ctx)
	if err != nil {
		t.Fatalf("second UpdateMarketData: %v", err)
	}
	if inserted != 0 {
		t.Errorf("second pass inserted = %d, want 0", inserted)
	}
}

func TestRefreshPrices(t *testing.T) {
	ctx := context.Background()
	pair := testBTCPair()
	ex := newFakeExchange()
	ex.ticker = map[string]float64{"BTCUSD": 50123.4}
	prices := newFakePriceCache()

	svc := NewMarketService(ex, newFakePairStore(pair), newFakeBarStore(), prices,
		[]string{pair.Symbol}, time.Hour, testLogger())

	if err := svc.RefreshPrices(ctx); err != nil {
		t.Fatalf("RefreshPrices: %v", err)
	}
	price, _, err := prices.GetPrice(ctx, "BTCUSD")
	if err != nil {
		t.Fatalf("cached price: %v", err)
	}
	if price != 50123.4 {
		t.Errorf("cached price = %v, want 50123.4", price)
	}
}

func TestApplyTicker(t *testing.T) {
	ctx := context.Background()
	prices := newFakePriceCache()
	svc := NewMarketService(newFakeExchange(), newFakePairStore(), newFakeBarStore(), prices,
		nil, time.Hour, testLogger())

	ts := time.Now().UTC()
	if err := svc.ApplyTicker(ctx, "ETHUSD", 3100.5, ts); err != nil {
		t.Fatalf("ApplyTicker: %v", err)
	}
	price, gotTS, err := prices.GetPrice(ctx, "ETHUSD")
	if err != nil {
		t.Fatalf("cached price: %v", err)
	}
	if price != 3100.5 || !gotTS.Equal(ts) {
		t.Errorf("cached = %v at %v, want 3100.5 at %v", price, gotTS, ts)
	}
}
