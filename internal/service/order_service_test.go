package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"krakenbot/internal/domain"
)

func testBTCPair() domain.TradingPair {
	return domain.TradingPair{
		ID:              "pair-btc",
		Symbol:          "BTCUSD",
		BaseAsset:       "BTC",
		QuoteAsset:      "USD",
		MinOrderSize:    0.0001,
		PricePrecision:  1,
		VolumePrecision: 8,
		IsActive:        true,
	}
}

func buySignal() domain.TradingSignal {
	now := time.Now().UTC()
	return domain.TradingSignal{
		ID:            "sig-1",
		PairID:        "pair-btc",
		Type:          domain.SignalBuy,
		Confidence:    0.8,
		EntryPrice:    100,
		TargetPrice:   104,
		StopLossPrice: 98,
		SizePct:       2,
		CreatedAt:     now,
		ExpiresAt:     now.Add(2 * time.Hour),
	}
}

type orderFixture struct {
	svc       *OrderService
	ex        *fakeExchange
	orders    *fakeOrderStore
	positions *fakePositionStore
	signals   *fakeSignalStore
	audit     *fakeAuditStore
	pairs     *fakePairStore
	bus       *fakeBus
}

func newOrderFixture(pair domain.TradingPair) *orderFixture {
	f := &orderFixture{
		ex:        newFakeExchange(),
		orders:    newFakeOrderStore(),
		positions: newFakePositionStore(),
		signals:   newFakeSignalStore(),
		audit:     &fakeAuditStore{},
		pairs:     newFakePairStore(pair),
		bus:       newFakeBus(),
	}
	f.svc = NewOrderService(f.ex, f.orders, f.positions, f.pairs, f.signals, f.audit, f.bus, 0, testLogger())
	return f
}

// openFilledBracket opens a bracket from the default buy signal and drives
// the entry order to a full fill at 100.5, leaving both protective children
// working at the exchange.
func openFilledBracket(t *testing.T, f *orderFixture) domain.Position {
	t.Helper()
	ctx := context.Background()
	sig := buySignal()
	if err := f.signals.Insert(ctx, sig); err != nil {
		t.Fatalf("insert signal: %v", err)
	}
	pos, err := f.svc.OpenBracket(ctx, sig, 1000)
	if err != nil {
		t.Fatalf("OpenBracket: %v", err)
	}
	f.ex.states["ex-1"] = domain.ExchangeOrderState{
		Status:       domain.OrderStatusClosed,
		FilledAmount: 10,
		AveragePrice: 100.5,
		Fee:          0.2,
	}
	if _, err := f.svc.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	pos, err = f.positions.GetByID(ctx, pos.ID)
	if err != nil {
		t.Fatalf("reload position: %v", err)
	}
	return pos
}

func TestOpenBracket(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(testBTCPair())
	sig := buySignal()
	if err := f.signals.Insert(ctx, sig); err != nil {
		t.Fatalf("insert signal: %v", err)
	}

	pos, err := f.svc.OpenBracket(ctx, sig, 1000)
	if err != nil {
		t.Fatalf("OpenBracket: %v", err)
	}

	if len(f.ex.placed) != 1 {
		t.Fatalf("placed %d orders, want 1", len(f.ex.placed))
	}
	req := f.ex.placed[0]
	if req.Kind != domain.OrderKindLimit || req.Side != domain.OrderSideBuy {
		t.Errorf("entry order = %s %s, want limit buy", req.Kind, req.Side)
	}
	if req.Amount != 10 {
		t.Errorf("entry amount = %v, want 10", req.Amount)
	}
	if req.Price != 100 {
		t.Errorf("entry price = %v, want 100", req.Price)
	}

	entry, err := f.orders.GetByID(ctx, pos.EntryOrderID)
	if err != nil {
		t.Fatalf("load entry order: %v", err)
	}
	if entry.Status != domain.OrderStatusOpen {
		t.Errorf("entry status = %s, want open", entry.Status)
	}
	if !entry.HasExchangeID() || *entry.ExchangeOrderID != "ex-1" {
		t.Errorf("entry exchange id not recorded")
	}

	if pos.Side != domain.PositionSideLong || !pos.IsOpen {
		t.Errorf("position side=%s open=%v, want open long", pos.Side, pos.IsOpen)
	}
	if *pos.StopLossPrice != 98 || *pos.TakeProfitPrice != 104 {
		t.Errorf("position levels = %v/%v, want 98/104", *pos.StopLossPrice, *pos.TakeProfitPrice)
	}

	stored, _ := f.signals.GetByID(ctx, sig.ID)
	if !stored.Consumed() {
		t.Errorf("signal not marked consumed")
	}
	if !f.audit.hasEvent("bracket_opened") {
		t.Errorf("bracket_opened audit entry missing")
	}
}

func TestOpenBracket_BelowMinimum(t *testing.T) {
	ctx := context.Background()
	pair := testBTCPair()
	pair.MinOrderSize = 1
	f := newOrderFixture(pair)
	sig := buySignal()
	if err := f.signals.Insert(ctx, sig); err != nil {
		t.Fatalf("insert signal: %v", err)
	}

	_, err := f.svc.OpenBracket(ctx, sig, 50)
	if !errors.Is(err, domain.ErrOrderTooSmall) {
		t.Fatalf("err = %v, want ErrOrderTooSmall", err)
	}
	if len(f.ex.placed) != 0 {
		t.Errorf("order placed despite minimum size rejection")
	}
}

func TestOpenBracket_ConsumedSignal(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(testBTCPair())
	sig := buySignal()
	now := time.Now().UTC()
	sig.ConsumedAt = &now

	if _, err := f.svc.OpenBracket(ctx, sig, 1000); err == nil {
		t.Fatal("expected error for consumed signal")
	}
	if len(f.ex.placed) != 0 {
		t.Errorf("order placed for consumed signal")
	}
}

func TestReconcile_EntryFillPlacesProtection(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(testBTCPair())
	pos := openFilledBracket(t, f)

	if len(f.ex.placed) != 3 {
		t.Fatalf("placed %d orders, want 3 (entry + 2 children)", len(f.ex.placed))
	}
	sl, tp := f.ex.placed[1], f.ex.placed[2]
	if sl.Kind != domain.OrderKindStopLoss || sl.Side != domain.OrderSideSell || sl.Price != 98 || sl.Amount != 10 {
		t.Errorf("stop-loss order = %+v, want sell 10 at 98", sl)
	}
	if tp.Kind != domain.OrderKindTakeProfit || tp.Side != domain.OrderSideSell || tp.Price != 104 || tp.Amount != 10 {
		t.Errorf("take-profit order = %+v, want sell 10 at 104", tp)
	}

	entry, _ := f.orders.GetByID(ctx, pos.EntryOrderID)
	if !entry.Protected() {
		t.Fatalf("entry order missing child references")
	}
	if pos.EntryPrice != 100.5 {
		t.Errorf("position entry price = %v, want fill price 100.5", pos.EntryPrice)
	}
	if pos.RemainingAmount != 10 {
		t.Errorf("position remaining = %v, want 10", pos.RemainingAmount)
	}
	if pos.TotalFees != 0.2 {
		t.Errorf("position fees = %v, want 0.2", pos.TotalFees)
	}
	if !f.audit.hasEvent("entry_filled") {
		t.Errorf("entry_filled audit entry missing")
	}
}

func TestReconcile_StopFillClosesPosition(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(testBTCPair())
	pos := openFilledBracket(t, f)

	f.ex.states["ex-2"] = domain.ExchangeOrderState{
		Status:       domain.OrderStatusClosed,
		FilledAmount: 10,
		AveragePrice: 98,
		Fee:          0.1,
	}
	if _, err := f.svc.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	pos, _ = f.positions.GetByID(ctx, pos.ID)
	if pos.IsOpen {
		t.Fatal("position still open after stop fill")
	}
	want := (98 - 100.5) * 10.0
	if pos.RealizedPnL != want {
		t.Errorf("realized pnl = %v, want %v", pos.RealizedPnL, want)
	}
	if pos.RemainingAmount != 0 || pos.UnrealizedPnL != 0 {
		t.Errorf("position not flattened: remaining=%v unrealized=%v", pos.RemainingAmount, pos.UnrealizedPnL)
	}

	found := false
	for _, id := range f.ex.canceled {
		if id == "ex-3" {
			found = true
		}
	}
	if !found {
		t.Errorf("surviving take-profit not canceled at exchange")
	}
	entry, _ := f.orders.GetByID(ctx, pos.EntryOrderID)
	sibling, _ := f.orders.GetByID(ctx, *entry.TakeProfitOrderID)
	if sibling.Status != domain.OrderStatusCanceled {
		t.Errorf("sibling status = %s, want canceled", sibling.Status)
	}
}

func TestReconcile_CanceledEntryRetiresPosition(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(testBTCPair())
	sig := buySignal()
	if err := f.signals.Insert(ctx, sig); err != nil {
		t.Fatalf("insert signal: %v", err)
	}
	pos, err := f.svc.OpenBracket(ctx, sig, 1000)
	if err != nil {
		t.Fatalf("OpenBracket: %v", err)
	}

	f.ex.states["ex-1"] = domain.ExchangeOrderState{Status: domain.OrderStatusCanceled}
	if _, err := f.svc.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	pos, _ = f.positions.GetByID(ctx, pos.ID)
	if pos.IsOpen {
		t.Fatal("position still open after entry cancel")
	}
	if pos.RealizedPnL != 0 || pos.RemainingAmount != 0 {
		t.Errorf("retired position has economics: realized=%v remaining=%v", pos.RealizedPnL, pos.RemainingAmount)
	}
	if len(f.ex.placed) != 1 {
		t.Errorf("placed %d orders, protective children placed for unfilled entry", len(f.ex.placed))
	}
}

func TestReconcile_ProtectiveFailureRetriedNextSweep(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(testBTCPair())
	sig := buySignal()
	if err := f.signals.Insert(ctx, sig); err != nil {
		t.Fatalf("insert signal: %v", err)
	}
	pos, err := f.svc.OpenBracket(ctx, sig, 1000)
	if err != nil {
		t.Fatalf("OpenBracket: %v", err)
	}

	// Second placement (the stop-loss) is rejected.
	f.ex.placeErrs = []error{nil, errors.New("EService:Unavailable")}
	f.ex.states["ex-1"] = domain.ExchangeOrderState{
		Status:       domain.OrderStatusClosed,
		FilledAmount: 10,
		AveragePrice: 100.5,
	}
	_, err = f.svc.Reconcile(ctx)
	if !errors.Is(err, domain.ErrUnprotectedPosition) {
		t.Fatalf("err = %v, want ErrUnprotectedPosition", err)
	}

	entry, _ := f.orders.GetByID(ctx, pos.EntryOrderID)
	if entry.StopLossOrderID != nil {
		t.Errorf("failed stop-loss recorded on entry")
	}
	if entry.TakeProfitOrderID == nil {
		t.Errorf("successful take-profit not recorded on entry")
	}
	if !f.audit.hasEvent("position_unprotected") {
		t.Errorf("position_unprotected audit entry missing")
	}

	// Next sweep retries the missing stop-loss.
	f.ex.placeErrs = nil
	if _, err := f.svc.Reconcile(ctx); err != nil {
		t.Fatalf("retry Reconcile: %v", err)
	}
	entry, _ = f.orders.GetByID(ctx, pos.EntryOrderID)
	if !entry.Protected() {
		t.Fatalf("entry still unprotected after retry")
	}
}

func TestRebuildCorrelations_ProtectsFilledEntry(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(testBTCPair())
	sig := buySignal()
	if err := f.signals.Insert(ctx, sig); err != nil {
		t.Fatalf("insert signal: %v", err)
	}
	pos, err := f.svc.OpenBracket(ctx, sig, 1000)
	if err != nil {
		t.Fatalf("OpenBracket: %v", err)
	}

	// Entry fills but both child placements fail, then the process dies.
	f.ex.placeErrs = []error{nil, errors.New("down"), errors.New("down")}
	f.ex.states["ex-1"] = domain.ExchangeOrderState{
		Status:       domain.OrderStatusClosed,
		FilledAmount: 10,
		AveragePrice: 100.5,
	}
	if _, err := f.svc.Reconcile(ctx); !errors.Is(err, domain.ErrUnprotectedPosition) {
		t.Fatalf("err = %v, want ErrUnprotectedPosition", err)
	}

	// Fresh service over the same stores, as after a restart.
	f.ex.placeErrs = nil
	restarted := NewOrderService(f.ex, f.orders, f.positions, f.pairs, f.signals, f.audit, f.bus, 0, testLogger())
	if err := restarted.RebuildCorrelations(ctx); err != nil {
		t.Fatalf("RebuildCorrelations: %v", err)
	}

	entry, _ := f.orders.GetByID(ctx, pos.EntryOrderID)
	if !entry.Protected() {
		t.Fatalf("entry unprotected after rebuild")
	}
}

func TestAdjustStopLoss(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(testBTCPair())
	pos := openFilledBracket(t, f)

	if err := f.svc.AdjustStopLoss(ctx, pos.ID, 99); err != nil {
		t.Fatalf("AdjustStopLoss: %v", err)
	}

	found := false
	for _, id := range f.ex.canceled {
		if id == "ex-2" {
			found = true
		}
	}
	if !found {
		t.Errorf("old stop not canceled at exchange")
	}
	last := f.ex.placed[len(f.ex.placed)-1]
	if last.Kind != domain.OrderKindStopLoss || last.Price != 99 || last.Amount != 10 {
		t.Errorf("replacement stop = %+v, want stop-loss 10 at 99", last)
	}

	pos, _ = f.positions.GetByID(ctx, pos.ID)
	if *pos.StopLossPrice != 99 {
		t.Errorf("position stop = %v, want 99", *pos.StopLossPrice)
	}
	entry, _ := f.orders.GetByID(ctx, pos.EntryOrderID)
	if entry.StopLossOrderID == nil {
		t.Fatalf("entry lost its stop-loss reference")
	}
	newStop, _ := f.orders.GetByID(ctx, *entry.StopLossOrderID)
	if newStop.Price == nil || *newStop.Price != 99 {
		t.Errorf("new stop order price wrong")
	}
}

func TestAdjustStopLoss_RejectsLoosening(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(testBTCPair())
	pos := openFilledBracket(t, f)

	err := f.svc.AdjustStopLoss(ctx, pos.ID, 97)
	if !errors.Is(err, domain.ErrStopNotTighter) {
		t.Fatalf("err = %v, want ErrStopNotTighter", err)
	}
	if len(f.ex.canceled) != 0 {
		t.Errorf("stop canceled despite rejected adjustment")
	}
}

func TestAdjustStopLoss_FailedReplacementReprotectedByReconcile(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(testBTCPair())
	pos := openFilledBracket(t, f)

	entryBefore, _ := f.orders.GetByID(ctx, pos.EntryOrderID)
	oldStopID := *entryBefore.StopLossOrderID

	// The old stop cancels cleanly but the replacement placement fails.
	f.ex.placeErrs = []error{nil, nil, nil, errors.New("down")}
	err := f.svc.AdjustStopLoss(ctx, pos.ID, 99)
	if !errors.Is(err, domain.ErrUnprotectedPosition) {
		t.Fatalf("err = %v, want ErrUnprotectedPosition", err)
	}

	// The canceled stop must no longer count as protection, or the sweep
	// would never see this entry again.
	entry, _ := f.orders.GetByID(ctx, pos.EntryOrderID)
	if entry.StopLossOrderID != nil {
		t.Fatalf("entry still references canceled stop %s", *entry.StopLossOrderID)
	}
	if !f.audit.hasEvent("position_unprotected") {
		t.Errorf("no unprotected audit entry recorded")
	}

	// The next reconcile sweep restores a live stop at the original level.
	f.ex.placeErrs = nil
	if _, err := f.svc.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	entry, _ = f.orders.GetByID(ctx, pos.EntryOrderID)
	if entry.StopLossOrderID == nil {
		t.Fatal("reconcile placed no replacement stop")
	}
	if *entry.StopLossOrderID == oldStopID {
		t.Fatal("canceled stop still recorded as protection")
	}
	newStop, _ := f.orders.GetByID(ctx, *entry.StopLossOrderID)
	if newStop.Kind != domain.OrderKindStopLoss || newStop.Status != domain.OrderStatusOpen {
		t.Errorf("replacement = %s %s, want open stop-loss", newStop.Kind, newStop.Status)
	}
	if newStop.Price == nil || *newStop.Price != 98 {
		t.Errorf("replacement stop price = %v, want original 98", newStop.Price)
	}
}

func TestBracketLifecyclePublishesAlerts(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(testBTCPair())
	pos := openFilledBracket(t, f)

	pos.CurrentPrice = fptr(103)
	if err := f.positions.Update(ctx, pos); err != nil {
		t.Fatalf("seed current price: %v", err)
	}
	if err := f.svc.ClosePosition(ctx, pos.ID, "manual"); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}

	alerts := f.bus.published[AlertChannel]
	if len(alerts) != 2 {
		t.Fatalf("published %d alerts, want open and close", len(alerts))
	}

	var opened map[string]any
	if err := json.Unmarshal(alerts[0], &opened); err != nil {
		t.Fatalf("unmarshal open alert: %v", err)
	}
	if opened["event"] != "position_opened" || opened["symbol"] != "BTCUSD" {
		t.Errorf("open alert = %v", opened)
	}

	var closed map[string]any
	if err := json.Unmarshal(alerts[1], &closed); err != nil {
		t.Fatalf("unmarshal close alert: %v", err)
	}
	if closed["event"] != "position_closed" || closed["reason"] != "manual" {
		t.Errorf("close alert = %v", closed)
	}
	if pnl, _ := closed["realized_pnl"].(float64); pnl != (103-100.5)*10.0 {
		t.Errorf("close alert pnl = %v", closed["realized_pnl"])
	}
}

func TestClosePosition(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(testBTCPair())
	pos := openFilledBracket(t, f)

	pos.CurrentPrice = fptr(103)
	if err := f.positions.Update(ctx, pos); err != nil {
		t.Fatalf("seed current price: %v", err)
	}

	if err := f.svc.ClosePosition(ctx, pos.ID, "manual"); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}

	if len(f.ex.canceled) != 2 {
		t.Errorf("canceled %d orders, want both children", len(f.ex.canceled))
	}
	last := f.ex.placed[len(f.ex.placed)-1]
	if last.Kind != domain.OrderKindMarket || last.Side != domain.OrderSideSell || last.Amount != 10 {
		t.Errorf("close order = %+v, want market sell 10", last)
	}

	pos, _ = f.positions.GetByID(ctx, pos.ID)
	if pos.IsOpen {
		t.Fatal("position still open")
	}
	want := (103 - 100.5) * 10.0
	if pos.RealizedPnL != want {
		t.Errorf("realized pnl = %v, want %v", pos.RealizedPnL, want)
	}
}

func TestClosePosition_ConfirmsRacedChildFill(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(testBTCPair())
	pos := openFilledBracket(t, f)
	placedBefore := len(f.ex.placed)

	// The take-profit filled between the decision to close and the close.
	f.ex.states["ex-3"] = domain.ExchangeOrderState{
		Status:       domain.OrderStatusClosed,
		FilledAmount: 10,
		AveragePrice: 104,
		Fee:          0.1,
	}
	if err := f.svc.ClosePosition(ctx, pos.ID, "manual"); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}

	if len(f.ex.placed) != placedBefore {
		t.Errorf("market close placed despite raced take-profit fill")
	}
	pos, _ = f.positions.GetByID(ctx, pos.ID)
	if pos.IsOpen {
		t.Fatal("position still open")
	}
	want := (104 - 100.5) * 10.0
	if pos.RealizedPnL != want {
		t.Errorf("realized pnl = %v, want %v", pos.RealizedPnL, want)
	}
}

func TestClosePosition_AlreadyClosed(t *testing.T) {
	ctx := context.Background()
	f := newOrderFixture(testBTCPair())
	pos := openFilledBracket(t, f)

	if err := f.svc.ClosePosition(ctx, pos.ID, "manual"); err != nil {
		t.Fatalf("first close: %v", err)
	}
	err := f.svc.ClosePosition(ctx, pos.ID, "manual")
	if !errors.Is(err, domain.ErrPositionClosed) {
		t.Fatalf("err = %v, want ErrPositionClosed", err)
	}
}
