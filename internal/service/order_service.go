package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"krakenbot/internal/domain"
)

// AlertChannel is the pub/sub channel carrying position lifecycle and risk
// alerts for external consumers.
const AlertChannel = "alerts"

// bracketInfo is the in-memory correlation between a working entry order and
// the position it opens. It carries everything needed to place the protective
// children once the entry fills. Rebuilt from the order store after a restart.
type bracketInfo struct {
	PositionID      string
	SignalID        *string
	StopLossPrice   float64
	TakeProfitPrice float64
}

// OrderService is the bracket order manager. It opens positions as a limit
// entry order plus, once the entry fills, a stop-loss and a take-profit
// child, and reconciles the local order ledger against the exchange.
type OrderService struct {
	exchange  domain.Exchange
	orders    domain.OrderStore
	positions domain.PositionStore
	pairs     domain.PairStore
	signals   domain.SignalStore
	audit     domain.AuditStore
	bus       domain.EventBus
	logger    *slog.Logger

	// trailingStopPct, when > 0, arms new positions with a trailing stop
	// at this percent of the entry price.
	trailingStopPct float64

	mu       sync.Mutex
	brackets map[string]bracketInfo // keyed by entry order id
}

// NewOrderService creates an OrderService. The event bus may be nil, disabling
// alert publication.
func NewOrderService(
	exchange domain.Exchange,
	orders domain.OrderStore,
	positions domain.PositionStore,
	pairs domain.PairStore,
	signals domain.SignalStore,
	audit domain.AuditStore,
	bus domain.EventBus,
	trailingStopPct float64,
	logger *slog.Logger,
) *OrderService {
	return &OrderService{
		exchange:        exchange,
		orders:          orders,
		positions:       positions,
		pairs:           pairs,
		signals:         signals,
		audit:           audit,
		bus:             bus,
		trailingStopPct: trailingStopPct,
		logger:          logger.With(slog.String("component", "order_service")),
		brackets:        make(map[string]bracketInfo),
	}
}

// OpenBracket executes a trading signal with the given notional: it places a
// limit entry order at the signal's entry price, creates the position record,
// and registers the bracket so Reconcile can place the protective children
// when the entry fills. The signal is marked consumed on success.
func (s *OrderService) OpenBracket(ctx context.Context, sig domain.TradingSignal, notionalUSD float64) (domain.Position, error) {
	now := time.Now().UTC()
	if sig.Consumed() {
		return domain.Position{}, fmt.Errorf("orderservice: signal %s: %w", sig.ID, domain.ErrAlreadyExists)
	}
	if sig.Expired(now) {
		return domain.Position{}, fmt.Errorf("orderservice: signal %s expired at %s", sig.ID, sig.ExpiresAt.Format(time.RFC3339))
	}
	if sig.Type == domain.SignalHold {
		return domain.Position{}, fmt.Errorf("orderservice: signal %s is not directional", sig.ID)
	}

	pair, err := s.pairs.GetByID(ctx, sig.PairID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("orderservice: load pair: %w", err)
	}

	amount := pair.RoundAmount(notionalUSD / sig.EntryPrice)
	if amount < pair.MinOrderSize {
		return domain.Position{}, fmt.Errorf("orderservice: %s amount %v below minimum %v: %w",
			pair.Symbol, amount, pair.MinOrderSize, domain.ErrOrderTooSmall)
	}

	side := domain.OrderSideSell
	posSide := domain.PositionSideShort
	if sig.Type.IsBuy() {
		side = domain.OrderSideBuy
		posSide = domain.PositionSideLong
	}

	entryPrice := pair.RoundPrice(sig.EntryPrice)
	entry, err := s.placeOrder(ctx, pair, &sig.ID, nil, domain.OrderKindLimit, side, amount, &entryPrice)
	if err != nil {
		return domain.Position{}, fmt.Errorf("orderservice: place entry order: %w", err)
	}

	stopLoss := sig.StopLossPrice
	takeProfit := sig.TargetPrice
	pos := domain.Position{
		ID:              uuid.NewString(),
		PairID:          pair.ID,
		EntryOrderID:    entry.ID,
		SignalID:        &sig.ID,
		Side:            posSide,
		Amount:          amount,
		RemainingAmount: amount,
		EntryPrice:      entryPrice,
		StopLossPrice:   &stopLoss,
		TakeProfitPrice: &takeProfit,
		IsOpen:          true,
		OpenedAt:        now,
		UpdatedAt:       now,
	}
	if s.trailingStopPct > 0 {
		dist := entryPrice * s.trailingStopPct / 100
		pos.TrailingStopDistance = &dist
	}
	if err := s.positions.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("orderservice: create position: %w", err)
	}

	s.mu.Lock()
	s.brackets[entry.ID] = bracketInfo{
		PositionID:      pos.ID,
		SignalID:        &sig.ID,
		StopLossPrice:   stopLoss,
		TakeProfitPrice: takeProfit,
	}
	s.mu.Unlock()

	if err := s.signals.MarkConsumed(ctx, sig.ID, now); err != nil {
		s.logger.WarnContext(ctx, "mark signal consumed failed",
			slog.String("signal_id", sig.ID),
			slog.String("error", err.Error()))
	}

	s.auditLog(ctx, "bracket_opened", map[string]any{
		"position_id": pos.ID,
		"symbol":      pair.Symbol,
		"side":        string(posSide),
		"amount":      amount,
		"entry_price": entryPrice,
		"stop_loss":   stopLoss,
		"take_profit": takeProfit,
	})
	s.publishAlert(ctx, "position_opened", map[string]any{
		"position_id": pos.ID,
		"symbol":      pair.Symbol,
		"side":        string(posSide),
		"amount":      amount,
		"entry_price": entryPrice,
	})
	s.logger.InfoContext(ctx, "bracket opened",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pair.Symbol),
		slog.String("side", string(posSide)),
		slog.Float64("amount", amount),
		slog.Float64("entry_price", entryPrice))
	return pos, nil
}

// Reconcile queries the exchange for every locally open, acknowledged order
// and applies the authoritative statuses: entry fills trigger protective
// child placement, protective fills close their position and cancel the
// sibling, canceled entries retire the unopened position. Failures on one
// order do not stop the sweep; they are joined into the returned error. A
// filled entry whose protection could not be placed surfaces
// domain.ErrUnprotectedPosition and is retried on the next sweep.
func (s *OrderService) Reconcile(ctx context.Context) ([]domain.OrderUpdate, error) {
	open, err := s.orders.ListOpenWithExchangeID(ctx)
	if err != nil {
		return nil, fmt.Errorf("orderservice: list open orders: %w", err)
	}
	if len(open) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(open))
	for _, o := range open {
		ids = append(ids, *o.ExchangeOrderID)
	}
	states, err := s.exchange.QueryOrders(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("orderservice: query orders: %w", err)
	}

	var updates []domain.OrderUpdate
	var errs []error
	handled := make(map[string]bool)
	now := time.Now().UTC()
	for _, o := range open {
		st, ok := states[*o.ExchangeOrderID]
		if !ok {
			continue
		}
		if st.Status == o.Status && st.FilledAmount == o.FilledAmount {
			continue
		}

		old := o.Status
		o.Status = st.Status
		o.FilledAmount = st.FilledAmount
		if st.AveragePrice > 0 {
			avg := st.AveragePrice
			o.AveragePrice = &avg
		}
		o.Fee = st.Fee
		o.UpdatedAt = now
		if st.Status == domain.OrderStatusClosed && o.FilledAt == nil {
			t := now
			o.FilledAt = &t
		}
		if err := s.orders.Update(ctx, o); err != nil {
			errs = append(errs, fmt.Errorf("orderservice: update order %s: %w", o.ID, err))
			continue
		}
		updates = append(updates, domain.OrderUpdate{
			OrderID:      o.ID,
			OldStatus:    old,
			NewStatus:    o.Status,
			FilledAmount: o.FilledAmount,
			AveragePrice: st.AveragePrice,
		})

		switch {
		case o.ParentOrderID == nil && o.Status == domain.OrderStatusClosed:
			handled[o.ID] = true
			if err := s.protectEntry(ctx, o); err != nil {
				errs = append(errs, err)
			}
		case o.ParentOrderID == nil && o.Status.Terminal():
			handled[o.ID] = true
			if err := s.retireEntry(ctx, o); err != nil {
				errs = append(errs, err)
			}
		case o.ParentOrderID != nil && o.Status == domain.OrderStatusClosed:
			if err := s.settleChildFill(ctx, o); err != nil {
				errs = append(errs, err)
			}
		}
	}

	// Entries that filled on an earlier sweep but are still missing a
	// protective child get another protection attempt.
	unprotected, err := s.orders.ListUnprotectedEntries(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("orderservice: list unprotected entries: %w", err))
		return updates, errors.Join(errs...)
	}
	for _, e := range unprotected {
		if e.Status != domain.OrderStatusClosed || handled[e.ID] {
			continue
		}
		if err := s.protectEntry(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return updates, errors.Join(errs...)
}

// protectEntry handles a filled entry order: it syncs the position to the
// actual fill and places the stop-loss and take-profit children sized to the
// filled amount. An entry left without both children keeps showing up in
// ListUnprotectedEntries, so the next sweep retries.
func (s *OrderService) protectEntry(ctx context.Context, entry domain.Order) error {
	pos, err := s.positions.GetByEntryOrder(ctx, entry.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("orderservice: load position for entry %s: %w", entry.ID, err)
	}

	s.mu.Lock()
	info, tracked := s.brackets[entry.ID]
	s.mu.Unlock()
	if !tracked {
		info = bracketInfo{PositionID: pos.ID, SignalID: pos.SignalID}
		if pos.StopLossPrice != nil {
			info.StopLossPrice = *pos.StopLossPrice
		}
		if pos.TakeProfitPrice != nil {
			info.TakeProfitPrice = *pos.TakeProfitPrice
		}
	}

	pair, err := s.pairs.GetByID(ctx, entry.PairID)
	if err != nil {
		return fmt.Errorf("orderservice: load pair: %w", err)
	}

	now := time.Now().UTC()
	fillPrice := pos.EntryPrice
	if entry.AveragePrice != nil && *entry.AveragePrice > 0 {
		fillPrice = *entry.AveragePrice
	}
	pos.EntryPrice = fillPrice
	pos.CurrentPrice = &fillPrice
	pos.RemainingAmount = entry.FilledAmount
	pos.TotalFees += entry.Fee
	pos.UpdatedAt = now
	if err := s.positions.Update(ctx, pos); err != nil {
		return fmt.Errorf("orderservice: update position %s: %w", pos.ID, err)
	}

	childSide := entry.Side.Opposite()
	stopLossID := entry.StopLossOrderID
	takeProfitID := entry.TakeProfitOrderID
	var placeErrs []error

	if stopLossID == nil {
		price := pair.RoundPrice(info.StopLossPrice)
		sl, err := s.placeOrder(ctx, pair, info.SignalID, &entry.ID,
			domain.OrderKindStopLoss, childSide, entry.FilledAmount, &price)
		if err != nil {
			placeErrs = append(placeErrs, fmt.Errorf("place stop-loss: %w", err))
		} else {
			stopLossID = &sl.ID
		}
	}
	if takeProfitID == nil {
		price := pair.RoundPrice(info.TakeProfitPrice)
		tp, err := s.placeOrder(ctx, pair, info.SignalID, &entry.ID,
			domain.OrderKindTakeProfit, childSide, entry.FilledAmount, &price)
		if err != nil {
			placeErrs = append(placeErrs, fmt.Errorf("place take-profit: %w", err))
		} else {
			takeProfitID = &tp.ID
		}
	}

	if err := s.orders.SetChildOrders(ctx, entry.ID, stopLossID, takeProfitID); err != nil {
		return fmt.Errorf("orderservice: record child orders for entry %s: %w", entry.ID, err)
	}

	if len(placeErrs) > 0 {
		s.auditLog(ctx, "position_unprotected", map[string]any{
			"position_id": pos.ID,
			"entry_id":    entry.ID,
			"error":       errors.Join(placeErrs...).Error(),
		})
		s.publishAlert(ctx, "position_unprotected", map[string]any{
			"position_id": pos.ID,
			"error":       errors.Join(placeErrs...).Error(),
		})
		return fmt.Errorf("orderservice: entry %s: %v: %w",
			entry.ID, errors.Join(placeErrs...), domain.ErrUnprotectedPosition)
	}

	s.mu.Lock()
	delete(s.brackets, entry.ID)
	s.mu.Unlock()

	s.auditLog(ctx, "entry_filled", map[string]any{
		"position_id": pos.ID,
		"entry_id":    entry.ID,
		"fill_price":  fillPrice,
		"filled":      entry.FilledAmount,
		"stop_loss":   info.StopLossPrice,
		"take_profit": info.TakeProfitPrice,
	})
	s.logger.InfoContext(ctx, "entry filled, position protected",
		slog.String("position_id", pos.ID),
		slog.Float64("fill_price", fillPrice),
		slog.Float64("filled", entry.FilledAmount))
	return nil
}

// retireEntry handles an entry order canceled or expired at the exchange. A
// partially filled entry is still protected for the filled amount; an unfilled
// one closes its position record with zero economics.
func (s *OrderService) retireEntry(ctx context.Context, entry domain.Order) error {
	if entry.FilledAmount > 0 {
		return s.protectEntry(ctx, entry)
	}

	pos, err := s.positions.GetByEntryOrder(ctx, entry.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("orderservice: load position for entry %s: %w", entry.ID, err)
	}

	now := time.Now().UTC()
	pos.IsOpen = false
	pos.RemainingAmount = 0
	pos.UnrealizedPnL = 0
	pos.ClosedAt = &now
	pos.UpdatedAt = now
	if err := s.positions.Update(ctx, pos); err != nil {
		return fmt.Errorf("orderservice: update position %s: %w", pos.ID, err)
	}

	s.mu.Lock()
	delete(s.brackets, entry.ID)
	s.mu.Unlock()

	s.auditLog(ctx, "entry_retired", map[string]any{
		"position_id": pos.ID,
		"entry_id":    entry.ID,
		"status":      string(entry.Status),
	})
	return nil
}

// settleChildFill handles a filled protective order: the position is closed
// at the child's fill price and the surviving sibling is canceled.
func (s *OrderService) settleChildFill(ctx context.Context, child domain.Order) error {
	entry, err := s.orders.GetByID(ctx, *child.ParentOrderID)
	if err != nil {
		return fmt.Errorf("orderservice: load entry %s: %w", *child.ParentOrderID, err)
	}
	pos, err := s.positions.GetByEntryOrder(ctx, entry.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("orderservice: load position for entry %s: %w", entry.ID, err)
	}

	fillPrice := 0.0
	if child.AveragePrice != nil {
		fillPrice = *child.AveragePrice
	}
	if fillPrice == 0 && child.Price != nil {
		fillPrice = *child.Price
	}

	var siblingID *string
	if entry.StopLossOrderID != nil && *entry.StopLossOrderID != child.ID {
		siblingID = entry.StopLossOrderID
	} else if entry.TakeProfitOrderID != nil && *entry.TakeProfitOrderID != child.ID {
		siblingID = entry.TakeProfitOrderID
	}
	if siblingID != nil {
		if err := s.cancelLocalOrder(ctx, *siblingID); err != nil {
			s.logger.WarnContext(ctx, "sibling cancel failed",
				slog.String("order_id", *siblingID),
				slog.String("error", err.Error()))
		}
	}

	now := time.Now().UTC()
	realized := pos.PnLAt(fillPrice)
	pos.RealizedPnL += realized
	pos.UnrealizedPnL = 0
	pos.RemainingAmount = 0
	pos.CurrentPrice = &fillPrice
	pos.TotalFees += child.Fee
	pos.IsOpen = false
	pos.ClosedAt = &now
	pos.UpdatedAt = now
	if err := s.positions.Update(ctx, pos); err != nil {
		return fmt.Errorf("orderservice: update position %s: %w", pos.ID, err)
	}

	reason := "take_profit"
	if child.Kind == domain.OrderKindStopLoss {
		reason = "stop_loss"
	}
	s.auditLog(ctx, "position_closed", map[string]any{
		"position_id":  pos.ID,
		"reason":       reason,
		"fill_price":   fillPrice,
		"realized_pnl": realized,
	})
	s.publishAlert(ctx, "position_closed", map[string]any{
		"position_id":  pos.ID,
		"reason":       reason,
		"realized_pnl": realized,
	})
	s.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", pos.ID),
		slog.String("reason", reason),
		slog.Float64("fill_price", fillPrice),
		slog.Float64("realized_pnl", realized))
	return nil
}

// RebuildCorrelations restores the in-memory bracket map from the order store
// after a restart and immediately retries protection for entries that filled
// while the process was down.
func (s *OrderService) RebuildCorrelations(ctx context.Context) error {
	entries, err := s.orders.ListUnprotectedEntries(ctx)
	if err != nil {
		return fmt.Errorf("orderservice: list unprotected entries: %w", err)
	}

	var errs []error
	rebuilt := 0
	for _, entry := range entries {
		pos, err := s.positions.GetByEntryOrder(ctx, entry.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("orderservice: load position for entry %s: %w", entry.ID, err))
			continue
		}

		info := bracketInfo{PositionID: pos.ID, SignalID: pos.SignalID}
		if pos.StopLossPrice != nil {
			info.StopLossPrice = *pos.StopLossPrice
		}
		if pos.TakeProfitPrice != nil {
			info.TakeProfitPrice = *pos.TakeProfitPrice
		}
		s.mu.Lock()
		s.brackets[entry.ID] = info
		s.mu.Unlock()
		rebuilt++

		if entry.Status == domain.OrderStatusClosed {
			if err := s.protectEntry(ctx, entry); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if rebuilt > 0 {
		s.logger.InfoContext(ctx, "bracket correlations rebuilt", slog.Int("count", rebuilt))
	}
	return errors.Join(errs...)
}

// AdjustStopLoss replaces the stop-loss order of an open position with one at
// newStop. The new stop must tighten risk; for a long it may only move up,
// for a short only down. The old exchange order is canceled before the
// replacement is placed, so the position is briefly stop-less but never
// double-stopped.
func (s *OrderService) AdjustStopLoss(ctx context.Context, positionID string, newStop float64) error {
	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return fmt.Errorf("orderservice: load position: %w", err)
	}
	if !pos.IsOpen {
		return fmt.Errorf("orderservice: position %s: %w", positionID, domain.ErrPositionClosed)
	}
	if !pos.Tightens(newStop) {
		return fmt.Errorf("orderservice: position %s stop %v: %w", positionID, newStop, domain.ErrStopNotTighter)
	}

	entry, err := s.orders.GetByID(ctx, pos.EntryOrderID)
	if err != nil {
		return fmt.Errorf("orderservice: load entry order: %w", err)
	}
	if entry.StopLossOrderID == nil {
		return fmt.Errorf("orderservice: position %s has no stop-loss order", positionID)
	}
	if err := s.cancelLocalOrder(ctx, *entry.StopLossOrderID); err != nil {
		return fmt.Errorf("orderservice: cancel old stop: %w", err)
	}

	pair, err := s.pairs.GetByID(ctx, pos.PairID)
	if err != nil {
		return fmt.Errorf("orderservice: load pair: %w", err)
	}
	price := pair.RoundPrice(newStop)
	stop, err := s.placeOrder(ctx, pair, pos.SignalID, &entry.ID,
		domain.OrderKindStopLoss, pos.CloseSide(), pos.RemainingAmount, &price)
	if err != nil {
		// The old stop is already canceled. The entry must stop referencing
		// it, or the unprotected-entry sweep would never re-place protection.
		if cerr := s.orders.SetChildOrders(ctx, entry.ID, nil, entry.TakeProfitOrderID); cerr != nil {
			s.logger.ErrorContext(ctx, "clear canceled stop reference failed",
				slog.String("entry_id", entry.ID),
				slog.String("error", cerr.Error()))
		}
		s.auditLog(ctx, "position_unprotected", map[string]any{
			"position_id": pos.ID,
			"entry_id":    entry.ID,
			"error":       err.Error(),
		})
		s.publishAlert(ctx, "position_unprotected", map[string]any{
			"position_id": pos.ID,
			"error":       err.Error(),
		})
		return fmt.Errorf("orderservice: place new stop: %v: %w", err, domain.ErrUnprotectedPosition)
	}
	if err := s.orders.SetChildOrders(ctx, entry.ID, &stop.ID, entry.TakeProfitOrderID); err != nil {
		return fmt.Errorf("orderservice: record new stop for entry %s: %w", entry.ID, err)
	}

	oldStop := 0.0
	if pos.StopLossPrice != nil {
		oldStop = *pos.StopLossPrice
	}
	pos.StopLossPrice = &price
	pos.UpdatedAt = time.Now().UTC()
	if err := s.positions.Update(ctx, pos); err != nil {
		return fmt.Errorf("orderservice: update position %s: %w", pos.ID, err)
	}

	s.auditLog(ctx, "stop_adjusted", map[string]any{
		"position_id": pos.ID,
		"old_stop":    oldStop,
		"new_stop":    price,
	})
	s.logger.InfoContext(ctx, "stop loss adjusted",
		slog.String("position_id", pos.ID),
		slog.Float64("old_stop", oldStop),
		slog.Float64("new_stop", price))
	return nil
}

// ClosePosition flattens an open position with a market order. Protective
// children are queried first: if one already filled, that fill closes the
// position instead and no market order is sent. Otherwise the children are
// canceled before the close is placed.
func (s *OrderService) ClosePosition(ctx context.Context, positionID, reason string) error {
	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return fmt.Errorf("orderservice: load position: %w", err)
	}
	if !pos.IsOpen {
		return fmt.Errorf("orderservice: position %s: %w", positionID, domain.ErrPositionClosed)
	}

	entry, err := s.orders.GetByID(ctx, pos.EntryOrderID)
	if err != nil {
		return fmt.Errorf("orderservice: load entry order: %w", err)
	}

	children := make([]domain.Order, 0, 2)
	for _, id := range []*string{entry.StopLossOrderID, entry.TakeProfitOrderID} {
		if id == nil {
			continue
		}
		child, err := s.orders.GetByID(ctx, *id)
		if err != nil {
			return fmt.Errorf("orderservice: load child order %s: %w", *id, err)
		}
		children = append(children, child)
	}

	// A protective fill may have raced this close. Take the exchange's
	// word before sending the market order.
	exIDs := make([]string, 0, len(children))
	for _, c := range children {
		if c.HasExchangeID() && !c.Status.Terminal() {
			exIDs = append(exIDs, *c.ExchangeOrderID)
		}
	}
	if len(exIDs) > 0 {
		states, err := s.exchange.QueryOrders(ctx, exIDs)
		if err != nil {
			return fmt.Errorf("orderservice: confirm child orders: %w", err)
		}
		for _, c := range children {
			if !c.HasExchangeID() {
				continue
			}
			st, ok := states[*c.ExchangeOrderID]
			if !ok || st.Status != domain.OrderStatusClosed {
				continue
			}
			now := time.Now().UTC()
			c.Status = st.Status
			c.FilledAmount = st.FilledAmount
			if st.AveragePrice > 0 {
				avg := st.AveragePrice
				c.AveragePrice = &avg
			}
			c.Fee = st.Fee
			c.UpdatedAt = now
			c.FilledAt = &now
			if err := s.orders.Update(ctx, c); err != nil {
				return fmt.Errorf("orderservice: update child order %s: %w", c.ID, err)
			}
			return s.settleChildFill(ctx, c)
		}
	}

	for _, c := range children {
		if c.Status.Terminal() {
			continue
		}
		if err := s.cancelLocalOrder(ctx, c.ID); err != nil {
			s.logger.WarnContext(ctx, "child cancel failed",
				slog.String("order_id", c.ID),
				slog.String("error", err.Error()))
		}
	}

	pair, err := s.pairs.GetByID(ctx, pos.PairID)
	if err != nil {
		return fmt.Errorf("orderservice: load pair: %w", err)
	}
	if _, err := s.placeOrder(ctx, pair, pos.SignalID, &entry.ID,
		domain.OrderKindMarket, pos.CloseSide(), pos.RemainingAmount, nil); err != nil {
		return fmt.Errorf("orderservice: place close order: %w", err)
	}

	markPrice := pos.EntryPrice
	if pos.CurrentPrice != nil && *pos.CurrentPrice > 0 {
		markPrice = *pos.CurrentPrice
	}
	now := time.Now().UTC()
	realized := pos.PnLAt(markPrice)
	pos.RealizedPnL += realized
	pos.UnrealizedPnL = 0
	pos.RemainingAmount = 0
	pos.IsOpen = false
	pos.ClosedAt = &now
	pos.UpdatedAt = now
	if err := s.positions.Update(ctx, pos); err != nil {
		return fmt.Errorf("orderservice: update position %s: %w", pos.ID, err)
	}

	s.mu.Lock()
	delete(s.brackets, entry.ID)
	s.mu.Unlock()

	s.auditLog(ctx, "position_closed", map[string]any{
		"position_id":  pos.ID,
		"reason":       reason,
		"fill_price":   markPrice,
		"realized_pnl": realized,
	})
	s.publishAlert(ctx, "position_closed", map[string]any{
		"position_id":  pos.ID,
		"reason":       reason,
		"realized_pnl": realized,
	})
	s.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", pos.ID),
		slog.String("reason", reason),
		slog.Float64("realized_pnl", realized))
	return nil
}

// ---- Internal helpers ----

// placeOrder records an order intent, submits it to the exchange, and stamps
// the exchange id on acknowledgement. A rejected submission leaves the local
// record canceled.
func (s *OrderService) placeOrder(
	ctx context.Context,
	pair domain.TradingPair,
	signalID, parentID *string,
	kind domain.OrderKind,
	side domain.OrderSide,
	amount float64,
	price *float64,
) (domain.Order, error) {
	now := time.Now().UTC()
	order := domain.Order{
		ID:            uuid.NewString(),
		PairID:        pair.ID,
		SignalID:      signalID,
		ParentOrderID: parentID,
		Kind:          kind,
		Side:          side,
		Amount:        amount,
		Price:         price,
		Status:        domain.OrderStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return domain.Order{}, fmt.Errorf("create order record: %w", err)
	}

	req := domain.OrderRequest{
		Symbol: pair.Symbol,
		Side:   side,
		Kind:   kind,
		Amount: amount,
	}
	if price != nil {
		req.Price = *price
	}
	exchangeID, err := s.exchange.PlaceOrder(ctx, req)
	if err != nil {
		order.Status = domain.OrderStatusCanceled
		order.UpdatedAt = time.Now().UTC()
		if uerr := s.orders.Update(ctx, order); uerr != nil {
			s.logger.WarnContext(ctx, "mark rejected order failed",
				slog.String("order_id", order.ID),
				slog.String("error", uerr.Error()))
		}
		return domain.Order{}, fmt.Errorf("submit %s %s: %w", kind, pair.Symbol, err)
	}

	order.ExchangeOrderID = &exchangeID
	order.Status = domain.OrderStatusOpen
	order.UpdatedAt = time.Now().UTC()
	if err := s.orders.Update(ctx, order); err != nil {
		return domain.Order{}, fmt.Errorf("record exchange id for order %s: %w", order.ID, err)
	}
	return order, nil
}

// cancelLocalOrder cancels an order at the exchange if it was acknowledged
// and marks the local record canceled.
func (s *OrderService) cancelLocalOrder(ctx context.Context, orderID string) error {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order %s: %w", orderID, err)
	}
	if order.Status.Terminal() {
		return nil
	}
	if order.HasExchangeID() {
		if err := s.exchange.CancelOrder(ctx, *order.ExchangeOrderID); err != nil {
			return fmt.Errorf("cancel order %s at exchange: %w", orderID, err)
		}
	}
	order.Status = domain.OrderStatusCanceled
	order.UpdatedAt = time.Now().UTC()
	if err := s.orders.Update(ctx, order); err != nil {
		return fmt.Errorf("mark order %s canceled: %w", orderID, err)
	}
	return nil
}

// publishAlert pushes a position lifecycle event onto the alert channel.
func (s *OrderService) publishAlert(ctx context.Context, event string, detail map[string]any) {
	if s.bus == nil {
		return
	}
	detail["event"] = event
	payload, err := json.Marshal(detail)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, AlertChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "alert publish failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}

func (s *OrderService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}
