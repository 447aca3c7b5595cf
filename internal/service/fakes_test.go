package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"krakenbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fptr(v float64) *float64 { return &v }
func sptr(s string) *string   { return &s }

// ---- Exchange fake ----

type fakeExchange struct {
	placed    []domain.OrderRequest
	placeErrs []error // consumed per placement, nil entries succeed
	canceled  []string
	cancelErr error
	states    map[string]domain.ExchangeOrderState
	queried   [][]string
	queryErr  error
	ticker    map[string]float64
	candles   []domain.Candle
	ohlcErr   error
	pairInfo  map[string]domain.PairInfo
	balances  domain.Balances
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{states: make(map[string]domain.ExchangeOrderState)}
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req domain.OrderRequest) (string, error) {
	n := len(f.placed)
	f.placed = append(f.placed, req)
	if n < len(f.placeErrs) && f.placeErrs[n] != nil {
		return "", f.placeErrs[n]
	}
	return fmt.Sprintf("ex-%d", n+1), nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, id string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakeExchange) QueryOrders(_ context.Context, ids []string) (map[string]domain.ExchangeOrderState, error) {
	f.queried = append(f.queried, ids)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	out := make(map[string]domain.ExchangeOrderState)
	for _, id := range ids {
		if st, ok := f.states[id]; ok {
			out[id] = st
		}
	}
	return out, nil
}

func (f *fakeExchange) Ticker(_ context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, s := range symbols {
		if p, ok := f.ticker[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

func (f *fakeExchange) OHLC(_ context.Context, _ string, _ time.Duration) ([]domain.Candle, error) {
	if f.ohlcErr != nil {
		return nil, f.ohlcErr
	}
	return f.candles, nil
}

func (f *fakeExchange) AssetPairs(_ context.Context) (map[string]domain.PairInfo, error) {
	return f.pairInfo, nil
}

func (f *fakeExchange) Balances(_ context.Context) (domain.Balances, error) {
	return f.balances, nil
}

// ---- Store fakes ----

type fakePairStore struct {
	pairs map[string]domain.TradingPair // by id
	order []string
}

func newFakePairStore(pairs ...domain.TradingPair) *fakePairStore {
	s := &fakePairStore{pairs: make(map[string]domain.TradingPair)}
	for _, p := range pairs {
		s.pairs[p.ID] = p
		s.order = append(s.order, p.ID)
	}
	return s
}

func (s *fakePairStore) Upsert(_ context.Context, pair domain.TradingPair) error {
	for _, existing := range s.pairs {
		if existing.Symbol == pair.Symbol {
			pair.ID = existing.ID
			s.pairs[pair.ID] = pair
			return nil
		}
	}
	s.pairs[pair.ID] = pair
	s.order = append(s.order, pair.ID)
	return nil
}

func (s *fakePairStore) GetByID(_ context.Context, id string) (domain.TradingPair, error) {
	p, ok := s.pairs[id]
	if !ok {
		return domain.TradingPair{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *fakePairStore) GetBySymbol(_ context.Context, symbol string) (domain.TradingPair, error) {
	for _, p := range s.pairs {
		if p.Symbol == symbol {
			return p, nil
		}
	}
	return domain.TradingPair{}, domain.ErrNotFound
}

func (s *fakePairStore) ListActive(_ context.Context) ([]domain.TradingPair, error) {
	var out []domain.TradingPair
	for _, id := range s.order {
		if p := s.pairs[id]; p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeBarStore struct {
	bars map[string][]domain.PriceBar // by pair id, oldest first
}

func newFakeBarStore() *fakeBarStore {
	return &fakeBarStore{bars: make(map[string][]domain.PriceBar)}
}

func (s *fakeBarStore) Insert(_ context.Context, bar domain.PriceBar) error {
	for _, b := range s.bars[bar.PairID] {
		if b.Timestamp.Equal(bar.Timestamp) {
			return domain.ErrAlreadyExists
		}
	}
	s.bars[bar.PairID] = append(s.bars[bar.PairID], bar)
	return nil
}

func (s *fakeBarStore) ListRecent(_ context.Context, pairID string, limit int) ([]domain.PriceBar, error) {
	bars := s.bars[pairID]
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

func (s *fakeBarStore) Latest(_ context.Context, pairID string) (domain.PriceBar, error) {
	bars := s.bars[pairID]
	if len(bars) == 0 {
		return domain.PriceBar{}, domain.ErrNotFound
	}
	return bars[len(bars)-1], nil
}

func (s *fakeBarStore) UpdateIndicators(_ context.Context, barID string, snap domain.IndicatorSnapshot) error {
	for pairID, bars := range s.bars {
		for i, b := range bars {
			if b.ID == barID {
				snapCopy := snap
				s.bars[pairID][i].Indicators = &snapCopy
				return nil
			}
		}
	}
	return domain.ErrNotFound
}

func (s *fakeBarStore) ListBefore(_ context.Context, before time.Time) ([]domain.PriceBar, error) {
	var out []domain.PriceBar
	for _, bars := range s.bars {
		for _, b := range bars {
			if b.Timestamp.Before(before) {
				out = append(out, b)
			}
		}
	}
	return out, nil
}

type fakeSignalStore struct {
	signals map[string]domain.TradingSignal
	order   []string
}

func newFakeSignalStore() *fakeSignalStore {
	return &fakeSignalStore{signals: make(map[string]domain.TradingSignal)}
}

func (s *fakeSignalStore) Insert(_ context.Context, sig domain.TradingSignal) error {
	if _, ok := s.signals[sig.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.signals[sig.ID] = sig
	s.order = append(s.order, sig.ID)
	return nil
}

func (s *fakeSignalStore) MarkConsumed(_ context.Context, id string, at time.Time) error {
	sig, ok := s.signals[id]
	if !ok {
		return domain.ErrNotFound
	}
	if sig.ConsumedAt != nil {
		return domain.ErrAlreadyExists
	}
	sig.ConsumedAt = &at
	s.signals[id] = sig
	return nil
}

func (s *fakeSignalStore) GetByID(_ context.Context, id string) (domain.TradingSignal, error) {
	sig, ok := s.signals[id]
	if !ok {
		return domain.TradingSignal{}, domain.ErrNotFound
	}
	return sig, nil
}

func (s *fakeSignalStore) ListRecent(_ context.Context, since time.Time, limit int) ([]domain.TradingSignal, error) {
	var out []domain.TradingSignal
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		sig := s.signals[s.order[i]]
		if sig.CreatedAt.After(since) {
			out = append(out, sig)
		}
	}
	return out, nil
}

type fakeOrderStore struct {
	orders map[string]domain.Order
	order  []string
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{orders: make(map[string]domain.Order)}
}

func (s *fakeOrderStore) Create(_ context.Context, o domain.Order) error {
	if _, ok := s.orders[o.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.orders[o.ID] = o
	s.order = append(s.order, o.ID)
	return nil
}

func (s *fakeOrderStore) Update(_ context.Context, o domain.Order) error {
	if _, ok := s.orders[o.ID]; !ok {
		return domain.ErrNotFound
	}
	s.orders[o.ID] = o
	return nil
}

func (s *fakeOrderStore) GetByID(_ context.Context, id string) (domain.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *fakeOrderStore) ListOpenWithExchangeID(_ context.Context) ([]domain.Order, error) {
	var out []domain.Order
	for _, id := range s.order {
		o := s.orders[id]
		if (o.Status == domain.OrderStatusPending || o.Status == domain.OrderStatusOpen) && o.HasExchangeID() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *fakeOrderStore) ListUnprotectedEntries(_ context.Context) ([]domain.Order, error) {
	var out []domain.Order
	for _, id := range s.order {
		o := s.orders[id]
		if o.ParentOrderID != nil || !o.HasExchangeID() {
			continue
		}
		if o.Status != domain.OrderStatusOpen && o.Status != domain.OrderStatusClosed {
			continue
		}
		if o.StopLossOrderID == nil || o.TakeProfitOrderID == nil {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *fakeOrderStore) SetChildOrders(_ context.Context, entryID string, stopLossID, takeProfitID *string) error {
	o, ok := s.orders[entryID]
	if !ok {
		return domain.ErrNotFound
	}
	o.StopLossOrderID = stopLossID
	o.TakeProfitOrderID = takeProfitID
	s.orders[entryID] = o
	return nil
}

type fakePositionStore struct {
	positions map[string]domain.Position
	order     []string
}

func newFakePositionStore() *fakePositionStore {
	return &fakePositionStore{positions: make(map[string]domain.Position)}
}

func (s *fakePositionStore) Create(_ context.Context, p domain.Position) error {
	if _, ok := s.positions[p.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.positions[p.ID] = p
	s.order = append(s.order, p.ID)
	return nil
}

func (s *fakePositionStore) Update(_ context.Context, p domain.Position) error {
	if _, ok := s.positions[p.ID]; !ok {
		return domain.ErrNotFound
	}
	s.positions[p.ID] = p
	return nil
}

func (s *fakePositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *fakePositionStore) GetByEntryOrder(_ context.Context, entryOrderID string) (domain.Position, error) {
	for _, id := range s.order {
		p := s.positions[id]
		if p.EntryOrderID == entryOrderID && p.IsOpen {
			return p, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

func (s *fakePositionStore) ListOpen(_ context.Context) ([]domain.Position, error) {
	var out []domain.Position
	for _, id := range s.order {
		if p := s.positions[id]; p.IsOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakePositionStore) List(_ context.Context) ([]domain.Position, error) {
	out := make([]domain.Position, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.positions[id])
	}
	return out, nil
}

func (s *fakePositionStore) ListClosedBefore(_ context.Context, before time.Time) ([]domain.Position, error) {
	var out []domain.Position
	for _, id := range s.order {
		p := s.positions[id]
		if !p.IsOpen && p.ClosedAt != nil && p.ClosedAt.Before(before) {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakePortfolioStore struct {
	portfolio *domain.Portfolio
}

func (s *fakePortfolioStore) GetOrCreate(_ context.Context, defaults domain.Portfolio) (domain.Portfolio, error) {
	if s.portfolio == nil {
		p := defaults
		s.portfolio = &p
	}
	return *s.portfolio, nil
}

func (s *fakePortfolioStore) Update(_ context.Context, p domain.Portfolio) error {
	if s.portfolio == nil {
		return domain.ErrNotFound
	}
	*s.portfolio = p
	return nil
}

type fakeAuditStore struct {
	entries []domain.AuditEntry
}

func (s *fakeAuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *fakeAuditStore) List(_ context.Context, limit int) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.entries[i])
	}
	return out, nil
}

func (s *fakeAuditStore) hasEvent(event string) bool {
	for _, e := range s.entries {
		if e.Event == event {
			return true
		}
	}
	return false
}

// ---- Cache fakes ----

type cachedPrice struct {
	price float64
	ts    time.Time
}

type fakePriceCache struct {
	prices map[string]cachedPrice
}

func newFakePriceCache() *fakePriceCache {
	return &fakePriceCache{prices: make(map[string]cachedPrice)}
}

func (c *fakePriceCache) SetPrice(_ context.Context, symbol string, price float64, ts time.Time) error {
	c.prices[symbol] = cachedPrice{price: price, ts: ts}
	return nil
}

func (c *fakePriceCache) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	p, ok := c.prices[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p.price, p.ts, nil
}

func (c *fakePriceCache) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, s := range symbols {
		if p, ok := c.prices[s]; ok {
			out[s] = p.price
		}
	}
	return out, nil
}

type fakeBus struct {
	published map[string][][]byte
	streams   map[string][][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		published: make(map[string][][]byte),
		streams:   make(map[string][][]byte),
	}
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *fakeBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.streams[stream] = append(b.streams[stream], payload)
	return nil
}

func (b *fakeBus) StreamRead(_ context.Context, stream string, _ string, count int) ([]domain.StreamMessage, error) {
	var out []domain.StreamMessage
	for i, p := range b.streams[stream] {
		if len(out) >= count {
			break
		}
		out = append(out, domain.StreamMessage{ID: fmt.Sprintf("%d-0", i), Payload: p})
	}
	return out, nil
}
