package notify

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"krakenbot/internal/domain"
)

type fakeBus struct {
	stream []domain.StreamMessage
}

func (f *fakeBus) Publish(context.Context, string, []byte) error { return nil }

func (f *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (f *fakeBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (f *fakeBus) StreamRead(_ context.Context, _ string, lastID string, _ int) ([]domain.StreamMessage, error) {
	var out []domain.StreamMessage
	for _, m := range f.stream {
		if lastID == "$" || m.ID > lastID {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakePairs struct {
	pairs map[string]domain.TradingPair
}

func (f *fakePairs) Upsert(context.Context, domain.TradingPair) error { return nil }

func (f *fakePairs) GetByID(_ context.Context, id string) (domain.TradingPair, error) {
	p, ok := f.pairs[id]
	if !ok {
		return domain.TradingPair{}, domain.ErrNotFound
	}
	return p, nil
}

func (f *fakePairs) GetBySymbol(_ context.Context, _ string) (domain.TradingPair, error) {
	return domain.TradingPair{}, domain.ErrNotFound
}

func (f *fakePairs) ListActive(context.Context) ([]domain.TradingPair, error) { return nil, nil }

func newListenerFixture(bus *fakeBus, sender *fakeSender) *Listener {
	pairs := &fakePairs{pairs: map[string]domain.TradingPair{
		"pair-btc": {ID: "pair-btc", Symbol: "XBTUSD", DisplayName: "BTC/USD"},
	}}
	n := NewNotifier([]Sender{sender}, nil, discardLogger())
	return NewListener(bus, pairs, n, "signals", "alerts", "cycle_results", discardLogger())
}

func TestHandleSignal(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{name: "test"}
	l := newListenerFixture(&fakeBus{}, sender)

	payload, err := json.Marshal(domain.TradingSignal{
		ID:            "sig-1",
		PairID:        "pair-btc",
		Type:          domain.SignalBuy,
		Confidence:    0.72,
		EntryPrice:    50123.5,
		TargetPrice:   52000,
		StopLossPrice: 49000,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	l.handleSignal(ctx, payload)

	if len(sender.titles) != 1 {
		t.Fatalf("alerts = %d, want 1", len(sender.titles))
	}
	if !strings.Contains(sender.titles[0], "BTC/USD") {
		t.Errorf("title %q does not name the pair", sender.titles[0])
	}
	if !strings.Contains(sender.messages[0], "72%") {
		t.Errorf("message %q does not show confidence", sender.messages[0])
	}
}

func TestHandleSignal_MalformedPayload(t *testing.T) {
	sender := &fakeSender{name: "test"}
	l := newListenerFixture(&fakeBus{}, sender)

	l.handleSignal(context.Background(), []byte("{not json"))
	if len(sender.titles) != 0 {
		t.Errorf("malformed payload produced an alert")
	}
}

func TestHandleAlert_PositionOpened(t *testing.T) {
	sender := &fakeSender{name: "test"}
	l := newListenerFixture(&fakeBus{}, sender)

	payload, _ := json.Marshal(map[string]any{
		"event":       "position_opened",
		"position_id": "pos-1",
		"symbol":      "XBTUSD",
		"side":        "buy",
		"amount":      0.5,
		"entry_price": 50123.5,
	})
	l.handleAlert(context.Background(), payload)

	if len(sender.titles) != 1 {
		t.Fatalf("alerts = %d, want 1", len(sender.titles))
	}
	if !strings.Contains(sender.titles[0], "XBTUSD") {
		t.Errorf("title %q does not name the symbol", sender.titles[0])
	}
	if !strings.Contains(sender.messages[0], "50123.50") {
		t.Errorf("message %q does not show entry price", sender.messages[0])
	}
}

func TestHandleAlert_RiskHigh(t *testing.T) {
	sender := &fakeSender{name: "test"}
	l := newListenerFixture(&fakeBus{}, sender)

	payload, _ := json.Marshal(map[string]any{
		"event":  "risk_high",
		"status": "critical",
		"alerts": []string{"daily loss limit reached", "drawdown above threshold"},
	})
	l.handleAlert(context.Background(), payload)

	if len(sender.titles) != 1 {
		t.Fatalf("alerts = %d, want 1", len(sender.titles))
	}
	if !strings.Contains(sender.titles[0], "critical") {
		t.Errorf("title %q does not show the risk status", sender.titles[0])
	}
	if !strings.Contains(sender.messages[0], "daily loss limit") {
		t.Errorf("message %q missing risk detail", sender.messages[0])
	}
}

func TestHandleAlert_UnknownEventIgnored(t *testing.T) {
	sender := &fakeSender{name: "test"}
	l := newListenerFixture(&fakeBus{}, sender)

	payload, _ := json.Marshal(map[string]any{"event": "mystery"})
	l.handleAlert(context.Background(), payload)
	if len(sender.titles) != 0 {
		t.Errorf("unknown event produced an alert")
	}
}

func TestDrainCycleStream(t *testing.T) {
	ctx := context.Background()
	withErrors, _ := json.Marshal(cycleEvent{
		SignalsGenerated: 1,
		Errors:           []string{"market data: timeout"},
	})
	quiet, _ := json.Marshal(cycleEvent{PortfolioUpdated: true})
	active, _ := json.Marshal(cycleEvent{SignalsGenerated: 2, PositionsOpened: 1})

	bus := &fakeBus{stream: []domain.StreamMessage{
		{ID: "1-0", Payload: withErrors},
		{ID: "2-0", Payload: quiet},
		{ID: "3-0", Payload: active},
	}}
	sender := &fakeSender{name: "test"}
	l := newListenerFixture(bus, sender)

	cursor := l.drainCycleStream(ctx, "$")
	if cursor != "3-0" {
		t.Errorf("cursor = %q, want 3-0", cursor)
	}
	// The error cycle and the active cycle alert; the quiet one is skipped.
	if len(sender.titles) != 2 {
		t.Fatalf("alerts = %d, want 2: %v", len(sender.titles), sender.titles)
	}
	if !strings.Contains(sender.messages[0], "timeout") {
		t.Errorf("error alert %q missing cycle error text", sender.messages[0])
	}

	if got := l.drainCycleStream(ctx, cursor); got != cursor {
		t.Errorf("cursor moved with no new messages: %q", got)
	}
	if len(sender.titles) != 2 {
		t.Errorf("stale messages redelivered")
	}
}
