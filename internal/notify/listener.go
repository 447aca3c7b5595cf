package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"krakenbot/internal/domain"
)

// cycleEvent mirrors the cycle result payload the scheduler appends to its
// result stream.
type cycleEvent struct {
	Timestamp          time.Time `json:"timestamp"`
	MarketDataUpdated  bool      `json:"market_data_updated"`
	SignalsGenerated   int       `json:"signals_generated"`
	PositionsOpened    int       `json:"positions_opened"`
	PositionsMonitored int       `json:"positions_monitored"`
	PortfolioUpdated   bool      `json:"portfolio_updated"`
	Errors             []string  `json:"errors"`
}

// Listener consumes bot events off the event bus and turns them into operator
// alerts. Signal announcements arrive on a pub/sub channel; cycle results are
// tailed from a stream so a slow notifier never blocks the scheduler.
type Listener struct {
	bus      domain.EventBus
	pairs    domain.PairStore
	notifier *Notifier
	logger   *slog.Logger

	signalChannel string
	alertChannel  string
	cycleStream   string
	pollInterval  time.Duration
}

func NewListener(
	bus domain.EventBus,
	pairs domain.PairStore,
	notifier *Notifier,
	signalChannel, alertChannel, cycleStream string,
	logger *slog.Logger,
) *Listener {
	return &Listener{
		bus:           bus,
		pairs:         pairs,
		notifier:      notifier,
		logger:        logger.With(slog.String("component", "notify_listener")),
		signalChannel: signalChannel,
		alertChannel:  alertChannel,
		cycleStream:   cycleStream,
		pollInterval:  15 * time.Second,
	}
}

// Run blocks until the context is cancelled, relaying signal and cycle events
// to the notifier.
func (l *Listener) Run(ctx context.Context) error {
	signals, err := l.bus.Subscribe(ctx, l.signalChannel)
	if err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", l.signalChannel, err)
	}
	alerts, err := l.bus.Subscribe(ctx, l.alertChannel)
	if err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", l.alertChannel, err)
	}

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	lastID := "$"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-signals:
			if !ok {
				return fmt.Errorf("notify: signal channel closed")
			}
			l.handleSignal(ctx, payload)
		case payload, ok := <-alerts:
			if !ok {
				return fmt.Errorf("notify: alert channel closed")
			}
			l.handleAlert(ctx, payload)
		case <-ticker.C:
			lastID = l.drainCycleStream(ctx, lastID)
		}
	}
}

func (l *Listener) handleSignal(ctx context.Context, payload []byte) {
	var sig domain.TradingSignal
	if err := json.Unmarshal(payload, &sig); err != nil {
		l.logger.WarnContext(ctx, "malformed signal payload", slog.String("error", err.Error()))
		return
	}

	symbol := sig.PairID
	if pair, err := l.pairs.GetByID(ctx, sig.PairID); err == nil {
		symbol = pair.DisplayName
	}

	title := fmt.Sprintf("%s signal: %s", strings.ToUpper(string(sig.Type)), symbol)
	message := fmt.Sprintf(
		"Confidence %.0f%%\nEntry %.2f\nTarget %.2f\nStop %.2f",
		sig.Confidence*100, sig.EntryPrice, sig.TargetPrice, sig.StopLossPrice,
	)
	if err := l.notifier.Notify(ctx, EventSignal, title, message); err != nil {
		l.logger.WarnContext(ctx, "signal alert failed", slog.String("error", err.Error()))
	}
}

// handleAlert relays a position lifecycle or risk event. Payloads are flat
// JSON objects keyed by "event".
func (l *Listener) handleAlert(ctx context.Context, payload []byte) {
	var alert map[string]any
	if err := json.Unmarshal(payload, &alert); err != nil {
		l.logger.WarnContext(ctx, "malformed alert payload", slog.String("error", err.Error()))
		return
	}
	event, _ := alert["event"].(string)

	var title, message string
	switch event {
	case EventPositionOpened:
		title = fmt.Sprintf("Position opened: %s", str(alert, "symbol"))
		message = fmt.Sprintf(
			"Side %s\nAmount %.6f\nEntry %.2f",
			str(alert, "side"), num(alert, "amount"), num(alert, "entry_price"),
		)
	case EventPositionClosed:
		title = fmt.Sprintf("Position closed (%s)", str(alert, "reason"))
		message = fmt.Sprintf("PnL %+.2f USD", num(alert, "realized_pnl"))
	case EventUnprotected:
		title = "Position without protective orders"
		message = fmt.Sprintf("Position %s\n%s", str(alert, "position_id"), str(alert, "error"))
	case EventRiskHigh:
		title = fmt.Sprintf("Risk level %s", str(alert, "status"))
		message = strings.Join(strs(alert, "alerts"), "\n")
	default:
		l.logger.WarnContext(ctx, "unknown alert event", slog.String("event", event))
		return
	}

	if err := l.notifier.Notify(ctx, event, title, message); err != nil {
		l.logger.WarnContext(ctx, "alert failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func num(m map[string]any, key string) float64 {
	f, _ := m[key].(float64)
	return f
}

func strs(m map[string]any, key string) []string {
	raw, _ := m[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// drainCycleStream reads any cycle results appended since the last poll and
// returns the new cursor. "$" means start from the tail on the first read.
func (l *Listener) drainCycleStream(ctx context.Context, lastID string) string {
	msgs, err := l.bus.StreamRead(ctx, l.cycleStream, lastID, 50)
	if err != nil {
		l.logger.WarnContext(ctx, "cycle stream read failed", slog.String("error", err.Error()))
		return lastID
	}

	for _, msg := range msgs {
		lastID = msg.ID
		var cycle cycleEvent
		if err := json.Unmarshal(msg.Payload, &cycle); err != nil {
			l.logger.WarnContext(ctx, "malformed cycle payload", slog.String("error", err.Error()))
			continue
		}
		l.notifyCycle(ctx, cycle)
	}
	return lastID
}

func (l *Listener) notifyCycle(ctx context.Context, cycle cycleEvent) {
	if len(cycle.Errors) > 0 {
		title := fmt.Sprintf("Cycle errors (%d)", len(cycle.Errors))
		message := strings.Join(cycle.Errors, "\n")
		if err := l.notifier.Notify(ctx, EventCycleError, title, message); err != nil {
			l.logger.WarnContext(ctx, "cycle error alert failed", slog.String("error", err.Error()))
		}
		return
	}

	// Quiet cycles are only worth a message when something happened.
	if cycle.PositionsOpened == 0 && cycle.SignalsGenerated == 0 {
		return
	}
	message := fmt.Sprintf(
		"Signals %d\nPositions opened %d\nPositions monitored %d",
		cycle.SignalsGenerated, cycle.PositionsOpened, cycle.PositionsMonitored,
	)
	if err := l.notifier.Notify(ctx, EventCycle, "Trading cycle", message); err != nil {
		l.logger.WarnContext(ctx, "cycle alert failed", slog.String("error", err.Error()))
	}
}
