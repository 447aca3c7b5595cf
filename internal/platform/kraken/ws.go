package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWSURL = "wss://ws.kraken.com"

	wsWriteWait  = 10 * time.Second
	wsPongWait   = 30 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10

	wsReconnectDelay    = 2 * time.Second
	wsMaxReconnectDelay = 60 * time.Second
)

// TickerUpdate is one real-time last-trade price for a pair.
type TickerUpdate struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// TickerHandler is called for every ticker update received over the feed.
type TickerHandler func(TickerUpdate)

// WSClient streams the public ticker channel over WebSocket. It reconnects
// with exponential backoff and restores its subscriptions.
type WSClient struct {
	wsURL  string
	logger *slog.Logger

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool

	subscribedPairs []string

	handlerMu sync.RWMutex
	handlers  []TickerHandler

	// channelPairs maps the server-assigned channel id to the pair name
	// from the subscription acknowledgement.
	channelMu    sync.RWMutex
	channelPairs map[int64]string

	done chan struct{}
}

// NewWSClient creates a Kraken public WebSocket client.
func NewWSClient(logger *slog.Logger) *WSClient {
	return &WSClient{
		wsURL:        defaultWSURL,
		logger:       logger.With(slog.String("component", "kraken_ws")),
		channelPairs: make(map[int64]string),
		done:         make(chan struct{}),
	}
}

// SetURL overrides the WebSocket endpoint, for tests.
func (w *WSClient) SetURL(u string) { w.wsURL = u }

// Connect establishes the WebSocket connection and starts the read and ping
// loops.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("kraken/ws: client is closed")
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("kraken/ws: connect: %w", err)
	}
	w.conn = conn

	w.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	go w.readLoop()
	go w.pingLoop()

	if len(w.subscribedPairs) > 0 {
		if err := w.sendSubscribe(w.subscribedPairs); err != nil {
			return fmt.Errorf("kraken/ws: restore subscriptions: %w", err)
		}
	}
	return nil
}

// Subscribe subscribes to ticker updates for pair symbols in WebSocket name
// form, e.g. "XBT/USD".
func (w *WSClient) Subscribe(pairs []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("kraken/ws: not connected")
	}
	if err := w.sendSubscribe(pairs); err != nil {
		return fmt.Errorf("kraken/ws: subscribe: %w", err)
	}

	existing := make(map[string]struct{}, len(w.subscribedPairs))
	for _, p := range w.subscribedPairs {
		existing[p] = struct{}{}
	}
	for _, p := range pairs {
		if _, ok := existing[p]; !ok {
			w.subscribedPairs = append(w.subscribedPairs, p)
		}
	}
	return nil
}

// OnTicker registers a handler invoked for every price update.
func (w *WSClient) OnTicker(handler TickerHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.handlers = append(w.handlers, handler)
}

// Close shuts down the connection.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// sendSubscribe sends the ticker subscribe command. Caller must hold w.mu.
func (w *WSClient) sendSubscribe(pairs []string) error {
	cmd := map[string]any{
		"event": "subscribe",
		"pair":  pairs,
		"subscription": map[string]string{
			"name": "ticker",
		},
	}

	w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *WSClient) readLoop() {
	defer func() {
		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}
			w.logger.Warn("read failed, reconnecting", slog.String("error", err.Error()))
			w.reconnect()
			return
		}

		w.handleMessage(message)
	}
}

func (w *WSClient) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.RLock()
			conn := w.conn
			w.mu.RUnlock()
			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage routes one raw frame. Events arrive as JSON objects, channel
// data as arrays of [channelID, payload, channelName, pair].
func (w *WSClient) handleMessage(raw []byte) {
	if len(raw) == 0 {
		return
	}

	if raw[0] == '{' {
		var ev wsEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}
		w.handleEvent(raw, ev)
		return
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) < 4 {
		return
	}

	var channelID int64
	if err := json.Unmarshal(parts[0], &channelID); err != nil {
		return
	}

	var pair string
	if err := json.Unmarshal(parts[len(parts)-1], &pair); err != nil || pair == "" {
		w.channelMu.RLock()
		pair = w.channelPairs[channelID]
		w.channelMu.RUnlock()
	}
	if pair == "" {
		return
	}

	var payload wsTickerPayload
	if err := json.Unmarshal(parts[1], &payload); err != nil || len(payload.C) == 0 {
		return
	}

	update := TickerUpdate{
		Symbol: pair,
		Price:  float64(payload.C[0]),
		Time:   time.Now().UTC(),
	}

	w.handlerMu.RLock()
	handlers := w.handlers
	w.handlerMu.RUnlock()
	for _, h := range handlers {
		h(update)
	}
}

func (w *WSClient) handleEvent(raw []byte, ev wsEvent) {
	switch ev.Event {
	case "subscriptionStatus":
		if ev.Status == "error" {
			w.logger.Warn("subscription rejected",
				slog.String("pair", ev.Pair),
				slog.String("error", ev.ErrorMessage),
			)
			return
		}

		var ack struct {
			ChannelID int64  `json:"channelID"`
			Pair      string `json:"pair"`
		}
		if err := json.Unmarshal(raw, &ack); err != nil {
			return
		}
		w.channelMu.Lock()
		w.channelPairs[ack.ChannelID] = ack.Pair
		w.channelMu.Unlock()
	case "systemStatus":
		w.logger.Info("feed status", slog.String("status", ev.Status))
	}
}

// reconnect re-establishes the connection with exponential backoff.
func (w *WSClient) reconnect() {
	delay := wsReconnectDelay

	for {
		select {
		case <-w.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()
		if err == nil {
			return
		}

		delay *= 2
		if delay > wsMaxReconnectDelay {
			delay = wsMaxReconnectDelay
		}
	}
}
