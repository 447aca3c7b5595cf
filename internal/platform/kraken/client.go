// Package kraken is the REST and WebSocket client for the Kraken spot
// exchange. Client implements the domain.Exchange capability consumed by the
// trading pipeline.
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"krakenbot/internal/crypto"
	"krakenbot/internal/domain"
)

const (
	defaultBaseURL = "https://api.kraken.com"
	apiVersion     = "0"
)

// Client is the Kraken REST client. All requests share one pacing gate so
// public and private calls together stay under the exchange rate limit.
type Client struct {
	baseURL    string
	auth       *crypto.APIAuth
	httpClient *http.Client
	logger     *slog.Logger

	// pacing gate
	mu          sync.Mutex
	lastRequest time.Time
	minInterval time.Duration
	lastNonce   int64
}

var _ domain.Exchange = (*Client)(nil)

// NewClient creates a Kraken REST client. minInterval is the minimum spacing
// between any two requests; zero disables pacing.
func NewClient(auth *crypto.APIAuth, minInterval time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL:     defaultBaseURL,
		auth:        auth,
		minInterval: minInterval,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With(slog.String("component", "kraken")),
	}
}

// SetBaseURL overrides the API root, for tests against a local server.
func (c *Client) SetBaseURL(u string) { c.baseURL = u }

// SetTimeout overrides the per-request HTTP timeout.
func (c *Client) SetTimeout(d time.Duration) { c.httpClient.Timeout = d }

// PlaceOrder submits an order and returns the exchange-assigned transaction
// id. Rejections surface as domain.ErrExchangeRejected.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	data := url.Values{}
	data.Set("pair", req.Symbol)
	data.Set("type", string(req.Side))
	data.Set("ordertype", string(req.Kind))
	data.Set("volume", strconv.FormatFloat(req.Amount, 'f', -1, 64))
	if req.Kind != domain.OrderKindMarket {
		data.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
	}

	body, err := c.privateRequest(ctx, "AddOrder", data)
	if err != nil {
		return "", fmt.Errorf("kraken: add order: %w", err)
	}

	var result addOrderResult
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("kraken: decode add order: %w", err)
	}
	if len(result.TxID) == 0 {
		return "", fmt.Errorf("kraken: add order: %w: no txid returned", domain.ErrExchangeRejected)
	}

	c.logger.InfoContext(ctx, "order placed",
		slog.String("txid", result.TxID[0]),
		slog.String("pair", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.String("kind", string(req.Kind)),
		slog.Float64("amount", req.Amount),
	)
	return result.TxID[0], nil
}

// CancelOrder cancels an open order by its exchange transaction id.
func (c *Client) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	data := url.Values{}
	data.Set("txid", exchangeOrderID)

	if _, err := c.privateRequest(ctx, "CancelOrder", data); err != nil {
		return fmt.Errorf("kraken: cancel order %s: %w", exchangeOrderID, err)
	}
	return nil
}

// QueryOrders batch-fetches authoritative order state for up to 50 ids.
func (c *Client) QueryOrders(ctx context.Context, exchangeOrderIDs []string) (map[string]domain.ExchangeOrderState, error) {
	if len(exchangeOrderIDs) == 0 {
		return map[string]domain.ExchangeOrderState{}, nil
	}

	data := url.Values{}
	data.Set("txid", strings.Join(exchangeOrderIDs, ","))

	body, err := c.privateRequest(ctx, "QueryOrders", data)
	if err != nil {
		return nil, fmt.Errorf("kraken: query orders: %w", err)
	}

	var result map[string]orderInfo
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("kraken: decode query orders: %w", err)
	}

	states := make(map[string]domain.ExchangeOrderState, len(result))
	for id, info := range result {
		states[id] = domain.ExchangeOrderState{
			Status:       mapOrderStatus(info.Status),
			FilledAmount: float64(info.VolumeExec),
			AveragePrice: float64(info.Price),
			Fee:          float64(info.Fee),
		}
	}
	return states, nil
}

// Ticker returns the last trade price per requested symbol.
func (c *Client) Ticker(ctx context.Context, symbols []string) (map[string]float64, error) {
	params := url.Values{}
	if len(symbols) > 0 {
		params.Set("pair", strings.Join(symbols, ","))
	}

	body, err := c.publicRequest(ctx, "Ticker", params)
	if err != nil {
		return nil, fmt.Errorf("kraken: ticker: %w", err)
	}

	var result map[string]tickerInfo
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("kraken: decode ticker: %w", err)
	}

	prices := make(map[string]float64, len(result))
	for symbol, info := range result {
		if len(info.C) == 0 {
			continue
		}
		prices[symbol] = float64(info.C[0])
	}
	return prices, nil
}

// OHLC returns up to 720 candles for the symbol at the given interval,
// oldest first. The interval is rounded down to whole minutes.
func (c *Client) OHLC(ctx context.Context, symbol string, interval time.Duration) ([]domain.Candle, error) {
	params := url.Values{}
	params.Set("pair", symbol)
	params.Set("interval", strconv.Itoa(int(interval.Minutes())))

	body, err := c.publicRequest(ctx, "OHLC", params)
	if err != nil {
		return nil, fmt.Errorf("kraken: ohlc %s: %w", symbol, err)
	}

	// The result maps the pair name to an array of candle tuples plus a
	// "last" cursor field.
	var result map[string]json.RawMessage
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("kraken: decode ohlc: %w", err)
	}

	for key, raw := range result {
		if key == "last" {
			continue
		}
		var tuples [][]number
		if err := json.Unmarshal(raw, &tuples); err != nil {
			return nil, fmt.Errorf("kraken: decode ohlc candles: %w", err)
		}

		candles := make([]domain.Candle, 0, len(tuples))
		for _, t := range tuples {
			// [time, open, high, low, close, vwap, volume, count]
			if len(t) < 7 {
				continue
			}
			candles = append(candles, domain.Candle{
				Timestamp: time.Unix(int64(t[0]), 0).UTC(),
				Open:      float64(t[1]),
				High:      float64(t[2]),
				Low:       float64(t[3]),
				Close:     float64(t[4]),
				Volume:    float64(t[6]),
			})
		}
		return candles, nil
	}
	return nil, fmt.Errorf("kraken: ohlc %s: empty result", symbol)
}

// AssetPairs returns metadata for all online tradable pairs keyed by altname.
func (c *Client) AssetPairs(ctx context.Context) (map[string]domain.PairInfo, error) {
	body, err := c.publicRequest(ctx, "AssetPairs", nil)
	if err != nil {
		return nil, fmt.Errorf("kraken: asset pairs: %w", err)
	}

	var result map[string]assetPairInfo
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("kraken: decode asset pairs: %w", err)
	}

	pairs := make(map[string]domain.PairInfo, len(result))
	for _, info := range result {
		if info.Status != "" && info.Status != "online" {
			continue
		}
		pairs[info.Altname] = domain.PairInfo{
			Symbol:          info.Altname,
			BaseAsset:       info.Base,
			QuoteAsset:      info.Quote,
			MinOrderSize:    float64(info.OrderMin),
			PricePrecision:  info.PairDecimals,
			VolumePrecision: info.LotDecimals,
		}
	}
	return pairs, nil
}

// Balances returns the USD trade balance snapshot.
func (c *Client) Balances(ctx context.Context) (domain.Balances, error) {
	data := url.Values{}
	data.Set("asset", "ZUSD")

	body, err := c.privateRequest(ctx, "TradeBalance", data)
	if err != nil {
		return domain.Balances{}, fmt.Errorf("kraken: trade balance: %w", err)
	}

	var result tradeBalanceResult
	if err := json.Unmarshal(body, &result); err != nil {
		return domain.Balances{}, fmt.Errorf("kraken: decode trade balance: %w", err)
	}

	available := float64(result.FreeMargin)
	if available == 0 {
		available = float64(result.EquivalentBalance)
	}
	return domain.Balances{
		TotalUSD:     float64(result.EquivalentBalance),
		AvailableUSD: available,
	}, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// publicRequest performs a GET against a public endpoint.
func (c *Client) publicRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if err := c.pace(ctx); err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/%s/public/%s", c.baseURL, apiVersion, endpoint)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	return c.do(req)
}

// privateRequest signs and performs a POST against a private endpoint.
func (c *Client) privateRequest(ctx context.Context, endpoint string, data url.Values) ([]byte, error) {
	if c.auth == nil || c.auth.Key == "" {
		return nil, fmt.Errorf("kraken: api credentials not configured")
	}
	if err := c.pace(ctx); err != nil {
		return nil, err
	}

	nonce := c.nextNonce()
	if data == nil {
		data = url.Values{}
	}
	data.Set("nonce", nonce)

	path := fmt.Sprintf("/%s/private/%s", apiVersion, endpoint)
	sig, err := c.auth.Sign(path, nonce, data)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("API-Key", c.auth.Key)
	req.Header.Set("API-Sign", sig)

	return c.do(req)
}

// do sends the request and unwraps the Kraken response envelope.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, domain.ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if len(envelope.Error) > 0 {
		return nil, apiError(envelope.Error)
	}
	return envelope.Result, nil
}

// pace blocks until the minimum inter-request interval has elapsed.
func (c *Client) pace(ctx context.Context) error {
	c.mu.Lock()
	wait := c.minInterval - time.Since(c.lastRequest)
	if wait > 0 {
		c.lastRequest = c.lastRequest.Add(c.minInterval)
	} else {
		c.lastRequest = time.Now()
	}
	c.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// nextNonce returns a strictly increasing millisecond nonce.
func (c *Client) nextNonce() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := time.Now().UnixMilli()
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return strconv.FormatInt(n, 10)
}

// apiError maps Kraken error codes to domain sentinels where the caller can
// act on them.
func apiError(errs []string) error {
	joined := strings.Join(errs, "; ")
	for _, e := range errs {
		switch {
		case strings.Contains(e, "Rate limit") || strings.Contains(e, "Too many requests"):
			return fmt.Errorf("%w: %s", domain.ErrRateLimited, joined)
		case strings.HasPrefix(e, "EOrder:"):
			return fmt.Errorf("%w: %s", domain.ErrExchangeRejected, joined)
		}
	}
	return fmt.Errorf("api error: %s", joined)
}

func mapOrderStatus(s string) domain.OrderStatus {
	switch s {
	case "pending":
		return domain.OrderStatusPending
	case "open":
		return domain.OrderStatusOpen
	case "closed":
		return domain.OrderStatusClosed
	case "canceled":
		return domain.OrderStatusCanceled
	case "expired":
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatus(s)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
