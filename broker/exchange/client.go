// Package exchange implements the brokerage adapter for exchange-style
// back-ends behind a REST gateway: asynchronous order placement with
// client-order-id correlation, protective bracket orders, and watcher
// loops for parent orders and net positions.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const errBodyLimit = 4 << 10

// Client is a thin HTTP client for the order gateway.
type Client struct {
	baseURL    string
	key        string
	secret     string
	httpClient *http.Client
}

func NewHTTPClient(baseURL, key, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		key:     key,
		secret:  secret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Ticker is the gateway's quote snapshot. Info carries fields the
// venue reports under its own names.
type Ticker struct {
	Symbol string             `json:"symbol"`
	Bid    float64            `json:"bid"`
	Ask    float64            `json:"ask"`
	Last   float64            `json:"last"`
	Info   map[string]float64 `json:"info,omitempty"`
}

// OrderBook is the top-of-book fallback when the ticker is stale.
type OrderBook struct {
	Bids [][2]float64 `json:"bids"`
	Asks [][2]float64 `json:"asks"`
}

// OrderRequest is the create-order payload.
type OrderRequest struct {
	Symbol        string         `json:"symbol"`
	Side          string         `json:"side"`
	Type          string         `json:"type"`
	Amount        float64        `json:"amount"`
	Price         float64        `json:"price,omitempty"`
	StopPrice     float64        `json:"stopPrice,omitempty"`
	ReduceOnly    bool           `json:"reduceOnly,omitempty"`
	ClientOrderID string         `json:"clientOrderId,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
}

// OrderResponse is a created or fetched order. Which id field the
// venue fills varies; TicketID resolves the fallbacks.
type OrderResponse struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"clientOrderId"`
	Status        string          `json:"status"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Price         float64         `json:"price"`
	Amount        float64         `json:"amount"`
	Filled        float64         `json:"filled"`
	Info          json.RawMessage `json:"info,omitempty"`
}

// TicketID resolves the order's back-end ticket: the primary id, then
// the echoed client order id, then an orderId nested under info.
func (o OrderResponse) TicketID() string {
	if o.ID != "" {
		return o.ID
	}
	if o.ClientOrderID != "" {
		return o.ClientOrderID
	}
	var info struct {
		OrderID json.Number `json:"orderId"`
	}
	if len(o.Info) > 0 && json.Unmarshal(o.Info, &info) == nil {
		return info.OrderID.String()
	}
	return ""
}

// PositionRow is one entry of the positions snapshot.
type PositionRow struct {
	Symbol     string  `json:"symbol"`
	Size       float64 `json:"size"` // signed net size
	EntryPrice float64 `json:"entryPrice"`
	PnL        float64 `json:"unrealizedPnl"`
}

// Instrument carries the venue's metadata for one symbol.
type Instrument struct {
	Symbol   string  `json:"symbol"`
	TickSize float64 `json:"tickSize"`
}

func (c *Client) Ticker(ctx context.Context, symbol string) (*Ticker, error) {
	var t Ticker
	params := url.Values{"symbol": {symbol}}
	if err := c.get(ctx, "/api/v1/ticker", params, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) OrderBookTop(ctx context.Context, symbol string) (*OrderBook, error) {
	var ob OrderBook
	params := url.Values{"symbol": {symbol}, "limit": {"1"}}
	if err := c.get(ctx, "/api/v1/orderbook", params, &ob); err != nil {
		return nil, err
	}
	return &ob, nil
}

func (c *Client) InstrumentMeta(ctx context.Context, symbol string) (*Instrument, error) {
	var in Instrument
	params := url.Values{"symbol": {symbol}}
	if err := c.get(ctx, "/api/v1/instruments", params, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	var resp OrderResponse
	if err := c.post(ctx, "/api/v1/orders", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) FetchOrder(ctx context.Context, id, symbol string) (*OrderResponse, error) {
	var resp OrderResponse
	params := url.Values{"symbol": {symbol}}
	if err := c.get(ctx, "/api/v1/orders/"+url.PathEscape(id), params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelOrder cancels by primary id. Params carry venue extensions,
// e.g. a clientOrderId fallback when the primary id is rejected.
func (c *Client) CancelOrder(ctx context.Context, id, symbol string, params map[string]string) error {
	q := url.Values{"symbol": {symbol}}
	for k, v := range params {
		q.Set(k, v)
	}
	return c.del(ctx, "/api/v1/orders/"+url.PathEscape(id), q)
}

func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]OrderResponse, error) {
	var out []OrderResponse
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	if err := c.get(ctx, "/api/v1/orders", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Positions(ctx context.Context) ([]PositionRow, error) {
	var out []PositionRow
	if err := c.get(ctx, "/api/v1/positions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ClosedTrades(ctx context.Context, symbol string) ([]OrderResponse, error) {
	var out []OrderResponse
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	if err := c.get(ctx, "/api/v1/trades", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	apiURL := c.baseURL + path
	if len(params) > 0 {
		apiURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) del(ctx context.Context, path string, params url.Values) error {
	apiURL := c.baseURL + path
	if len(params) > 0 {
		apiURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, apiURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("X-API-Key", c.key)
	if c.secret != "" {
		req.Header.Set("X-API-Secret", c.secret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
