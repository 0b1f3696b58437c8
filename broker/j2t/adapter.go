// Package j2t is the synchronous adapter for an equities broker with
// a form-encoded REST API. The venue answers the placement call with
// the final outcome, so there is no pending phase: PlaceOrder returns
// a terminal result and no order events fire.
package j2t

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradeterm/tradeterm/broker"
	"github.com/tradeterm/tradeterm/market"
)

const errBodyLimit = 4 << 10

// Config for the adapter. AccountID and Token are mandatory; the
// constructor fails without them rather than producing an adapter that
// rejects everything at runtime.
type Config struct {
	BaseURL   string
	AccountID string
	Token     string
	Timeout   time.Duration
}

type Adapter struct {
	cfg        Config
	events     *broker.Events
	httpClient *http.Client
	log        *zap.Logger
}

func New(cfg Config, log *zap.Logger) (*Adapter, error) {
	if cfg.AccountID == "" || cfg.Token == "" {
		return nil, fmt.Errorf("j2t: accountId and token are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		cfg:        cfg,
		events:     broker.NewEvents(),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log.Named("j2t"),
	}, nil
}

func (a *Adapter) Provider() string       { return "j2t" }
func (a *Adapter) Events() *broker.Events { return a.events }
func (a *Adapter) Close() error           { return nil }

// apiResponse is the venue's envelope: s is "ok" or "error".
type apiResponse struct {
	S string `json:"s"`
	D struct {
		OrderID json.Number `json:"orderId"`
	} `json:"d"`
	ErrMsg string `json:"errmsg"`
}

// PlaceOrder submits synchronously and returns the terminal outcome.
func (a *Adapter) PlaceOrder(ctx context.Context, o broker.Order) broker.Result {
	if err := o.Validate(); err != nil {
		return broker.Rejected(a.Provider(), err.Error())
	}
	qty, err := integerQty(o.Qty)
	if err != nil {
		return broker.Rejected(a.Provider(), err.Error())
	}

	form := url.Values{}
	form.Set("instrument", o.Symbol)
	form.Set("side", string(o.Side))
	form.Set("qty", strconv.Itoa(qty))
	switch o.Type {
	case market.Market:
		form.Set("type", "market")
	case market.Limit:
		form.Set("type", "limit")
		form.Set("limitPrice", formatPrice(o.Price))
	case market.Stop:
		form.Set("type", "stop")
		form.Set("stopPrice", formatPrice(o.StopPrice))
	case market.StopLimit:
		form.Set("type", "stoplimit")
		form.Set("limitPrice", formatPrice(o.Price))
		form.Set("stopPrice", formatPrice(o.StopPrice))
	}
	if d, ok := o.Meta["durationType"]; ok {
		form.Set("durationType", d)
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders?requestId=%s",
		a.cfg.BaseURL, url.PathEscape(a.cfg.AccountID), uuid.NewString())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return broker.Rejected(a.Provider(), err.Error())
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+a.cfg.Token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return broker.Rejected(a.Provider(), err.Error())
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
	var api apiResponse
	if err := json.Unmarshal(body, &api); err != nil || api.S != "ok" {
		reason := api.ErrMsg
		if reason == "" {
			reason = fmt.Sprintf("status %d: %s", resp.StatusCode, string(body))
		}
		a.log.Warn("order rejected", zap.String("symbol", o.Symbol), zap.String("reason", reason))
		return broker.Rejected(a.Provider(), reason)
	}

	a.log.Info("order accepted",
		zap.String("symbol", o.Symbol),
		zap.String("order_id", api.D.OrderID.String()))
	return broker.Result{
		Status:   broker.StatusAccepted,
		Provider: a.Provider(),
		OrderID:  api.D.OrderID.String(),
	}
}

// StopOpenOrder is a no-op: a synchronous adapter never holds a
// pending token.
func (a *Adapter) StopOpenOrder(string) {}

func (a *Adapter) GetQuote(ctx context.Context, symbol string) *market.Quote {
	endpoint := fmt.Sprintf("%s/quotes?symbol=%s", a.cfg.BaseURL, url.QueryEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	var q struct {
		D []struct {
			Bid float64 `json:"bid"`
			Ask float64 `json:"ask"`
			Lp  float64 `json:"lp"` // last price
		} `json:"d"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil || len(q.D) == 0 {
		return nil
	}
	d := q.D[0]
	price := d.Lp
	if d.Bid > 0 && d.Ask > 0 {
		price = (d.Bid + d.Ask) / 2
	}
	if price == 0 {
		return nil
	}
	return &market.Quote{Bid: d.Bid, Ask: d.Ask, Price: price, TickSize: market.TickSizeFor(symbol)}
}

func (a *Adapter) ListOpenOrders(ctx context.Context) []broker.OrderRecord {
	var out []broker.OrderRecord
	var rows []struct {
		ID         json.Number `json:"id"`
		Instrument string      `json:"instrument"`
		Side       string      `json:"side"`
		Type       string      `json:"type"`
		Qty        float64     `json:"qty"`
		LimitPrice float64     `json:"limitPrice"`
	}
	if err := a.getEnvelope(ctx, "/accounts/"+url.PathEscape(a.cfg.AccountID)+"/orders", &rows); err != nil {
		return nil
	}
	for _, r := range rows {
		out = append(out, broker.OrderRecord{
			Ticket:    r.ID.String(),
			Symbol:    r.Instrument,
			Type:      strings.ToLower(r.Side + r.Type),
			Lots:      r.Qty,
			OpenPrice: r.LimitPrice,
		})
	}
	return out
}

func (a *Adapter) ListClosedPositions(ctx context.Context) []broker.TradeRecord {
	var out []broker.TradeRecord
	var rows []struct {
		ID         json.Number `json:"id"`
		Instrument string      `json:"instrument"`
		Side       string      `json:"side"`
		Qty        float64     `json:"qty"`
		PnL        float64     `json:"realizedPnl"`
	}
	if err := a.getEnvelope(ctx, "/accounts/"+url.PathEscape(a.cfg.AccountID)+"/executions", &rows); err != nil {
		return nil
	}
	for _, r := range rows {
		out = append(out, broker.TradeRecord{
			Ticket: r.ID.String(),
			Symbol: r.Instrument,
			Type:   strings.ToLower(r.Side),
			Lots:   r.Qty,
			Profit: r.PnL,
		})
	}
	return out
}

func (a *Adapter) getEnvelope(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	var env struct {
		S string          `json:"s"`
		D json.RawMessage `json:"d"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return err
	}
	if env.S != "ok" {
		return fmt.Errorf("api error: %s", env.S)
	}
	return json.Unmarshal(env.D, out)
}

// integerQty enforces whole-share quantities.
func integerQty(qty float64) (int, error) {
	n := math.Round(qty)
	if math.Abs(qty-n) > 1e-9 || n < 1 {
		return 0, fmt.Errorf("quantity must be a whole number of shares >= 1, got %v", qty)
	}
	return int(n), nil
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
