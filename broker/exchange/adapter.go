package exchange

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradeterm/tradeterm/broker"
	"github.com/tradeterm/tradeterm/market"
)

const (
	defaultWatchInterval = 2 * time.Second
	defaultWatchMaxAge   = 5 * time.Minute
	defaultPositionPoll  = 5 * time.Second
	defaultTickSize      = 0.01
)

// Config for the exchange adapter.
type Config struct {
	BaseURL string
	Key     string
	Secret  string
	Timeout time.Duration

	// WatchInterval/WatchMaxAge bound the parent-order watcher;
	// PositionPoll drives the positions loop. Zero takes defaults.
	WatchInterval time.Duration
	WatchMaxAge   time.Duration
	PositionPoll  time.Duration
}

func (c *Config) fill() {
	if c.WatchInterval <= 0 {
		c.WatchInterval = defaultWatchInterval
	}
	if c.WatchMaxAge <= 0 {
		c.WatchMaxAge = defaultWatchMaxAge
	}
	if c.PositionPoll <= 0 {
		c.PositionPoll = defaultPositionPoll
	}
}

// Adapter places orders asynchronously against the gateway and
// resolves confirmations through the create-order round trip rather
// than snapshot matching: the venue echoes ids, so correlation is
// direct.
type Adapter struct {
	cfg    Config
	client *Client
	events *broker.Events
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	pending   map[string]*broker.PendingRequest
	links     map[string]*bracketLink
	positions map[string]PositionRow
	tickSizes map[string]float64
}

func New(cfg Config, log *zap.Logger) (*Adapter, error) {
	cfg.fill()
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		cfg:       cfg,
		client:    NewHTTPClient(cfg.BaseURL, cfg.Key, cfg.Secret, cfg.Timeout),
		events:    broker.NewEvents(),
		log:       log.Named("exchange"),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]*broker.PendingRequest),
		links:     make(map[string]*bracketLink),
		positions: make(map[string]PositionRow),
		tickSizes: make(map[string]float64),
	}
	a.wg.Add(1)
	go a.watchPositions()
	return a, nil
}

func (a *Adapter) Provider() string       { return "exchange" }
func (a *Adapter) Events() *broker.Events { return a.events }

func (a *Adapter) Close() error {
	a.cancel()
	a.wg.Wait()
	return nil
}

// PlaceOrder registers a pending token and submits off the caller's
// path; the confirmation or rejection arrives on Events once the
// round trip settles.
func (a *Adapter) PlaceOrder(ctx context.Context, o broker.Order) broker.Result {
	if err := o.Validate(); err != nil {
		return broker.Rejected(a.Provider(), err.Error())
	}

	cid := broker.NewCID()
	o.ClientID = cid
	if o.TickSize <= 0 {
		o.TickSize = a.tickSizeFor(o.Symbol)
	}

	a.mu.Lock()
	a.pending[cid] = &broker.PendingRequest{Order: o, Submitted: time.Now()}
	a.mu.Unlock()

	a.wg.Add(1)
	go a.submit(cid, o)

	return broker.Result{
		Status:   broker.StatusAccepted,
		Provider: a.Provider(),
		OrderID:  broker.Pending(cid),
	}
}

func (a *Adapter) submit(cid string, o broker.Order) {
	defer a.wg.Done()

	req := OrderRequest{
		Symbol:        o.Symbol,
		Side:          string(o.Side),
		Amount:        o.Qty,
		ClientOrderID: cid,
	}
	switch o.Type {
	case market.Market:
		req.Type = "market"
	case market.Limit:
		req.Type = "limit"
		req.Price = o.Price
	case market.Stop:
		// Stop-market: market execution behind a trigger.
		req.Type = "market"
		req.StopPrice = o.StopPrice
	case market.StopLimit:
		req.Type = "limit"
		req.Price = o.Price
		req.StopPrice = o.StopPrice
	}

	resp, err := a.client.CreateOrder(a.ctx, req)
	if err != nil {
		a.mu.Lock()
		_, live := a.pending[cid]
		delete(a.pending, cid)
		a.mu.Unlock()
		if live {
			a.events.EmitRejected(broker.Reject{Token: cid, Reason: err.Error(), Order: o})
		}
		return
	}

	ticket := resp.TicketID()
	if ticket == "" {
		ticket = cid
	}

	a.mu.Lock()
	_, live := a.pending[cid]
	delete(a.pending, cid)
	a.mu.Unlock()

	if !live {
		// StopOpenOrder raced the round trip; the venue created the
		// order anyway, so withdraw it instead of confirming.
		a.log.Info("cancelling order created after stop",
			zap.String("cid", cid), zap.String("ticket", ticket))
		if err := a.cancelWithFallback(ticket, cid, o.Symbol); err != nil {
			a.log.Warn("cancel after stop", zap.String("ticket", ticket), zap.Error(err))
		}
		a.events.EmitCancelled(broker.Cancel{Ticket: ticket})
		return
	}

	rec := recordFromResponse(*resp)
	rec.Ticket = ticket
	a.events.EmitConfirmed(broker.Confirm{
		Token:  cid,
		Ticket: ticket,
		Record: &rec,
		Order:  o,
	})

	entry := o.Price
	if entry <= 0 {
		entry = resp.Price
	}
	if (o.StopPoints > 0 || o.TakePoints > 0) && entry > 0 {
		a.placeBrackets(o, ticket, entry)
		a.wg.Add(1)
		go a.watchParent(ticket, o.Symbol)
	}
}

// StopOpenOrder withdraws a pending token. If the create round trip
// is already in flight, the submit path sees the missing entry and
// cancels the created order.
func (a *Adapter) StopOpenOrder(token string) {
	a.mu.Lock()
	delete(a.pending, token)
	a.mu.Unlock()
}

func (a *Adapter) cancelWithFallback(id, clientOrderID, symbol string) error {
	err := a.client.CancelOrder(a.ctx, id, symbol, nil)
	if err == nil || clientOrderID == "" {
		return err
	}
	return a.client.CancelOrder(a.ctx, id, symbol, map[string]string{
		"clientOrderId": clientOrderID,
	})
}

// GetQuote serves the venue's ticker with order-book and info-field
// fallbacks; a venue that is down yields nil, not an error.
func (a *Adapter) GetQuote(ctx context.Context, symbol string) *market.Quote {
	t, err := a.client.Ticker(ctx, symbol)
	if err != nil {
		a.log.Debug("ticker", zap.String("symbol", symbol), zap.Error(err))
		return nil
	}

	bid, ask := t.Bid, t.Ask
	if bid == 0 {
		bid = infoField(t.Info, "bidPrice", "bid")
	}
	if ask == 0 {
		ask = infoField(t.Info, "askPrice", "ask")
	}
	if bid == 0 || ask == 0 {
		if ob, err := a.client.OrderBookTop(ctx, symbol); err == nil {
			if bid == 0 && len(ob.Bids) > 0 {
				bid = ob.Bids[0][0]
			}
			if ask == 0 && len(ob.Asks) > 0 {
				ask = ob.Asks[0][0]
			}
		}
	}

	price := 0.0
	switch {
	case bid > 0 && ask > 0:
		price = (bid + ask) / 2
	case t.Last > 0:
		price = t.Last
	case bid > 0:
		price = bid
	case ask > 0:
		price = ask
	default:
		return nil
	}

	return &market.Quote{
		Bid:      bid,
		Ask:      ask,
		Price:    price,
		TickSize: a.tickSizeFor(symbol),
	}
}

func infoField(info map[string]float64, keys ...string) float64 {
	for _, k := range keys {
		if v, ok := info[k]; ok && v > 0 {
			return v
		}
	}
	return 0
}

// tickSizeFor consults the venue's instrument metadata once per
// symbol and caches the answer.
func (a *Adapter) tickSizeFor(symbol string) float64 {
	a.mu.Lock()
	if ts, ok := a.tickSizes[symbol]; ok {
		a.mu.Unlock()
		return ts
	}
	a.mu.Unlock()

	ts := defaultTickSize
	if in, err := a.client.InstrumentMeta(a.ctx, symbol); err == nil && in.TickSize > 0 {
		ts = in.TickSize
	}
	a.mu.Lock()
	a.tickSizes[symbol] = ts
	a.mu.Unlock()
	return ts
}

func (a *Adapter) ListOpenOrders(ctx context.Context) []broker.OrderRecord {
	orders, err := a.client.OpenOrders(ctx, "")
	if err != nil {
		a.log.Debug("open orders", zap.Error(err))
		return nil
	}
	out := make([]broker.OrderRecord, 0, len(orders))
	for _, o := range orders {
		rec := recordFromResponse(o)
		rec.Ticket = o.TicketID()
		out = append(out, rec)
	}
	return out
}

func (a *Adapter) ListClosedPositions(ctx context.Context) []broker.TradeRecord {
	trades, err := a.client.ClosedTrades(ctx, "")
	if err != nil {
		a.log.Debug("closed trades", zap.Error(err))
		return nil
	}
	out := make([]broker.TradeRecord, 0, len(trades))
	for _, t := range trades {
		out = append(out, broker.TradeRecord{
			Ticket: t.TicketID(),
			Symbol: t.Symbol,
			Type:   strings.ToLower(t.Side),
			Lots:   t.Amount,
		})
	}
	return out
}

func recordFromResponse(o OrderResponse) broker.OrderRecord {
	return broker.OrderRecord{
		Symbol:    o.Symbol,
		Type:      strings.ToLower(o.Side + o.Type),
		Lots:      o.Amount,
		OpenPrice: o.Price,
		Comment:   o.ClientOrderID,
	}
}

// watchPositions turns the periodic net-position snapshot into
// open/close transitions. The gateway reports per-symbol nets, so the
// symbol doubles as the ticket.
func (a *Adapter) watchPositions() {
	defer a.wg.Done()
	t := time.NewTicker(a.cfg.PositionPoll)
	defer t.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-t.C:
		}

		rows, err := a.client.Positions(a.ctx)
		if err != nil {
			continue
		}
		cur := make(map[string]PositionRow, len(rows))
		for _, r := range rows {
			if r.Size != 0 {
				cur[r.Symbol] = r
			}
		}

		var opened, closed []broker.Position
		a.mu.Lock()
		for sym := range cur {
			if _, had := a.positions[sym]; !had {
				opened = append(opened, broker.Position{Ticket: sym, Symbol: sym})
			}
		}
		for sym, prev := range a.positions {
			if _, still := cur[sym]; !still {
				closed = append(closed, broker.Position{Ticket: sym, Symbol: sym, Profit: prev.PnL})
			}
		}
		a.positions = cur
		a.mu.Unlock()

		for _, ev := range opened {
			a.events.EmitPositionOpened(ev)
		}
		for _, ev := range closed {
			a.events.EmitPositionClosed(ev)
		}
	}
}
