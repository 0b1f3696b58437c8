package mt5

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradeterm/tradeterm/broker"
	"github.com/tradeterm/tradeterm/market"
)

const (
	defaultRetryDelay     = 2 * time.Second
	defaultConfirmTimeout = 7 * time.Second
	quoteWait             = 2 * time.Second
)

// Config configures the adapter on top of the protocol client.
type Config struct {
	Client     ClientConfig
	Magic      int
	RetryDelay time.Duration
	// ConfirmTimeout bounds how long a submission may sit without a
	// confirmation or rejection before it is rejected locally.
	ConfirmTimeout time.Duration
	Weights        broker.Weights
	// Symbols and BarData are subscribed at startup; GetQuote adds
	// symbols lazily on top.
	Symbols []string
	BarData [][2]string
}

// ticketState tracks what an open ticket last looked like, so snapshot
// diffs can be turned into open/close transitions.
type ticketState struct {
	openTime string
	orderTyp string
	pnl      float64
	symbol   string
}

// Adapter drives a MetaTrader terminal through the file channel and
// resolves its asynchronous confirmations back to pending tokens.
type Adapter struct {
	cfg     Config
	client  *Client
	events  *broker.Events
	matcher broker.Matcher
	log     *zap.Logger

	mu         sync.Mutex
	pending    map[string]*broker.PendingRequest
	stopped    map[string]bool
	order      []string // tokens in submission order, for retry pick
	timers     map[string]*time.Timer
	tickets    map[string]ticketState
	subscribed map[string]bool
}

// New builds the adapter and starts the underlying client loops.
func New(cfg Config, log *zap.Logger) (*Adapter, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	if cfg.Weights == (broker.Weights{}) {
		cfg.Weights = broker.DefaultWeights()
	}

	a := &Adapter{
		cfg:        cfg,
		events:     broker.NewEvents(),
		matcher:    broker.NewMatcher(cfg.Weights),
		log:        log.Named("mt5"),
		pending:    make(map[string]*broker.PendingRequest),
		stopped:    make(map[string]bool),
		timers:     make(map[string]*time.Timer),
		tickets:    make(map[string]ticketState),
		subscribed: make(map[string]bool),
	}

	client, err := NewClient(cfg.Client, a, log.Named("mt5.client"))
	if err != nil {
		return nil, err
	}
	a.client = client

	// Seed the ticket table so orders already open at startup do not
	// replay as new fills.
	for ticket, rec := range client.OpenOrders() {
		a.tickets[ticket] = ticketState{
			openTime: rec.OpenTime,
			orderTyp: rec.Type,
			pnl:      rec.PnL,
			symbol:   rec.Symbol,
		}
	}

	for _, s := range cfg.Symbols {
		a.subscribed[s] = true
	}
	if len(cfg.Symbols) > 0 {
		if err := client.SubscribeSymbols(cfg.Symbols); err != nil {
			a.log.Warn("subscribe symbols", zap.Error(err))
		}
	}
	if len(cfg.BarData) > 0 {
		if err := client.SubscribeSymbolsBarData(cfg.BarData); err != nil {
			a.log.Warn("subscribe bar data", zap.Error(err))
		}
	}
	return a, nil
}

func (a *Adapter) Provider() string       { return "mt5" }
func (a *Adapter) Events() *broker.Events { return a.events }

func (a *Adapter) Close() error {
	a.mu.Lock()
	for token, timer := range a.timers {
		timer.Stop()
		delete(a.timers, token)
	}
	a.mu.Unlock()
	return a.client.Close()
}

// PlaceOrder registers a pending token and hands the submission to the
// file channel off the caller's path. The terminal outcome arrives as
// order:confirmed or order:rejected on Events.
func (a *Adapter) PlaceOrder(ctx context.Context, o broker.Order) broker.Result {
	if err := o.Validate(); err != nil {
		return broker.Rejected(a.Provider(), err.Error())
	}
	typ, err := terminalType(o.Side, o.Type)
	if err != nil {
		return broker.Rejected(a.Provider(), err.Error())
	}

	cid := broker.NewCID()
	o.ClientID = cid
	o.Comment = broker.AppendCID(o.Comment, cid)
	if o.Magic == 0 {
		o.Magic = a.cfg.Magic
	}
	if o.TickSize <= 0 {
		o.TickSize = market.TickSizeFor(o.Symbol)
	}

	a.mu.Lock()
	a.pending[cid] = &broker.PendingRequest{Order: o, Submitted: time.Now()}
	a.order = append(a.order, cid)
	a.armTimerLocked(cid)
	a.mu.Unlock()

	go a.submit(cid, o, typ)

	return broker.Result{
		Status:   broker.StatusAccepted,
		Provider: a.Provider(),
		OrderID:  broker.Pending(cid),
	}
}

func (a *Adapter) submit(cid string, o broker.Order, typ string) {
	price := o.Price
	if o.Type == market.Stop {
		price = o.StopPrice
	}

	ref := price
	if ref <= 0 {
		if td, ok := a.client.MarketData(o.Symbol); ok {
			if o.Side == market.Buy {
				ref = td.Ask
			} else {
				ref = td.Bid
			}
		}
	}
	var sl, tp float64
	if o.StopPoints > 0 && ref > 0 {
		sl = market.StopLevel(ref, o.StopPoints, o.TickSize, o.Side)
	}
	if o.TakePoints > 0 && ref > 0 {
		tp = market.TakeLevel(ref, o.TakePoints, o.TickSize, o.Side)
	}

	err := a.client.OpenOrder(o.Symbol, typ, o.Qty, price, sl, tp, o.Magic, o.Comment, 0)
	if err != nil {
		// Channel failure on submission is terminal for the token.
		a.mu.Lock()
		_, live := a.pending[cid]
		delete(a.pending, cid)
		delete(a.stopped, cid)
		a.clearTimerLocked(cid)
		a.mu.Unlock()
		if live {
			a.events.EmitRejected(broker.Reject{Token: cid, Reason: err.Error(), Order: o})
		}
		return
	}
	a.log.Debug("order submitted",
		zap.String("cid", cid),
		zap.String("symbol", o.Symbol),
		zap.String("type", typ),
		zap.Float64("lots", o.Qty))
}

// StopOpenOrder withdraws a token, best effort. The pending entry
// stays live so a late confirmation can still be matched and the
// resulting order cancelled.
func (a *Adapter) StopOpenOrder(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.pending[token]; ok {
		a.stopped[token] = true
	}
}

func terminalType(side market.Side, typ market.OrderType) (string, error) {
	var base string
	switch side {
	case market.Buy:
		base = "buy"
	case market.Sell:
		base = "sell"
	}
	switch typ {
	case market.Market:
		return base, nil
	case market.Limit:
		return base + "limit", nil
	case market.Stop:
		return base + "stop", nil
	default:
		return "", fmt.Errorf("order type %s not supported by this back-end", typ)
	}
}

// OnOrderSnapshot reconciles the latest snapshot against pending
// tokens and known tickets. Runs on the client's orders loop.
func (a *Adapter) OnOrderSnapshot() {
	snap := a.client.OpenOrders()

	type cancelJob struct {
		token  string
		ticket string
	}
	var (
		confirms []broker.Confirm
		cancels  []cancelJob
		opened   []broker.Position
		closed   []broker.Position
		removed  []broker.Cancel
	)

	a.mu.Lock()
	for ticket, rec := range snap {
		prev, known := a.tickets[ticket]
		if !known {
			// New ticket: tie it back to a pending request, comment
			// token first, similarity score second.
			token := ""
			if cid := broker.ExtractCID(rec.Comment); cid != "" {
				if _, ok := a.pending[cid]; ok {
					token = cid
				}
			}
			if token == "" {
				if t, ok := a.matcher.Match(a.pending, rec); ok {
					token = t
				}
			}
			if token != "" {
				req := a.pending[token]
				delete(a.pending, token)
				a.clearTimerLocked(token)
				if a.stopped[token] {
					delete(a.stopped, token)
					cancels = append(cancels, cancelJob{token: token, ticket: ticket})
				} else {
					r := rec
					r.Ticket = ticket
					confirms = append(confirms, broker.Confirm{
						Token:  token,
						Ticket: ticket,
						Record: &r,
						Order:  req.Order,
					})
				}
			}
			if isFilled(rec.Type) {
				opened = append(opened, broker.Position{Ticket: ticket, Symbol: rec.Symbol})
			}
		} else {
			// A resting order that turned into a position, or an
			// open_time change from a partial close/reopen.
			if (!isFilled(prev.orderTyp) && isFilled(rec.Type)) ||
				(prev.openTime != rec.OpenTime && isFilled(rec.Type)) {
				opened = append(opened, broker.Position{Ticket: ticket, Symbol: rec.Symbol})
			}
		}
		a.tickets[ticket] = ticketState{
			openTime: rec.OpenTime,
			orderTyp: rec.Type,
			pnl:      rec.PnL,
			symbol:   rec.Symbol,
		}
	}
	for ticket, prev := range a.tickets {
		if _, still := snap[ticket]; still {
			continue
		}
		delete(a.tickets, ticket)
		if isFilled(prev.orderTyp) {
			closed = append(closed, broker.Position{Ticket: ticket, Symbol: prev.symbol, Profit: prev.pnl})
		} else {
			removed = append(removed, broker.Cancel{Ticket: ticket})
		}
	}
	a.mu.Unlock()

	for _, c := range cancels {
		a.log.Info("late confirmation for stopped token, cancelling",
			zap.String("cid", c.token), zap.String("ticket", c.ticket))
		if ticket, err := parseTicket(c.ticket); err == nil {
			if err := a.client.CloseOrder(ticket, 0); err != nil {
				a.log.Warn("cancel after stop", zap.String("ticket", c.ticket), zap.Error(err))
			}
		}
	}
	for _, ev := range confirms {
		a.events.EmitConfirmed(ev)
	}
	for _, ev := range opened {
		a.events.EmitPositionOpened(ev)
	}
	for _, ev := range closed {
		a.events.EmitPositionClosed(ev)
	}
	for _, ev := range removed {
		a.events.EmitCancelled(ev)
	}
}

// isFilled reports whether a record type denotes a live position
// rather than a resting order.
func isFilled(typ string) bool {
	return typ == "buy" || typ == "sell"
}

func parseTicket(s string) (int64, error) {
	var t int64
	_, err := fmt.Sscanf(s, "%d", &t)
	return t, err
}

// OnMessage handles the terminal's log channel. The EA echoes the
// submission comment in its description, so most messages name the
// token they settle: OPEN_ORDER errors resubmit it, other errors
// reject it, and info lines carrying a ticket confirm it. A message
// whose token is not pending is stale noise and is dropped.
func (a *Adapter) OnMessage(msg Message) {
	switch msg.Type {
	case "ERROR":
		a.log.Warn("terminal error",
			zap.String("error_type", msg.ErrorType),
			zap.String("description", msg.Description))
		if cid := broker.ExtractCID(msg.Description); cid != "" {
			if msg.ErrorType == "OPEN_ORDER" {
				a.retryToken(cid)
			} else {
				a.rejectPending(cid, errorReason(msg))
			}
			return
		}
		// Older EA builds strip the comment from OPEN_ORDER errors;
		// submission order is the only linkage left for those.
		if msg.ErrorType == "OPEN_ORDER" {
			a.retryOldest()
		}
	case "INFO":
		a.log.Info("terminal", zap.String("description", msg.Description))
		if cid := broker.ExtractCID(msg.Description); cid != "" {
			a.confirmPending(cid, msg)
		}
	default:
		a.log.Debug("terminal message", zap.String("type", msg.Type))
	}
}

func errorReason(msg Message) string {
	if msg.Description != "" {
		return msg.Description
	}
	if msg.ErrorType != "" {
		return msg.ErrorType
	}
	return "terminal error"
}

var ticketRe = regexp.MustCompile(`(?i)ticket\D+(\d+)`)

// messageTicket digs the ticket out of a confirmation, the dedicated
// field first, the description text as fallback.
func messageTicket(msg Message) string {
	if msg.Ticket != "" {
		return msg.Ticket.String()
	}
	if m := ticketRe.FindStringSubmatch(msg.Description); m != nil {
		return m[1]
	}
	return ""
}

// confirmPending settles a token off a terminal info message. The
// snapshot reconciler will still see the ticket later and pick up the
// broker-side record; it just cannot confirm the token twice.
func (a *Adapter) confirmPending(cid string, msg Message) {
	ticket := messageTicket(msg)

	a.mu.Lock()
	req, live := a.pending[cid]
	if !live {
		a.mu.Unlock()
		return
	}
	delete(a.pending, cid)
	stopped := a.stopped[cid]
	delete(a.stopped, cid)
	a.clearTimerLocked(cid)
	a.mu.Unlock()

	if stopped {
		a.log.Info("late confirmation for stopped token, cancelling",
			zap.String("cid", cid), zap.String("ticket", ticket))
		if t, err := parseTicket(ticket); err == nil {
			if err := a.client.CloseOrder(t, 0); err != nil {
				a.log.Warn("cancel after stop", zap.String("ticket", ticket), zap.Error(err))
			}
		}
		return
	}
	a.events.EmitConfirmed(broker.Confirm{Token: cid, Ticket: ticket, Order: req.Order})
}

func (a *Adapter) rejectPending(cid, reason string) {
	a.mu.Lock()
	req, live := a.pending[cid]
	if !live {
		a.mu.Unlock()
		return
	}
	delete(a.pending, cid)
	delete(a.stopped, cid)
	a.clearTimerLocked(cid)
	a.mu.Unlock()

	a.events.EmitRejected(broker.Reject{Token: cid, Reason: reason, Order: req.Order})
}

// retryOldest resubmits the oldest live pending request, for error
// messages that arrive without a token.
func (a *Adapter) retryOldest() {
	a.mu.Lock()
	token := ""
	live := a.order[:0]
	for _, t := range a.order {
		if _, ok := a.pending[t]; ok {
			live = append(live, t)
		}
	}
	a.order = live
	for _, t := range a.order {
		if a.stopped[t] {
			continue
		}
		token = t
		break
	}
	a.mu.Unlock()

	if token != "" {
		a.retryToken(token)
	}
}

// retryToken schedules one resubmission cycle for a live token and
// restarts its confirmation watchdog for the new attempt.
func (a *Adapter) retryToken(token string) {
	a.mu.Lock()
	req, live := a.pending[token]
	if !live || a.stopped[token] {
		a.mu.Unlock()
		return
	}
	req.Retries++
	count := req.Retries
	o := req.Order
	a.armTimerLocked(token)
	a.mu.Unlock()

	a.events.EmitRetry(broker.Retry{Token: token, Count: count})

	typ, err := terminalType(o.Side, o.Type)
	if err != nil {
		return
	}
	delay := a.cfg.RetryDelay
	go func() {
		time.Sleep(delay)
		a.mu.Lock()
		_, stillLive := a.pending[token]
		stopped := a.stopped[token]
		a.mu.Unlock()
		if !stillLive || stopped {
			return
		}
		a.submit(token, o, typ)
	}()
}

// armTimerLocked (re)starts the confirmation watchdog for a token.
// Caller holds a.mu.
func (a *Adapter) armTimerLocked(token string) {
	if t, ok := a.timers[token]; ok {
		t.Stop()
	}
	a.timers[token] = time.AfterFunc(a.cfg.ConfirmTimeout, func() { a.timeoutPending(token) })
}

// clearTimerLocked drops the watchdog for a settled token. Caller
// holds a.mu.
func (a *Adapter) clearTimerLocked(token string) {
	if t, ok := a.timers[token]; ok {
		t.Stop()
		delete(a.timers, token)
	}
}

// timeoutPending rejects a token that neither the snapshot nor the
// message channel settled within ConfirmTimeout.
func (a *Adapter) timeoutPending(token string) {
	a.mu.Lock()
	req, live := a.pending[token]
	if !live {
		a.mu.Unlock()
		return
	}
	delete(a.pending, token)
	delete(a.stopped, token)
	delete(a.timers, token)
	a.mu.Unlock()

	a.log.Warn("order confirmation timed out", zap.String("cid", token))
	a.events.EmitRejected(broker.Reject{
		Token:  token,
		Reason: "no confirmation from terminal",
		Order:  req.Order,
	})
}

func (a *Adapter) OnTick(symbol string, bid, ask float64) {
	a.events.EmitTick(market.Tick{Symbol: symbol, Bid: bid, Ask: ask, Time: time.Now()})
}

func (a *Adapter) OnBar(bar market.Bar) {
	a.events.EmitBar(bar)
}

func (a *Adapter) OnHistoricData(symbol, timeframe string, _ json.RawMessage) {
	a.log.Debug("historic data", zap.String("symbol", symbol), zap.String("timeframe", timeframe))
}

func (a *Adapter) OnHistoricTrades() {
	a.log.Debug("historic trades snapshot updated")
}

// SubscribeBars re-issues the M1 bar-data subscription as a full set.
// The terminal replaces its subscription list on every call, so the
// caller passes every symbol it wants bars for, not just new ones.
func (a *Adapter) SubscribeBars(symbols []string) error {
	pairs := make([][2]string, len(symbols))
	for i, s := range symbols {
		pairs[i] = [2]string{s, "M1"}
	}
	return a.client.SubscribeSymbolsBarData(pairs)
}

// GetQuote serves the latest tick, subscribing the symbol on first
// use. The terminal takes subscriptions as full sets, so the whole
// set is re-sent with the new symbol included.
func (a *Adapter) GetQuote(ctx context.Context, symbol string) *market.Quote {
	if q := a.quoteFromSnapshot(symbol); q != nil {
		return q
	}

	a.mu.Lock()
	if !a.subscribed[symbol] {
		a.subscribed[symbol] = true
		set := make([]string, 0, len(a.subscribed))
		for s := range a.subscribed {
			set = append(set, s)
		}
		a.mu.Unlock()
		if err := a.client.SubscribeSymbols(set); err != nil {
			a.log.Warn("subscribe for quote", zap.String("symbol", symbol), zap.Error(err))
			return nil
		}
	} else {
		a.mu.Unlock()
	}

	deadline := time.Now().Add(quoteWait)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.client.cfg.PollInterval):
		}
		if q := a.quoteFromSnapshot(symbol); q != nil {
			return q
		}
	}
	return nil
}

func (a *Adapter) quoteFromSnapshot(symbol string) *market.Quote {
	td, ok := a.client.MarketData(symbol)
	if !ok || (td.Bid == 0 && td.Ask == 0) {
		return nil
	}
	tick := td.TickSize
	if tick <= 0 {
		tick = market.TickSizeFor(symbol)
	}
	q := market.Quote{Bid: td.Bid, Ask: td.Ask, TickSize: tick}
	q.Price = (td.Bid + td.Ask) / 2
	return &q
}

func (a *Adapter) ListOpenOrders(ctx context.Context) []broker.OrderRecord {
	snap := a.client.OpenOrders()
	out := make([]broker.OrderRecord, 0, len(snap))
	for ticket, rec := range snap {
		rec.Ticket = ticket
		out = append(out, rec)
	}
	return out
}

// ListClosedPositions returns the last historic-trades snapshot and
// kicks a refresh for the next call. The file channel has no request
// await, so the first call after startup may be empty.
func (a *Adapter) ListClosedPositions(ctx context.Context) []broker.TradeRecord {
	if err := a.client.GetHistoricTrades(30); err != nil {
		a.log.Warn("request historic trades", zap.Error(err))
	}
	trades := a.client.HistoricTrades()
	out := make([]broker.TradeRecord, 0, len(trades))
	for ticket, tr := range trades {
		tr.Ticket = ticket
		out = append(out, tr)
	}
	return out
}
