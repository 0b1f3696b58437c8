// Package sim is the in-memory adapter used by tests and dry runs.
// Orders fill immediately at the stored bid/ask; stop-loss and
// take-profit levels are checked on every tick update.
package sim

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/tradeterm/tradeterm/broker"
	"github.com/tradeterm/tradeterm/market"
)

// Config for the simulator. Latency, when set, delays each fill to
// mimic a slow venue.
type Config struct {
	Latency time.Duration
}

// Trade is one simulated fill with optional protective levels.
type Trade struct {
	ID         string
	Symbol     string
	Side       market.Side
	Qty        float64
	EntryPrice float64
	StopLoss   float64 // 0 = unset
	TakeProfit float64
	OpenTime   time.Time
	Open       bool
	Profit     float64
}

type Adapter struct {
	cfg    Config
	events *broker.Events
	log    *zap.Logger

	mu      sync.Mutex
	ticks   map[string]market.Tick
	trades  map[string]*Trade
	closed  []*Trade
	entropy *rand.Rand
}

func New(cfg Config, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		cfg:     cfg,
		events:  broker.NewEvents(),
		log:     log.Named("sim"),
		ticks:   make(map[string]market.Tick),
		trades:  make(map[string]*Trade),
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (a *Adapter) Provider() string       { return "sim" }
func (a *Adapter) Events() *broker.Events { return a.events }
func (a *Adapter) Close() error           { return nil }

// StopOpenOrder is a no-op: fills are synchronous, nothing is ever
// pending.
func (a *Adapter) StopOpenOrder(string) {}

// UpdateTick stores the latest quote and runs the protective-level
// checks for every open trade on that symbol.
func (a *Adapter) UpdateTick(t market.Tick) {
	a.mu.Lock()
	a.ticks[t.Symbol] = t

	var closedNow []*Trade
	for _, tr := range a.trades {
		if !tr.Open || tr.Symbol != t.Symbol {
			continue
		}
		// Longs close on bid, shorts on ask.
		price := t.Bid
		if tr.Side == market.Sell {
			price = t.Ask
		}
		if hitStopLoss(tr, price) || hitTakeProfit(tr, price) {
			tr.Open = false
			tr.Profit = profit(tr, price)
			delete(a.trades, tr.ID)
			a.closed = append(a.closed, tr)
			closedNow = append(closedNow, tr)
		}
	}
	a.mu.Unlock()

	a.events.EmitTick(t)
	for _, tr := range closedNow {
		a.log.Debug("trade auto-closed",
			zap.String("id", tr.ID),
			zap.String("symbol", tr.Symbol),
			zap.Float64("profit", tr.Profit))
		a.events.EmitPositionClosed(broker.Position{
			Ticket: tr.ID,
			Symbol: tr.Symbol,
			Profit: tr.Profit,
		})
	}
}

// PlaceOrder fills immediately at the stored quote and returns a
// terminal simulated result.
func (a *Adapter) PlaceOrder(ctx context.Context, o broker.Order) broker.Result {
	if err := o.Validate(); err != nil {
		return broker.Rejected(a.Provider(), err.Error())
	}
	if a.cfg.Latency > 0 {
		select {
		case <-ctx.Done():
			return broker.Rejected(a.Provider(), ctx.Err().Error())
		case <-time.After(a.cfg.Latency):
		}
	}

	a.mu.Lock()
	tick, ok := a.ticks[o.Symbol]
	if !ok {
		a.mu.Unlock()
		return broker.Rejected(a.Provider(), "no price for "+o.Symbol)
	}

	fillPrice := tick.Ask
	if o.Side == market.Sell {
		fillPrice = tick.Bid
	}
	ref := o.Price
	if ref <= 0 {
		ref = fillPrice
	}
	tickSize := o.TickSize
	if tickSize <= 0 {
		tickSize = market.TickSizeFor(o.Symbol)
	}

	tr := &Trade{
		ID:         ulid.MustNew(ulid.Timestamp(time.Now()), a.entropy).String(),
		Symbol:     o.Symbol,
		Side:       o.Side,
		Qty:        o.Qty,
		EntryPrice: fillPrice,
		OpenTime:   tick.Time,
		Open:       true,
	}
	if o.StopPoints > 0 {
		tr.StopLoss = market.StopLevel(ref, o.StopPoints, tickSize, o.Side)
	}
	if o.TakePoints > 0 {
		tr.TakeProfit = market.TakeLevel(ref, o.TakePoints, tickSize, o.Side)
	}
	a.trades[tr.ID] = tr
	a.mu.Unlock()

	a.events.EmitPositionOpened(broker.Position{Ticket: tr.ID, Symbol: tr.Symbol})

	return broker.Result{
		Status:   broker.StatusSimulated,
		Provider: a.Provider(),
		OrderID:  tr.ID,
	}
}

func (a *Adapter) GetQuote(ctx context.Context, symbol string) *market.Quote {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.ticks[symbol]
	if !ok {
		return nil
	}
	return &market.Quote{
		Bid:      t.Bid,
		Ask:      t.Ask,
		Price:    t.Mid(),
		TickSize: market.TickSizeFor(symbol),
	}
}

func (a *Adapter) ListOpenOrders(ctx context.Context) []broker.OrderRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]broker.OrderRecord, 0, len(a.trades))
	for _, tr := range a.trades {
		out = append(out, broker.OrderRecord{
			Ticket:     tr.ID,
			Symbol:     tr.Symbol,
			Type:       string(tr.Side),
			Lots:       tr.Qty,
			OpenPrice:  tr.EntryPrice,
			StopLoss:   tr.StopLoss,
			TakeProfit: tr.TakeProfit,
		})
	}
	return out
}

func (a *Adapter) ListClosedPositions(ctx context.Context) []broker.TradeRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]broker.TradeRecord, 0, len(a.closed))
	for _, tr := range a.closed {
		out = append(out, broker.TradeRecord{
			Ticket: tr.ID,
			Symbol: tr.Symbol,
			Type:   string(tr.Side),
			Lots:   tr.Qty,
			Profit: tr.Profit,
		})
	}
	return out
}

func profit(t *Trade, closePrice float64) float64 {
	if t.Side == market.Buy {
		return (closePrice - t.EntryPrice) * t.Qty
	}
	return (t.EntryPrice - closePrice) * t.Qty
}
