package broker

import (
	"sync"

	"github.com/tradeterm/tradeterm/market"
)

// Confirm carries the terminal success outcome for a pending token.
type Confirm struct {
	Token  string
	Ticket string
	Record *OrderRecord // broker-side record when the snapshot had one
	Order  Order
}

// Reject carries the terminal failure outcome for a pending token.
type Reject struct {
	Token  string
	Reason string
	Order  Order
}

// Retry reports one resubmission cycle for a still-pending token.
type Retry struct {
	Token string
	Count int
}

// Position reports an open/close transition observed for a ticket.
type Position struct {
	Ticket string
	Symbol string
	Profit float64
}

// Cancel reports a ticket that disappeared without a fill.
type Cancel struct {
	Ticket string
}

// Events is the per-adapter subscription surface. Terminal events for
// a token fire at most once each, and never before PlaceOrder has
// returned the token to the caller.
type Events struct {
	mu        sync.RWMutex
	confirmed []func(Confirm)
	rejected  []func(Reject)
	retried   []func(Retry)
	opened    []func(Position)
	closed    []func(Position)
	cancelled []func(Cancel)
	ticks     []func(market.Tick)
	bars      []func(market.Bar)
}

func NewEvents() *Events {
	return &Events{}
}

// Each On* registration returns an unsubscribe func.

func (e *Events) OnConfirmed(fn func(Confirm)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := len(e.confirmed)
	e.confirmed = append(e.confirmed, fn)
	return func() { e.off(func() { e.confirmed[i] = nil }) }
}

func (e *Events) OnRejected(fn func(Reject)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := len(e.rejected)
	e.rejected = append(e.rejected, fn)
	return func() { e.off(func() { e.rejected[i] = nil }) }
}

func (e *Events) OnRetry(fn func(Retry)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := len(e.retried)
	e.retried = append(e.retried, fn)
	return func() { e.off(func() { e.retried[i] = nil }) }
}

func (e *Events) OnPositionOpened(fn func(Position)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := len(e.opened)
	e.opened = append(e.opened, fn)
	return func() { e.off(func() { e.opened[i] = nil }) }
}

func (e *Events) OnPositionClosed(fn func(Position)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := len(e.closed)
	e.closed = append(e.closed, fn)
	return func() { e.off(func() { e.closed[i] = nil }) }
}

func (e *Events) OnCancelled(fn func(Cancel)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := len(e.cancelled)
	e.cancelled = append(e.cancelled, fn)
	return func() { e.off(func() { e.cancelled[i] = nil }) }
}

func (e *Events) OnTick(fn func(market.Tick)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := len(e.ticks)
	e.ticks = append(e.ticks, fn)
	return func() { e.off(func() { e.ticks[i] = nil }) }
}

func (e *Events) OnBar(fn func(market.Bar)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := len(e.bars)
	e.bars = append(e.bars, fn)
	return func() { e.off(func() { e.bars[i] = nil }) }
}

func (e *Events) off(clear func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear()
}

func (e *Events) EmitConfirmed(ev Confirm) {
	e.mu.RLock()
	fns := append([]func(Confirm){}, e.confirmed...)
	e.mu.RUnlock()
	for _, fn := range fns {
		if fn != nil {
			fn(ev)
		}
	}
}

func (e *Events) EmitRejected(ev Reject) {
	e.mu.RLock()
	fns := append([]func(Reject){}, e.rejected...)
	e.mu.RUnlock()
	for _, fn := range fns {
		if fn != nil {
			fn(ev)
		}
	}
}

func (e *Events) EmitRetry(ev Retry) {
	e.mu.RLock()
	fns := append([]func(Retry){}, e.retried...)
	e.mu.RUnlock()
	for _, fn := range fns {
		if fn != nil {
			fn(ev)
		}
	}
}

func (e *Events) EmitPositionOpened(ev Position) {
	e.mu.RLock()
	fns := append([]func(Position){}, e.opened...)
	e.mu.RUnlock()
	for _, fn := range fns {
		if fn != nil {
			fn(ev)
		}
	}
}

func (e *Events) EmitPositionClosed(ev Position) {
	e.mu.RLock()
	fns := append([]func(Position){}, e.closed...)
	e.mu.RUnlock()
	for _, fn := range fns {
		if fn != nil {
			fn(ev)
		}
	}
}

func (e *Events) EmitCancelled(ev Cancel) {
	e.mu.RLock()
	fns := append([]func(Cancel){}, e.cancelled...)
	e.mu.RUnlock()
	for _, fn := range fns {
		if fn != nil {
			fn(ev)
		}
	}
}

func (e *Events) EmitTick(t market.Tick) {
	e.mu.RLock()
	fns := append([]func(market.Tick){}, e.ticks...)
	e.mu.RUnlock()
	for _, fn := range fns {
		if fn != nil {
			fn(t)
		}
	}
}

func (e *Events) EmitBar(b market.Bar) {
	e.mu.RLock()
	fns := append([]func(market.Bar){}, e.bars...)
	e.mu.RUnlock()
	for _, fn := range fns {
		if fn != nil {
			fn(b)
		}
	}
}
