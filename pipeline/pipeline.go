// Package pipeline is the primary consumer of the broker adapters: it
// routes normalized orders to the right back-end and fans adapter
// events out to the journal, the metrics and an outward notification
// callback.
package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/tradeterm/tradeterm/broker"
	"github.com/tradeterm/tradeterm/journal"
	"github.com/tradeterm/tradeterm/metrics"
)

// Notification is the outward-facing lifecycle report, for UIs or
// chat hooks. Kind reuses the journal vocabulary.
type Notification struct {
	Provider string
	Kind     journal.Kind
	Token    string
	Ticket   string
	Symbol   string
	Reason   string
	Profit   float64
}

type NotifyFunc func(Notification)

// Pipeline owns the pending-token index across providers. Terminal
// events for a token fire after PlaceOrder returned it, so Exec can
// index the token before its outcome lands; a small done-set covers
// the window between the two.
type Pipeline struct {
	reg    *broker.Registry
	jnl    journal.Journal
	notify NotifyFunc
	log    *zap.Logger

	mu      sync.Mutex
	wired   map[string]bool
	pending map[string]pendingEntry
	done    map[string]bool
}

type pendingEntry struct {
	provider string
	order    broker.Order
}

func New(reg *broker.Registry, jnl journal.Journal, notify NotifyFunc, log *zap.Logger) *Pipeline {
	if jnl == nil {
		jnl = journal.Nop{}
	}
	if notify == nil {
		notify = func(Notification) {}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		reg:     reg,
		jnl:     jnl,
		notify:  notify,
		log:     log.Named("pipeline"),
		wired:   make(map[string]bool),
		pending: make(map[string]pendingEntry),
		done:    make(map[string]bool),
	}
}

// Exec validates o, routes it to the provider's adapter and records
// the outcome. Asynchronous acceptances are indexed by pending token;
// their terminal outcome arrives through the wired event handlers.
func (p *Pipeline) Exec(ctx context.Context, provider string, o broker.Order) broker.Result {
	if err := o.Validate(); err != nil {
		res := broker.Rejected(provider, err.Error())
		p.record(journal.Event{
			Provider: provider, Kind: journal.KindRejected,
			Symbol: o.Symbol, Reason: res.Reason,
		})
		metrics.IncOrderRejected(provider)
		return res
	}

	adapter, err := p.reg.Get(provider)
	if err != nil {
		res := broker.Rejected(provider, err.Error())
		p.record(journal.Event{
			Provider: provider, Kind: journal.KindRejected,
			Symbol: o.Symbol, Reason: res.Reason,
		})
		metrics.IncOrderRejected(provider)
		return res
	}
	p.wire(provider, adapter)

	res := adapter.PlaceOrder(ctx, o)
	metrics.IncOrderPlaced(provider, string(o.Side))

	switch {
	case res.Status == broker.StatusRejected:
		p.record(journal.Event{
			Provider: provider, Kind: journal.KindRejected,
			Symbol: o.Symbol, Reason: res.Reason,
		})
		metrics.IncOrderRejected(provider)
		p.notify(Notification{Provider: provider, Kind: journal.KindRejected, Symbol: o.Symbol, Reason: res.Reason})

	case res.PendingToken() != "":
		token := res.PendingToken()
		p.mu.Lock()
		if p.done[token] {
			delete(p.done, token)
		} else {
			p.pending[token] = pendingEntry{provider: provider, order: o}
		}
		p.mu.Unlock()
		p.record(journal.Event{
			Provider: provider, Kind: journal.KindPlaced,
			Token: token, Symbol: o.Symbol,
		})

	default: // synchronous accept or simulated fill
		p.record(journal.Event{
			Provider: provider, Kind: journal.KindPlaced,
			Ticket: res.OrderID, Symbol: o.Symbol,
		})
	}
	return res
}

// Stop withdraws a pending token, best effort. Unknown tokens are
// ignored; the adapter may already have confirmed or rejected.
func (p *Pipeline) Stop(token string) {
	p.mu.Lock()
	entry, ok := p.pending[token]
	p.mu.Unlock()
	if !ok {
		return
	}
	adapter, err := p.reg.Get(entry.provider)
	if err != nil {
		return
	}
	adapter.StopOpenOrder(token)
}

// Pending reports whether a token is still awaiting its outcome.
func (p *Pipeline) Pending(token string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[token]
	return ok
}

func (p *Pipeline) record(e journal.Event) {
	if err := p.jnl.RecordEvent(journal.Fill(e)); err != nil {
		p.log.Warn("journal write failed", zap.Error(err))
	}
}

// wire subscribes to an adapter's events once per provider.
func (p *Pipeline) wire(provider string, adapter broker.Adapter) {
	p.mu.Lock()
	if p.wired[provider] {
		p.mu.Unlock()
		return
	}
	p.wired[provider] = true
	p.mu.Unlock()

	ev := adapter.Events()

	ev.OnConfirmed(func(c broker.Confirm) {
		p.settle(c.Token)
		symbol := c.Order.Symbol
		p.record(journal.Event{
			Provider: provider, Kind: journal.KindConfirmed,
			Token: c.Token, Ticket: c.Ticket, Symbol: symbol,
		})
		metrics.IncOrderConfirmed(provider)
		p.notify(Notification{Provider: provider, Kind: journal.KindConfirmed, Token: c.Token, Ticket: c.Ticket, Symbol: symbol})
	})

	ev.OnRejected(func(r broker.Reject) {
		p.settle(r.Token)
		p.record(journal.Event{
			Provider: provider, Kind: journal.KindRejected,
			Token: r.Token, Symbol: r.Order.Symbol, Reason: r.Reason,
		})
		metrics.IncOrderRejected(provider)
		p.notify(Notification{Provider: provider, Kind: journal.KindRejected, Token: r.Token, Symbol: r.Order.Symbol, Reason: r.Reason})
	})

	ev.OnRetry(func(r broker.Retry) {
		p.record(journal.Event{
			Provider: provider, Kind: journal.KindRetry, Token: r.Token,
		})
		metrics.IncOrderRetry(provider)
	})

	ev.OnPositionOpened(func(pos broker.Position) {
		p.record(journal.Event{
			Provider: provider, Kind: journal.KindOpened,
			Ticket: pos.Ticket, Symbol: pos.Symbol,
		})
		metrics.IncPositionOpened(provider)
		p.notify(Notification{Provider: provider, Kind: journal.KindOpened, Ticket: pos.Ticket, Symbol: pos.Symbol})
	})

	ev.OnPositionClosed(func(pos broker.Position) {
		p.record(journal.Event{
			Provider: provider, Kind: journal.KindClosed,
			Ticket: pos.Ticket, Symbol: pos.Symbol, Profit: pos.Profit,
		})
		metrics.IncPositionClosed(provider)
		p.notify(Notification{Provider: provider, Kind: journal.KindClosed, Ticket: pos.Ticket, Symbol: pos.Symbol, Profit: pos.Profit})
	})

	ev.OnCancelled(func(c broker.Cancel) {
		p.record(journal.Event{
			Provider: provider, Kind: journal.KindCancelled, Ticket: c.Ticket,
		})
		metrics.IncOrderCancelled(provider)
		p.notify(Notification{Provider: provider, Kind: journal.KindCancelled, Ticket: c.Ticket})
	})
}

// settle removes a token from the pending index. A terminal event
// racing ahead of Exec's insertion is remembered in the done-set so
// the insertion is skipped.
func (p *Pipeline) settle(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[token]; ok {
		delete(p.pending, token)
		return
	}
	p.done[token] = true
}
