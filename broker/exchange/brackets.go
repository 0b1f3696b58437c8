package exchange

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tradeterm/tradeterm/broker"
	"github.com/tradeterm/tradeterm/market"
	"github.com/tradeterm/tradeterm/metrics"
)

// childRef identifies one protective order so it can be cancelled by
// either id the venue accepts.
type childRef struct {
	id            string
	clientOrderID string
}

// bracketLink ties a parent order to its protective children.
type bracketLink struct {
	symbol    string
	children  []childRef
	cancelled bool
}

// placeBrackets submits the protective legs for a confirmed parent:
// the stop loss as a single stop order and the take profit through a
// fallback chain of venue order types, first accepted wins. Leg
// failures leave the parent standing; an unprotected fill is better
// than no fill at a venue that rejects one bracket type.
func (a *Adapter) placeBrackets(o broker.Order, parentTicket string, entry float64) {
	tick := o.TickSize
	if tick <= 0 {
		tick = a.tickSizeFor(o.Symbol)
	}
	childSide := string(o.Side.Opposite())

	link := &bracketLink{symbol: o.Symbol}

	if o.StopPoints > 0 {
		level := market.StopLevel(entry, o.StopPoints, tick, o.Side)
		cid := broker.NewCID()
		resp, err := a.client.CreateOrder(a.ctx, OrderRequest{
			Symbol:        o.Symbol,
			Side:          childSide,
			Type:          "stop",
			Amount:        o.Qty,
			StopPrice:     level,
			ReduceOnly:    true,
			ClientOrderID: cid,
		})
		if err != nil {
			a.log.Warn("stop-loss leg failed",
				zap.String("parent", parentTicket),
				zap.Float64("level", level),
				zap.Error(err))
		} else {
			metrics.IncBracketChild("placed")
			link.children = append(link.children, childRef{id: resp.TicketID(), clientOrderID: cid})
		}
	}

	if o.TakePoints > 0 {
		level := market.TakeLevel(entry, o.TakePoints, tick, o.Side)
		if child, ok := a.placeTakeProfit(o, childSide, level); ok {
			metrics.IncBracketChild("placed")
			link.children = append(link.children, child)
		} else {
			a.log.Warn("take-profit leg failed on every order type",
				zap.String("parent", parentTicket),
				zap.Float64("level", level))
		}
	}

	if len(link.children) == 0 {
		return
	}
	a.mu.Lock()
	a.links[parentTicket] = link
	a.mu.Unlock()
}

// placeTakeProfit walks the venue's take-profit vocabulary from most
// to least specific: a TP-market trigger, a TP-limit trigger, then a
// plain reduce-only limit.
func (a *Adapter) placeTakeProfit(o broker.Order, side string, level float64) (childRef, bool) {
	attempts := []OrderRequest{
		{Type: "take_profit_market", StopPrice: level},
		{Type: "take_profit", StopPrice: level, Price: level},
		{Type: "limit", Price: level},
	}
	for _, req := range attempts {
		req.Symbol = o.Symbol
		req.Side = side
		req.Amount = o.Qty
		req.ReduceOnly = true
		req.ClientOrderID = broker.NewCID()
		resp, err := a.client.CreateOrder(a.ctx, req)
		if err != nil {
			a.log.Debug("take-profit attempt rejected",
				zap.String("type", req.Type), zap.Error(err))
			continue
		}
		return childRef{id: resp.TicketID(), clientOrderID: req.ClientOrderID}, true
	}
	return childRef{}, false
}

// watchParent polls a bracketed parent until it settles or ages out.
// A cancelled parent takes its children with it, exactly once; a
// closed parent leaves them to do their job. The link is dropped when
// the watch ends, whichever way it ends.
func (a *Adapter) watchParent(ticket, symbol string) {
	defer a.wg.Done()
	defer a.dropLink(ticket)
	deadline := time.Now().Add(a.cfg.WatchMaxAge)
	t := time.NewTicker(a.cfg.WatchInterval)
	defer t.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-t.C:
		}
		if time.Now().After(deadline) {
			return
		}

		resp, err := a.client.FetchOrder(a.ctx, ticket, symbol)
		if err != nil {
			continue // transient; next tick retries
		}
		switch strings.ToLower(resp.Status) {
		case "canceled", "cancelled":
			a.cancelChildren(ticket)
			a.events.EmitCancelled(broker.Cancel{Ticket: ticket})
			return
		case "closed", "filled":
			return
		}
	}
}

func (a *Adapter) dropLink(parentTicket string) {
	a.mu.Lock()
	delete(a.links, parentTicket)
	a.mu.Unlock()
}

func (a *Adapter) cancelChildren(parentTicket string) {
	a.mu.Lock()
	link, ok := a.links[parentTicket]
	if !ok || link.cancelled {
		a.mu.Unlock()
		return
	}
	link.cancelled = true
	children := append([]childRef{}, link.children...)
	symbol := link.symbol
	a.mu.Unlock()

	for _, c := range children {
		if err := a.cancelWithFallback(c.id, c.clientOrderID, symbol); err != nil {
			a.log.Warn("cancel bracket child",
				zap.String("parent", parentTicket),
				zap.String("child", c.id),
				zap.Error(err))
			continue
		}
		metrics.IncBracketChild("cancelled")
	}
}
