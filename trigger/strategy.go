// Package trigger turns a bar stream into entry decisions: each
// armed instance watches bars for one symbol until its strategy
// resolves to a limit entry with a protective stop, or cancels.
package trigger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tradeterm/tradeterm/market"
)

// Outcome is a strategy's terminal answer. Either Cancel is set, or
// LimitPrice and StopLoss are. TakeProfit is optional.
type Outcome struct {
	LimitPrice float64
	StopLoss   float64
	TakeProfit float64
	Cancel     bool
}

// Strategy consumes bars until it reaches a terminal Outcome; after
// that every OnBar returns nil.
type Strategy interface {
	OnBar(bar market.Bar) *Outcome
}

// Params configure one strategy instance. Side uses order vocabulary:
// Buy arms a long entry above the target price, Sell a short below.
type Params struct {
	Price    float64
	Side     market.Side
	TickSize float64
	Bars     int  // consolidation window, 0 = default
	NoRange  bool // disable the first-bar range rule
}

// Factory builds a strategy from per-instance params.
type Factory func(p Params) (Strategy, error)

var (
	regMu      sync.RWMutex
	strategies = map[string]Factory{}
)

// Register adds a named strategy factory. Later registrations under
// the same name win, which is how tests stub strategies.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	strategies[name] = f
}

// New builds a registered strategy by name.
func New(name string, p Params) (Strategy, error) {
	regMu.RLock()
	f, ok := strategies[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy: %s", name)
	}
	return f(p)
}

// Names lists the registered strategies, sorted.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(strategies))
	for name := range strategies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func validateParams(p Params) error {
	if p.Price <= 0 {
		return fmt.Errorf("target price must be > 0")
	}
	if !p.Side.Valid() {
		return fmt.Errorf("side must be buy|sell")
	}
	return nil
}

func init() {
	Register("consolidation", NewConsolidation)
	Register("falsebreak", NewFalseBreak)
}
