// broker/matcher.go
//
// When a back-end's feed is a periodic full snapshot with no reliable
// request/response linkage, new records are tied back to locally
// issued requests by attribute similarity. The weights and threshold
// are observed behavior, hand-tuned, and kept configurable.
package broker

import (
	"math"
	"strings"

	"github.com/tradeterm/tradeterm/market"
)

// Weights for the heuristic score. Threshold is the minimum total a
// candidate must reach to be accepted.
type Weights struct {
	Symbol     float64 `json:"symbol" yaml:"symbol"`
	Volume     float64 `json:"volume" yaml:"volume"`
	Side       float64 `json:"side" yaml:"side"`
	Price      float64 `json:"price" yaml:"price"`
	StopLoss   float64 `json:"stop_loss" yaml:"stop_loss"`
	TakeProfit float64 `json:"take_profit" yaml:"take_profit"`
	Threshold  float64 `json:"threshold" yaml:"threshold"`
}

func DefaultWeights() Weights {
	return Weights{
		Symbol:     3,
		Volume:     2,
		Side:       2,
		Price:      1,
		StopLoss:   0.5,
		TakeProfit: 0.5,
		Threshold:  5,
	}
}

// Matcher scores live pending requests against broker-side records.
type Matcher struct {
	W   Weights
	Tol float64 // absolute tolerance for price/volume comparisons
}

func NewMatcher(w Weights) Matcher {
	return Matcher{W: w, Tol: 1e-4}
}

// Match returns the token of the highest-scoring pending request for
// rec, provided the score reaches the threshold. Each record consumes
// at most one request; the caller removes the returned token from the
// live set. Records below threshold stay unmatched, which is not an
// error.
func (m Matcher) Match(pending map[string]*PendingRequest, rec OrderRecord) (string, bool) {
	bestToken := ""
	bestScore := math.Inf(-1)
	for token, p := range pending {
		s := m.score(p.Order, rec)
		if s > bestScore {
			bestScore = s
			bestToken = token
		}
	}
	if bestToken == "" || bestScore < m.W.Threshold {
		return "", false
	}
	return bestToken, true
}

func (m Matcher) score(o Order, rec OrderRecord) float64 {
	var s float64
	if o.Symbol == rec.Symbol {
		s += m.W.Symbol
	}
	if o.Qty > 0 && roughlyEqual(o.Qty, rec.Lots, m.Tol) {
		s += m.W.Volume
	}
	if o.Side.Valid() && sideMatches(o.Side, rec.Type) {
		s += m.W.Side
	}
	if o.Price > 0 && roughlyEqual(o.Price, rec.OpenPrice, m.Tol) {
		s += m.W.Price
	}
	if o.StopPoints > 0 && o.TickSize > 0 && o.Price > 0 {
		sl := market.StopLevel(o.Price, o.StopPoints, o.TickSize, o.Side)
		if roughlyEqual(sl, rec.StopLoss, m.Tol) {
			s += m.W.StopLoss
		}
	}
	if o.TakePoints > 0 && o.TickSize > 0 && o.Price > 0 {
		tp := market.TakeLevel(o.Price, o.TakePoints, o.TickSize, o.Side)
		if roughlyEqual(tp, rec.TakeProfit, m.Tol) {
			s += m.W.TakeProfit
		}
	}
	return s
}

func sideMatches(side market.Side, recType string) bool {
	t := strings.ToLower(recType)
	switch side {
	case market.Buy:
		return strings.Contains(t, "buy")
	case market.Sell:
		return strings.Contains(t, "sell")
	}
	return false
}

func roughlyEqual(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}
