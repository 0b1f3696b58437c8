package trigger

import "github.com/tradeterm/tradeterm/market"

const defaultConsolidationBars = 3

// Consolidation resolves when a sliding window of N consecutive bars
// holds fully on the favorable side of the target price: the first
// bar closes beyond it, and every later bar opens, closes, and keeps
// its near extreme beyond it. The optional range rule additionally
// caps the later bars' excursion past the price at the first bar's
// own range.
type Consolidation struct {
	price     float64
	side      market.Side
	n         int
	rangeRule bool

	bars []market.Bar
	done bool
}

func NewConsolidation(p Params) (Strategy, error) {
	if err := validateParams(p); err != nil {
		return nil, err
	}
	n := p.Bars
	if n <= 0 {
		n = defaultConsolidationBars
	}
	return &Consolidation{
		price:     p.Price,
		side:      p.Side,
		n:         n,
		rangeRule: !p.NoRange,
	}, nil
}

func (c *Consolidation) OnBar(bar market.Bar) *Outcome {
	if c.done {
		return nil
	}
	c.bars = append(c.bars, bar)
	if len(c.bars) < c.n {
		return nil
	}
	w := c.bars[len(c.bars)-c.n:]
	if !c.qualifies(w) {
		return nil
	}
	c.done = true

	b1 := w[0]
	later := w[1:]
	if len(later) == 0 {
		later = w // single-bar window: the bar is its own extreme
	}
	if c.side == market.Buy {
		limit := later[0].High
		for _, b := range later[1:] {
			if b.High > limit {
				limit = b.High
			}
		}
		return &Outcome{LimitPrice: limit, StopLoss: b1.Low}
	}
	limit := later[0].Low
	for _, b := range later[1:] {
		if b.Low < limit {
			limit = b.Low
		}
	}
	return &Outcome{LimitPrice: limit, StopLoss: b1.High}
}

func (c *Consolidation) qualifies(w []market.Bar) bool {
	b1 := w[0]
	p := c.price
	if c.side == market.Buy {
		if b1.Close <= p {
			return false
		}
		excursion := 0.0
		for _, b := range w[1:] {
			if b.Open <= p || b.Close <= p || b.Low < p {
				return false
			}
			if b.High > excursion {
				excursion = b.High
			}
		}
		if c.rangeRule && len(w) > 1 && excursion-p > b1.Range() {
			return false
		}
		return true
	}
	if b1.Close >= p {
		return false
	}
	excursion := 0.0
	for i, b := range w[1:] {
		if b.Open >= p || b.Close >= p || b.High > p {
			return false
		}
		if i == 0 || b.Low < excursion {
			excursion = b.Low
		}
	}
	if c.rangeRule && len(w) > 1 && p-excursion > b1.Range() {
		return false
	}
	return true
}
