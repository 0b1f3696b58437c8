package trigger

import "github.com/tradeterm/tradeterm/market"

const defaultFalseBreakTick = 0.01

// FalseBreak resolves on a failed breakout through the target price.
// A bar that pierces the price by at least a tick and closes back on
// the favorable side resolves immediately. A bar that closes through
// the price gets exactly one more bar to reclaim it; a reclaim close
// resolves, anything else cancels. A first crossing of any other
// shape cancels outright.
type FalseBreak struct {
	price float64
	side  market.Side
	tick  float64

	// stage: 0 waiting for the piercing bar, 1 waiting for the
	// confirmation bar after a full cross.
	stage       int
	piercedLow  float64
	piercedHigh float64
	done        bool
}

func NewFalseBreak(p Params) (Strategy, error) {
	if err := validateParams(p); err != nil {
		return nil, err
	}
	tick := p.TickSize
	if tick <= 0 {
		tick = defaultFalseBreakTick
	}
	return &FalseBreak{price: p.Price, side: p.Side, tick: tick}, nil
}

func (f *FalseBreak) OnBar(bar market.Bar) *Outcome {
	if f.done {
		return nil
	}
	if f.stage == 0 {
		return f.firstBar(bar)
	}
	return f.secondBar(bar)
}

func (f *FalseBreak) firstBar(bar market.Bar) *Outcome {
	p, t := f.price, f.tick
	if f.side == market.Buy {
		if bar.Low > p-t {
			return nil // no pierce
		}
		switch {
		case bar.Close > p:
			f.done = true
			return &Outcome{LimitPrice: bar.Close, StopLoss: bar.Low - t}
		case bar.Close < p:
			// Full cross: remember the pierced extreme and give the
			// market one bar to reclaim.
			f.stage = 1
			f.piercedLow = bar.Low
			return nil
		default:
			f.done = true
			return &Outcome{Cancel: true}
		}
	}
	if bar.High < p+t {
		return nil
	}
	switch {
	case bar.Close < p:
		f.done = true
		return &Outcome{LimitPrice: bar.Close, StopLoss: bar.High + t}
	case bar.Close > p:
		f.stage = 1
		f.piercedHigh = bar.High
		return nil
	default:
		f.done = true
		return &Outcome{Cancel: true}
	}
}

func (f *FalseBreak) secondBar(bar market.Bar) *Outcome {
	f.done = true
	p, t := f.price, f.tick
	if f.side == market.Buy {
		if bar.Open < p && bar.Close > p {
			return &Outcome{LimitPrice: bar.Close, StopLoss: f.piercedLow - t}
		}
		return &Outcome{Cancel: true}
	}
	if bar.Open > p && bar.Close < p {
		return &Outcome{LimitPrice: bar.Close, StopLoss: f.piercedHigh + t}
	}
	return &Outcome{Cancel: true}
}
