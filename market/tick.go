package market

import "time"

// Tick is a single bid/ask observation for a symbol.
type Tick struct {
	Symbol string
	Bid    float64
	Ask    float64
	Time   time.Time
}

func (t Tick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}

func (t Tick) Spread() float64 {
	return t.Ask - t.Bid
}

// Quote is the snapshot an adapter returns for a symbol. Price is the
// best single-number estimate (last or mid, back-end dependent).
type Quote struct {
	Bid      float64
	Ask      float64
	Price    float64
	TickSize float64
}
