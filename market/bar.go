package market

import "time"

// Bar represents one OHLC candlestick for a symbol and timeframe.
type Bar struct {
	Symbol    string
	Timeframe string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Time      time.Time
}

func (b Bar) Range() float64 {
	return b.High - b.Low
}
