package sim

import "github.com/tradeterm/tradeterm/market"

func hitStopLoss(t *Trade, price float64) bool {
	if t.StopLoss == 0 {
		return false
	}
	if t.Side == market.Buy {
		return price <= t.StopLoss
	}
	return price >= t.StopLoss
}

func hitTakeProfit(t *Trade, price float64) bool {
	if t.TakeProfit == 0 {
		return false
	}
	if t.Side == market.Buy {
		return price >= t.TakeProfit
	}
	return price <= t.TakeProfit
}
