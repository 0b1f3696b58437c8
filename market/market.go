// market/market.go
package market

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// Opposite returns the closing side for a position opened with s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType is the normalized order type.
type OrderType string

const (
	Market    OrderType = "market"
	Limit     OrderType = "limit"
	Stop      OrderType = "stop"
	StopLimit OrderType = "stoplimit"
)

func (t OrderType) Valid() bool {
	switch t {
	case Market, Limit, Stop, StopLimit:
		return true
	}
	return false
}

// NeedsPrice reports whether the type requires a limit price.
func (t OrderType) NeedsPrice() bool {
	return t == Limit || t == StopLimit
}

// NeedsStopPrice reports whether the type requires a trigger price.
func (t OrderType) NeedsStopPrice() bool {
	return t == Stop || t == StopLimit
}
