package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tradeterm/tradeterm/market"
)

// Adapter is the single contract every brokerage back-end implements.
// PlaceOrder must not block on a back-end's full round trip: adapters
// with an asynchronous confirm path return an accepted Result carrying
// a pending token and deliver the terminal outcome through Events.
// Back-ends that answer synchronously return a terminal Result
// directly; callers handle both.
type Adapter interface {
	Provider() string

	PlaceOrder(ctx context.Context, o Order) Result

	// StopOpenOrder withdraws a pending token before confirmation,
	// best effort. A late confirmation for a stopped token must
	// trigger a cancel attempt on the resulting order.
	StopOpenOrder(token string)

	// GetQuote returns nil when the symbol is unknown or the
	// back-end is unreachable. It never fails loudly.
	GetQuote(ctx context.Context, symbol string) *market.Quote

	ListOpenOrders(ctx context.Context) []OrderRecord
	ListClosedPositions(ctx context.Context) []TradeRecord

	Events() *Events

	Close() error
}

// Order is the normalized trade instruction handed to an adapter.
// Stop and take distances are points, resolved against TickSize.
// Validate enforces internal consistency only; business validation
// happens upstream of the execution core.
type Order struct {
	Symbol     string
	Side       market.Side
	Type       market.OrderType
	Qty        float64
	Price      float64 // limit price, required for limit/stoplimit
	StopPrice  float64 // trigger price, required for stop/stoplimit
	StopPoints float64
	TakePoints float64
	TickSize   float64
	Magic      int
	Comment    string
	ClientID   string // correlation token, set by the adapter
	Meta       map[string]string
}

func (o Order) Validate() error {
	if o.Symbol == "" {
		return errors.New("symbol is required")
	}
	if !o.Side.Valid() {
		return errors.New("side must be buy|sell")
	}
	if !o.Type.Valid() {
		return fmt.Errorf("unsupported order type: %s", o.Type)
	}
	if o.Type.NeedsPrice() && o.Price <= 0 {
		return fmt.Errorf("price is required for %s orders", o.Type)
	}
	if o.Type.NeedsStopPrice() && o.StopPrice <= 0 {
		return fmt.Errorf("stop price is required for %s orders", o.Type)
	}
	if o.Qty <= 0 {
		return errors.New("volume must be > 0")
	}
	return nil
}

// Status of a PlaceOrder result. Accepted covers both a synchronous
// fill and an enqueued pending token.
type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusSimulated Status = "simulated"
)

const pendingPrefix = "pending:"

// Result is what PlaceOrder hands back immediately.
type Result struct {
	Status   Status
	Provider string
	OrderID  string // back-end ticket, or "pending:<token>"
	Reason   string
}

// PendingToken returns the correlation token when the result is an
// asynchronous pending acceptance, else "".
func (r Result) PendingToken() string {
	if strings.HasPrefix(r.OrderID, pendingPrefix) {
		return r.OrderID[len(pendingPrefix):]
	}
	return ""
}

// Pending wraps a token into the pending OrderID form.
func Pending(token string) string {
	return pendingPrefix + token
}

// Rejected builds a terminal rejection result.
func Rejected(provider, reason string) Result {
	return Result{Status: StatusRejected, Provider: provider, Reason: reason}
}

// PendingRequest is the adapter-local bookkeeping for a token awaiting
// its terminal outcome. One per token; tokens are never reused.
type PendingRequest struct {
	Order     Order
	Submitted time.Time
	Retries   int
}

// OrderRecord is a broker-side order/position snapshot row, the unit
// the reconciliation matcher scores against.
type OrderRecord struct {
	Ticket    string  `json:"ticket,omitempty"`
	Symbol    string  `json:"symbol"`
	Type      string  `json:"type"` // back-end vocabulary: buy, selllimit, ...
	Lots      float64 `json:"lots"`
	OpenPrice float64 `json:"open_price"`
	StopLoss  float64 `json:"sl"`
	TakeProfit float64 `json:"tp"`
	PnL       float64 `json:"pnl"`
	OpenTime  string  `json:"open_time"`
	Comment   string  `json:"comment"`
	Magic     int     `json:"magic"`
}

// TradeRecord is a closed position row from a back-end's history feed.
type TradeRecord struct {
	Ticket string  `json:"ticket,omitempty"`
	Symbol string  `json:"symbol"`
	Type   string  `json:"type"`
	Lots   float64 `json:"lots"`
	Profit float64 `json:"pnl"`
}
