package trigger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeterm/tradeterm/broker"
	"github.com/tradeterm/tradeterm/market"
)

func TestServiceResolvesAndRemoves(t *testing.T) {
	t.Parallel()

	svc := NewService()
	var execs []Execution
	var cancels []Cancellation

	id, err := svc.AddOrder(Request{
		Params:    Params{Price: 100, Side: market.Buy},
		OnExecute: func(e Execution) { execs = append(execs, e) },
		OnCancel:  func(c Cancellation) { cancels = append(cancels, c) },
	})
	require.NoError(t, err)
	require.Equal(t, 1, svc.Live())

	svc.OnBar(bar(99, 101, 98, 100.5))
	svc.OnBar(bar(100.2, 100.8, 100, 100.7))
	svc.OnBar(bar(100.5, 101, 100.1, 100.9))

	require.Len(t, execs, 1)
	assert.Equal(t, id, execs[0].ID)
	assert.Equal(t, market.Buy, execs[0].Side)
	assert.Equal(t, 101.0, execs[0].LimitPrice)
	assert.Equal(t, 0, svc.Live(), "resolved instance removed immediately")
	assert.Empty(t, cancels)

	// Further bars are a no-op.
	svc.OnBar(bar(100.5, 101, 100.1, 100.9))
	assert.Len(t, execs, 1)
}

func TestServiceCancelSkipsCallbacks(t *testing.T) {
	t.Parallel()

	svc := NewService()
	called := false
	id, err := svc.AddOrder(Request{
		Strategy:  "falsebreak",
		Params:    Params{Price: 100, Side: market.Buy, TickSize: 0.01},
		OnExecute: func(Execution) { called = true },
		OnCancel:  func(Cancellation) { called = true },
	})
	require.NoError(t, err)

	svc.CancelOrder(id)
	svc.OnBar(bar(100.3, 100.5, 99.8, 100.2))
	assert.False(t, called)
	assert.Equal(t, 0, svc.Live())
}

func TestServiceIndependentInstances(t *testing.T) {
	t.Parallel()

	svc := NewService()
	var resolved []int
	add := func(price float64) int {
		id, err := svc.AddOrder(Request{
			Params:    Params{Price: price, Side: market.Buy, Bars: 1},
			OnExecute: func(e Execution) { resolved = append(resolved, e.ID) },
		})
		require.NoError(t, err)
		return id
	}
	a := add(100)
	b := add(105)

	// Resolves the first instance only; the second target is higher.
	svc.OnBar(bar(99, 101, 98, 100.5))
	require.Equal(t, []int{a}, resolved)
	assert.Equal(t, 1, svc.Live())

	svc.OnBar(bar(105.1, 106, 105.05, 105.5))
	assert.Equal(t, []int{a, b}, resolved)
}

func TestServiceUnknownStrategy(t *testing.T) {
	t.Parallel()

	svc := NewService()
	_, err := svc.AddOrder(Request{
		Strategy: "astrology",
		Params:   Params{Price: 100, Side: market.Buy},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown strategy")
}

func TestHubPointsConversion(t *testing.T) {
	t.Parallel()

	var placed []broker.Order
	var subscribed [][]string
	h := NewHub(HubConfig{},
		func(_ string, o broker.Order) { placed = append(placed, o) },
		func(provider string, symbols []string) { subscribed = append(subscribed, symbols) },
		nil)

	id, err := h.QueuePlacePending(PendingOrder{
		Provider: "mt5",
		Symbol:   "TEST",
		Price:    100,
		Side:     market.Buy,
		TickSize: 1,
		Qty:      1,
	})
	require.NoError(t, err)
	assert.Equal(t, "mt5:TEST:1", id)
	require.Len(t, subscribed, 1)
	assert.Equal(t, []string{"TEST"}, subscribed[0])

	h.OnBar("mt5", market.Bar{Symbol: "TEST", Timeframe: "M1", Open: 99, High: 101, Low: 98, Close: 100.5})
	h.OnBar("mt5", market.Bar{Symbol: "TEST", Timeframe: "M1", Open: 100.2, High: 100.8, Low: 100, Close: 100.7})
	h.OnBar("mt5", market.Bar{Symbol: "TEST", Timeframe: "M1", Open: 100.5, High: 101, Low: 100.1, Close: 100.9})

	require.Len(t, placed, 1)
	o := placed[0]
	assert.Equal(t, market.Buy, o.Side)
	assert.Equal(t, market.Limit, o.Type)
	assert.Equal(t, 101.0, o.Price)
	assert.Equal(t, 1.0, o.Qty)
	assert.Equal(t, 6.0, o.StopPoints, "|101-98|/1 = 3 points, clamped to the minimum 6")
	assert.Equal(t, 18.0, o.TakePoints, "stop*3 when nothing else is specified")
}

type stubStrategy struct{ done bool }

func (s *stubStrategy) OnBar(market.Bar) *Outcome {
	if s.done {
		return nil
	}
	s.done = true
	return &Outcome{LimitPrice: 101, StopLoss: 99, TakeProfit: 105}
}

func TestHubStrategyTakeProfitConverted(t *testing.T) {
	t.Parallel()

	Register("stub-tp", func(Params) (Strategy, error) { return &stubStrategy{}, nil })

	var placed []broker.Order
	h := NewHub(HubConfig{},
		func(_ string, o broker.Order) { placed = append(placed, o) },
		nil, nil)

	_, err := h.QueuePlacePending(PendingOrder{
		Provider: "mt5",
		Symbol:   "TPTEST",
		Price:    100,
		Side:     market.Buy,
		Strategy: "stub-tp",
		TickSize: 0.5,
		Qty:      1,
	})
	require.NoError(t, err)

	h.OnBar("mt5", market.Bar{Symbol: "TPTEST", Timeframe: "M1", Open: 100, High: 101, Low: 99, Close: 100})

	require.Len(t, placed, 1)
	assert.Equal(t, 6.0, placed[0].StopPoints, "|101-99|/0.5 = 4, clamped to 6")
	assert.Equal(t, 8.0, placed[0].TakePoints, "|105-101|/0.5, the strategy's own take profit")
}

func TestHubPreservesPreSpecifiedTakePoints(t *testing.T) {
	t.Parallel()

	var placed []broker.Order
	h := NewHub(HubConfig{},
		func(_ string, o broker.Order) { placed = append(placed, o) },
		nil, nil)

	_, err := h.QueuePlacePending(PendingOrder{
		Provider:   "mt5",
		Symbol:     "TEST",
		Price:      100,
		Side:       market.Buy,
		TickSize:   1,
		Qty:        1,
		TakePoints: 25,
	})
	require.NoError(t, err)

	h.OnBar("mt5", market.Bar{Symbol: "TEST", Timeframe: "M1", Open: 99, High: 101, Low: 98, Close: 100.5})
	h.OnBar("mt5", market.Bar{Symbol: "TEST", Timeframe: "M1", Open: 100.2, High: 100.8, Low: 100, Close: 100.7})
	h.OnBar("mt5", market.Bar{Symbol: "TEST", Timeframe: "M1", Open: 100.5, High: 101, Low: 100.1, Close: 100.9})

	require.Len(t, placed, 1)
	assert.Equal(t, 25.0, placed[0].TakePoints)
}

func TestHubIgnoresOtherTimeframes(t *testing.T) {
	t.Parallel()

	var placed []broker.Order
	h := NewHub(HubConfig{},
		func(_ string, o broker.Order) { placed = append(placed, o) },
		nil, nil)

	_, err := h.QueuePlacePending(PendingOrder{
		Provider: "mt5", Symbol: "TEST", Price: 100, Side: market.Buy,
		TickSize: 1, Qty: 1, Bars: 1,
	})
	require.NoError(t, err)

	h.OnBar("mt5", market.Bar{Symbol: "TEST", Timeframe: "H1", Open: 99, High: 101, Low: 98, Close: 100.5})
	assert.Empty(t, placed)

	h.OnBar("mt5", market.Bar{Symbol: "TEST", Timeframe: "M1", Open: 99, High: 101, Low: 98, Close: 100.5})
	assert.Len(t, placed, 1)
}

func TestHubCancelPendingAndCallbacks(t *testing.T) {
	t.Parallel()

	var cancelledID string
	h := NewHub(HubConfig{}, func(string, broker.Order) {}, nil, nil)

	// Explicit cancel disarms silently.
	id, err := h.QueuePlacePending(PendingOrder{
		Provider: "mt5", Symbol: "TEST", Price: 100, Side: market.Buy,
		Strategy: "falsebreak", TickSize: 0.01, Qty: 1,
		OnCancel: func(string) { t.Fatal("explicit cancel must not call back") },
	})
	require.NoError(t, err)
	require.NoError(t, h.CancelPending(id))

	// Strategy cancel notifies the caller with the hub id.
	id2, err := h.QueuePlacePending(PendingOrder{
		Provider: "mt5", Symbol: "TEST", Price: 100, Side: market.Buy,
		Strategy: "falsebreak", TickSize: 0.01, Qty: 1,
		OnCancel: func(id string) { cancelledID = id },
	})
	require.NoError(t, err)

	// Full cross then no reclaim: the strategy cancels.
	h.OnBar("mt5", market.Bar{Symbol: "TEST", Timeframe: "M1", Open: 100.2, High: 100.4, Low: 99.5, Close: 99.8})
	h.OnBar("mt5", market.Bar{Symbol: "TEST", Timeframe: "M1", Open: 99.7, High: 99.9, Low: 99.4, Close: 99.6})
	assert.Equal(t, id2, cancelledID)

	assert.Error(t, h.CancelPending("garbage"))
	assert.Error(t, h.CancelPending("mt5:NOPE:1"))
}

func TestHubValidation(t *testing.T) {
	t.Parallel()

	h := NewHub(HubConfig{}, func(string, broker.Order) {}, nil, nil)

	_, err := h.QueuePlacePending(PendingOrder{Symbol: "TEST", Price: 100, Side: market.Buy, Qty: 1})
	require.Error(t, err)

	_, err = h.QueuePlacePending(PendingOrder{Provider: "mt5", Symbol: "TEST", Price: 100, Side: market.Buy})
	require.Error(t, err)
}

func TestHubSubscriptionSetGrows(t *testing.T) {
	t.Parallel()

	var sets [][]string
	h := NewHub(HubConfig{}, func(string, broker.Order) {},
		func(provider string, symbols []string) { sets = append(sets, symbols) }, nil)

	mustQueue := func(symbol string) {
		_, err := h.QueuePlacePending(PendingOrder{
			Provider: "mt5", Symbol: symbol, Price: 100, Side: market.Buy, Qty: 1,
		})
		require.NoError(t, err)
	}
	mustQueue("EURUSD")
	mustQueue("USDJPY")
	mustQueue("EURUSD") // already subscribed, no re-issue

	require.Len(t, sets, 2)
	assert.Len(t, sets[0], 1)
	assert.Len(t, sets[1], 2, "full replacement set including the new symbol")
}

func TestHubSubscriptionSetShrinksWhenIdle(t *testing.T) {
	t.Parallel()

	var sets [][]string
	h := NewHub(HubConfig{}, func(string, broker.Order) {},
		func(provider string, symbols []string) { sets = append(sets, symbols) }, nil)

	queue := func(symbol string) string {
		id, err := h.QueuePlacePending(PendingOrder{
			Provider: "mt5", Symbol: symbol, Price: 100, Side: market.Buy,
			TickSize: 1, Qty: 1, Bars: 1,
		})
		require.NoError(t, err)
		return id
	}
	queue("EURUSD")
	id := queue("USDJPY")
	require.Len(t, sets, 2)

	// Explicit cancel retires USDJPY; the replacement set shrinks back
	// to the symbols still armed.
	require.NoError(t, h.CancelPending(id))
	require.Len(t, sets, 3)
	assert.Equal(t, []string{"EURUSD"}, sets[2])

	// The last trigger resolving retires its symbol too.
	h.OnBar("mt5", market.Bar{Symbol: "EURUSD", Timeframe: "M1", Open: 99, High: 101, Low: 98, Close: 100.5})
	require.Len(t, sets, 4)
	assert.Empty(t, sets[3])

	// Re-arming after a prune subscribes again from scratch.
	queue("EURUSD")
	require.Len(t, sets, 5)
	assert.Equal(t, []string{"EURUSD"}, sets[4])
}
