package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeterm/tradeterm/broker"
	"github.com/tradeterm/tradeterm/journal"
	"github.com/tradeterm/tradeterm/market"
)

// fakeAdapter scripts PlaceOrder results and records calls.
type fakeAdapter struct {
	provider string
	events   *broker.Events
	result   broker.Result

	mu      sync.Mutex
	placed  []broker.Order
	stopped []string
}

func newFakeAdapter(provider string) *fakeAdapter {
	return &fakeAdapter{provider: provider, events: broker.NewEvents()}
}

func (f *fakeAdapter) Provider() string { return f.provider }

func (f *fakeAdapter) PlaceOrder(_ context.Context, o broker.Order) broker.Result {
	f.mu.Lock()
	f.placed = append(f.placed, o)
	f.mu.Unlock()
	return f.result
}

func (f *fakeAdapter) StopOpenOrder(token string) {
	f.mu.Lock()
	f.stopped = append(f.stopped, token)
	f.mu.Unlock()
}

func (f *fakeAdapter) GetQuote(context.Context, string) *market.Quote     { return nil }
func (f *fakeAdapter) ListOpenOrders(context.Context) []broker.OrderRecord { return nil }
func (f *fakeAdapter) ListClosedPositions(context.Context) []broker.TradeRecord {
	return nil
}
func (f *fakeAdapter) Events() *broker.Events { return f.events }
func (f *fakeAdapter) Close() error           { return nil }

// memJournal collects events in memory.
type memJournal struct {
	mu     sync.Mutex
	events []journal.Event
}

func (m *memJournal) RecordEvent(e journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memJournal) Close() error { return nil }

func (m *memJournal) kinds() []journal.Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]journal.Kind, len(m.events))
	for i, e := range m.events {
		out[i] = e.Kind
	}
	return out
}

type fixture struct {
	adapter  *fakeAdapter
	jnl      *memJournal
	pipeline *Pipeline

	mu      sync.Mutex
	notices []Notification
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{adapter: newFakeAdapter("fake"), jnl: &memJournal{}}
	reg := broker.NewRegistry()
	reg.Register("fake", func() (broker.Adapter, error) { return fx.adapter, nil })
	fx.pipeline = New(reg, fx.jnl, func(n Notification) {
		fx.mu.Lock()
		fx.notices = append(fx.notices, n)
		fx.mu.Unlock()
	}, nil)
	return fx
}

func validOrder() broker.Order {
	return broker.Order{
		Symbol: "EURUSD",
		Side:   market.Buy,
		Type:   market.Market,
		Qty:    0.1,
	}
}

func TestExecValidationReject(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	res := fx.pipeline.Exec(context.Background(), "fake", broker.Order{Side: market.Buy})
	assert.Equal(t, broker.StatusRejected, res.Status)
	assert.Contains(t, res.Reason, "symbol")

	// The adapter never saw the order.
	assert.Empty(t, fx.adapter.placed)
	require.Len(t, fx.jnl.events, 1)
	assert.Equal(t, journal.KindRejected, fx.jnl.events[0].Kind)
}

func TestExecUnknownProvider(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	res := fx.pipeline.Exec(context.Background(), "nope", validOrder())
	assert.Equal(t, broker.StatusRejected, res.Status)
	assert.Contains(t, res.Reason, "unknown adapter")
}

func TestExecPendingThenConfirmed(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.adapter.result = broker.Result{
		Status:   broker.StatusAccepted,
		Provider: "fake",
		OrderID:  broker.Pending("tok-1"),
	}

	res := fx.pipeline.Exec(context.Background(), "fake", validOrder())
	require.Equal(t, "tok-1", res.PendingToken())
	assert.True(t, fx.pipeline.Pending("tok-1"))

	fx.adapter.events.EmitConfirmed(broker.Confirm{
		Token: "tok-1", Ticket: "T99", Order: validOrder(),
	})

	assert.False(t, fx.pipeline.Pending("tok-1"))
	assert.Equal(t, []journal.Kind{journal.KindPlaced, journal.KindConfirmed}, fx.jnl.kinds())

	require.Len(t, fx.notices, 1)
	assert.Equal(t, journal.KindConfirmed, fx.notices[0].Kind)
	assert.Equal(t, "T99", fx.notices[0].Ticket)
}

func TestExecPendingThenRejected(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.adapter.result = broker.Result{
		Status:   broker.StatusAccepted,
		Provider: "fake",
		OrderID:  broker.Pending("tok-2"),
	}

	fx.pipeline.Exec(context.Background(), "fake", validOrder())
	fx.adapter.events.EmitRejected(broker.Reject{
		Token: "tok-2", Reason: "not enough money", Order: validOrder(),
	})

	assert.False(t, fx.pipeline.Pending("tok-2"))
	require.Len(t, fx.jnl.events, 2)
	last := fx.jnl.events[1]
	assert.Equal(t, journal.KindRejected, last.Kind)
	assert.Equal(t, "not enough money", last.Reason)
}

func TestStopForwardsToAdapter(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.adapter.result = broker.Result{
		Status:   broker.StatusAccepted,
		Provider: "fake",
		OrderID:  broker.Pending("tok-3"),
	}

	fx.pipeline.Exec(context.Background(), "fake", validOrder())
	fx.pipeline.Stop("tok-3")
	assert.Equal(t, []string{"tok-3"}, fx.adapter.stopped)

	// Unknown tokens are a no-op.
	fx.pipeline.Stop("tok-unknown")
	assert.Len(t, fx.adapter.stopped, 1)
}

func TestSynchronousAcceptNotIndexed(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.adapter.result = broker.Result{
		Status:   broker.StatusSimulated,
		Provider: "fake",
		OrderID:  "SIM-1",
	}

	res := fx.pipeline.Exec(context.Background(), "fake", validOrder())
	assert.Empty(t, res.PendingToken())
	require.Len(t, fx.jnl.events, 1)
	assert.Equal(t, journal.KindPlaced, fx.jnl.events[0].Kind)
	assert.Equal(t, "SIM-1", fx.jnl.events[0].Ticket)
}

func TestPositionAndCancelEventsJournalled(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.adapter.result = broker.Result{
		Status:   broker.StatusAccepted,
		Provider: "fake",
		OrderID:  broker.Pending("tok-4"),
	}
	fx.pipeline.Exec(context.Background(), "fake", validOrder())

	fx.adapter.events.EmitPositionOpened(broker.Position{Ticket: "T1", Symbol: "EURUSD"})
	fx.adapter.events.EmitPositionClosed(broker.Position{Ticket: "T1", Symbol: "EURUSD", Profit: 12.5})
	fx.adapter.events.EmitCancelled(broker.Cancel{Ticket: "T2"})

	kinds := fx.jnl.kinds()
	assert.Equal(t, []journal.Kind{
		journal.KindPlaced, journal.KindOpened, journal.KindClosed, journal.KindCancelled,
	}, kinds)
	assert.Equal(t, 12.5, fx.jnl.events[2].Profit)
}

func TestEventBeforeIndexDoesNotLeak(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	// Wire the adapter, then deliver a terminal event for a token the
	// pipeline has not indexed yet.
	fx.adapter.result = broker.Result{
		Status:   broker.StatusAccepted,
		Provider: "fake",
		OrderID:  broker.Pending("tok-early"),
	}
	fx.pipeline.Exec(context.Background(), "fake", validOrder())
	fx.adapter.events.EmitConfirmed(broker.Confirm{Token: "tok-race", Order: validOrder()})

	// A later acceptance reusing that token (the race window) must not
	// end up stuck in the pending index.
	fx.adapter.result.OrderID = broker.Pending("tok-race")
	fx.pipeline.Exec(context.Background(), "fake", validOrder())
	assert.False(t, fx.pipeline.Pending("tok-race"))
}

func TestRetryJournalled(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.adapter.result = broker.Result{
		Status:   broker.StatusAccepted,
		Provider: "fake",
		OrderID:  broker.Pending("tok-5"),
	}
	fx.pipeline.Exec(context.Background(), "fake", validOrder())

	fx.adapter.events.EmitRetry(broker.Retry{Token: "tok-5", Count: 1})
	assert.True(t, fx.pipeline.Pending("tok-5"), "retry is not terminal")
	require.Len(t, fx.jnl.events, 2)
	assert.Equal(t, journal.KindRetry, fx.jnl.events[1].Kind)
}
