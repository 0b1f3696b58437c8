package mt5

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradeterm/tradeterm/broker"
	"github.com/tradeterm/tradeterm/market"
)

func newAdapter(t *testing.T) (*Adapter, string) {
	t.Helper()
	dir := t.TempDir()
	a, err := New(Config{
		Client:     ClientConfig{Dir: dir, PollInterval: time.Hour},
		Magic:      77,
		RetryDelay: 5 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, filepath.Join(dir, "DWX")
}

// commands returns the payloads sitting in the command pool.
func commands(t *testing.T, base string) []string {
	t.Helper()
	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "DWX_Commands_") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(base, e.Name()))
		require.NoError(t, err)
		out = append(out, string(b))
	}
	return out
}

func countCommands(t *testing.T, base, name string) int {
	t.Helper()
	n := 0
	for _, p := range commands(t, base) {
		if strings.Contains(p, "|"+name+"|") {
			n++
		}
	}
	return n
}

func TestPlaceOrderReturnsPendingImmediately(t *testing.T) {
	t.Parallel()

	a, base := newAdapter(t)

	res := a.PlaceOrder(context.Background(), broker.Order{
		Symbol: "EURUSD",
		Side:   market.Buy,
		Type:   market.Limit,
		Qty:    0.1,
		Price:  1.0835,
	})
	require.Equal(t, broker.StatusAccepted, res.Status)
	token := res.PendingToken()
	require.NotEmpty(t, token)

	require.Eventually(t, func() bool {
		return countCommands(t, base, "OPEN_ORDER") == 1
	}, time.Second, 5*time.Millisecond)

	var payload string
	for _, p := range commands(t, base) {
		if strings.Contains(p, "|OPEN_ORDER|") {
			payload = p
		}
	}
	assert.Contains(t, payload, "EURUSD,buylimit,0.1,1.0835")
	assert.Contains(t, payload, "cid:"+token, "token travels in the order comment")
	assert.Contains(t, payload, ",77,", "default magic applied")
}

func TestPlaceOrderValidationRejectsSynchronously(t *testing.T) {
	t.Parallel()

	a, _ := newAdapter(t)

	res := a.PlaceOrder(context.Background(), broker.Order{
		Side: market.Buy, Type: market.Market, Qty: 0.1,
	})
	assert.Equal(t, broker.StatusRejected, res.Status)
	assert.Contains(t, res.Reason, "symbol")

	res = a.PlaceOrder(context.Background(), broker.Order{
		Symbol: "EURUSD", Side: market.Sell, Type: market.StopLimit,
		Qty: 0.1, Price: 1.08, StopPrice: 1.09,
	})
	assert.Equal(t, broker.StatusRejected, res.Status)
	assert.Contains(t, res.Reason, "not supported")
}

func TestConfirmViaCommentToken(t *testing.T) {
	t.Parallel()

	a, base := newAdapter(t)

	res := a.PlaceOrder(context.Background(), broker.Order{
		Symbol: "EURUSD", Side: market.Buy, Type: market.Limit, Qty: 0.1, Price: 1.0835,
	})
	token := res.PendingToken()
	require.NotEmpty(t, token)

	confirms := make(chan broker.Confirm, 4)
	a.events.OnConfirmed(func(c broker.Confirm) { confirms <- c })

	writeFile(t, filepath.Join(base, "DWX_Orders.txt"),
		`{"account_info":{},"orders":{"555":{"symbol":"EURUSD","type":"buylimit","lots":0.1,"open_price":1.0835,"comment":"cid:`+token+`"}}}`)
	a.client.checkOpenOrders()

	c := <-confirms
	assert.Equal(t, token, c.Token)
	assert.Equal(t, "555", c.Ticket)
	require.NotNil(t, c.Record)
	assert.Equal(t, "EURUSD", c.Record.Symbol)

	// A later snapshot update for the same ticket must not confirm
	// the token a second time.
	writeFile(t, filepath.Join(base, "DWX_Orders.txt"),
		`{"account_info":{},"orders":{"555":{"symbol":"EURUSD","type":"buylimit","lots":0.1,"open_price":1.0835,"comment":"cid:`+token+`","pnl":1.5}}}`)
	a.client.checkOpenOrders()
	assert.Empty(t, confirms)
}

func TestConfirmViaSimilarityMatch(t *testing.T) {
	t.Parallel()

	a, base := newAdapter(t)

	res := a.PlaceOrder(context.Background(), broker.Order{
		Symbol: "USDJPY", Side: market.Sell, Type: market.Limit, Qty: 0.3, Price: 147.25,
	})
	token := res.PendingToken()

	confirms := make(chan broker.Confirm, 4)
	a.events.OnConfirmed(func(c broker.Confirm) { confirms <- c })

	// Broker truncated the comment; symbol+volume+side+price still
	// clears the score threshold.
	writeFile(t, filepath.Join(base, "DWX_Orders.txt"),
		`{"account_info":{},"orders":{"808":{"symbol":"USDJPY","type":"selllimit","lots":0.3,"open_price":147.25,"comment":"tradeterm"}}}`)
	a.client.checkOpenOrders()

	c := <-confirms
	assert.Equal(t, token, c.Token)
	assert.Equal(t, "808", c.Ticket)
}

func TestUnmatchedRecordIsNotAnError(t *testing.T) {
	t.Parallel()

	a, base := newAdapter(t)

	confirms := make(chan broker.Confirm, 4)
	rejects := make(chan broker.Reject, 4)
	a.events.OnConfirmed(func(c broker.Confirm) { confirms <- c })
	a.events.OnRejected(func(r broker.Reject) { rejects <- r })

	// Manual trade placed in the terminal, nothing pending locally.
	writeFile(t, filepath.Join(base, "DWX_Orders.txt"),
		`{"account_info":{},"orders":{"900":{"symbol":"XAUUSD","type":"buy","lots":1,"open_price":2400}}}`)
	a.client.checkOpenOrders()

	assert.Empty(t, confirms)
	assert.Empty(t, rejects)
}

func TestStoppedTokenCancelsLateConfirmation(t *testing.T) {
	t.Parallel()

	a, base := newAdapter(t)

	res := a.PlaceOrder(context.Background(), broker.Order{
		Symbol: "EURUSD", Side: market.Buy, Type: market.Limit, Qty: 0.1, Price: 1.0835,
	})
	token := res.PendingToken()
	a.StopOpenOrder(token)

	confirms := make(chan broker.Confirm, 4)
	a.events.OnConfirmed(func(c broker.Confirm) { confirms <- c })

	writeFile(t, filepath.Join(base, "DWX_Orders.txt"),
		`{"account_info":{},"orders":{"321":{"symbol":"EURUSD","type":"buylimit","lots":0.1,"open_price":1.0835,"comment":"cid:`+token+`"}}}`)
	a.client.checkOpenOrders()

	assert.Empty(t, confirms, "stopped token must not confirm")
	require.Eventually(t, func() bool {
		return countCommands(t, base, "CLOSE_ORDER") == 1
	}, time.Second, 5*time.Millisecond)

	for _, p := range commands(t, base) {
		if strings.Contains(p, "|CLOSE_ORDER|") {
			assert.Contains(t, p, "|CLOSE_ORDER|321,0:>")
		}
	}
}

func TestPositionLifecycleEvents(t *testing.T) {
	t.Parallel()

	a, base := newAdapter(t)

	opened := make(chan broker.Position, 4)
	closed := make(chan broker.Position, 4)
	cancelled := make(chan broker.Cancel, 4)
	a.events.OnPositionOpened(func(p broker.Position) { opened <- p })
	a.events.OnPositionClosed(func(p broker.Position) { closed <- p })
	a.events.OnCancelled(func(c broker.Cancel) { cancelled <- c })

	orders := filepath.Join(base, "DWX_Orders.txt")

	// Resting order appears: no position yet.
	writeFile(t, orders, `{"account_info":{},"orders":{"100":{"symbol":"EURUSD","type":"buylimit","lots":0.1}}}`)
	a.client.checkOpenOrders()
	assert.Empty(t, opened)

	// It fills: the type flips to a live position.
	writeFile(t, orders, `{"account_info":{},"orders":{"100":{"symbol":"EURUSD","type":"buy","lots":0.1,"open_time":"2026.08.31 10:05:00"}}}`)
	a.client.checkOpenOrders()
	p := <-opened
	assert.Equal(t, "100", p.Ticket)
	assert.Equal(t, "EURUSD", p.Symbol)

	// It disappears with realized pnl: closed.
	writeFile(t, orders, `{"account_info":{},"orders":{"100":{"symbol":"EURUSD","type":"buy","lots":0.1,"open_time":"2026.08.31 10:05:00","pnl":12.5}}}`)
	a.client.checkOpenOrders()
	writeFile(t, orders, `{"account_info":{},"orders":{}}`)
	a.client.checkOpenOrders()
	pc := <-closed
	assert.Equal(t, "100", pc.Ticket)
	assert.Equal(t, 12.5, pc.Profit)
	assert.Empty(t, cancelled)
}

func TestRestingOrderRemovalIsCancellation(t *testing.T) {
	t.Parallel()

	a, base := newAdapter(t)

	closed := make(chan broker.Position, 4)
	cancelled := make(chan broker.Cancel, 4)
	a.events.OnPositionClosed(func(p broker.Position) { closed <- p })
	a.events.OnCancelled(func(c broker.Cancel) { cancelled <- c })

	orders := filepath.Join(base, "DWX_Orders.txt")
	writeFile(t, orders, `{"account_info":{},"orders":{"200":{"symbol":"USDJPY","type":"sellstop","lots":0.2}}}`)
	a.client.checkOpenOrders()
	writeFile(t, orders, `{"account_info":{},"orders":{}}`)
	a.client.checkOpenOrders()

	c := <-cancelled
	assert.Equal(t, "200", c.Ticket)
	assert.Empty(t, closed)
}

func TestOpenOrderErrorTriggersRetry(t *testing.T) {
	t.Parallel()

	a, base := newAdapter(t)

	res := a.PlaceOrder(context.Background(), broker.Order{
		Symbol: "EURUSD", Side: market.Buy, Type: market.Limit, Qty: 0.1, Price: 1.0835,
	})
	token := res.PendingToken()

	retries := make(chan broker.Retry, 4)
	a.events.OnRetry(func(r broker.Retry) { retries <- r })

	require.Eventually(t, func() bool {
		return countCommands(t, base, "OPEN_ORDER") == 1
	}, time.Second, 5*time.Millisecond)

	a.OnMessage(Message{Type: "ERROR", ErrorType: "OPEN_ORDER", Description: "market closed"})

	r := <-retries
	assert.Equal(t, token, r.Token)
	assert.Equal(t, 1, r.Count)

	require.Eventually(t, func() bool {
		return countCommands(t, base, "OPEN_ORDER") == 2
	}, time.Second, 5*time.Millisecond)
}

func TestErrorNamingTokenRejectsIt(t *testing.T) {
	t.Parallel()

	a, base := newAdapter(t)

	res := a.PlaceOrder(context.Background(), broker.Order{
		Symbol: "EURUSD", Side: market.Buy, Type: market.Limit, Qty: 0.1, Price: 1.0835,
	})
	token := res.PendingToken()

	rejects := make(chan broker.Reject, 4)
	a.events.OnRejected(func(r broker.Reject) { rejects <- r })

	require.Eventually(t, func() bool {
		return countCommands(t, base, "OPEN_ORDER") == 1
	}, time.Second, 5*time.Millisecond)

	a.OnMessage(Message{
		Type:        "ERROR",
		ErrorType:   "MODIFY_ORDER",
		Description: "invalid stops for EURUSD buylimit 0.1 | cid:" + token,
	})

	r := <-rejects
	assert.Equal(t, token, r.Token)
	assert.Contains(t, r.Reason, "invalid stops")

	// The token is settled; a second error for it must stay silent.
	a.OnMessage(Message{
		Type: "ERROR", ErrorType: "MODIFY_ORDER",
		Description: "invalid stops | cid:" + token,
	})
	assert.Empty(t, rejects)
}

func TestOpenOrderErrorRetriesNamedToken(t *testing.T) {
	t.Parallel()

	a, base := newAdapter(t)

	first := a.PlaceOrder(context.Background(), broker.Order{
		Symbol: "EURUSD", Side: market.Buy, Type: market.Limit, Qty: 0.1, Price: 1.0835,
	}).PendingToken()
	second := a.PlaceOrder(context.Background(), broker.Order{
		Symbol: "USDJPY", Side: market.Sell, Type: market.Limit, Qty: 0.2, Price: 147.25,
	}).PendingToken()
	require.NotEmpty(t, first)
	require.NotEmpty(t, second)

	retries := make(chan broker.Retry, 4)
	a.events.OnRetry(func(r broker.Retry) { retries <- r })

	require.Eventually(t, func() bool {
		return countCommands(t, base, "OPEN_ORDER") == 2
	}, time.Second, 5*time.Millisecond)

	// The error names the second submission, not the oldest one.
	a.OnMessage(Message{
		Type:        "ERROR",
		ErrorType:   "OPEN_ORDER",
		Description: "market closed for USDJPY selllimit 0.2 | cid:" + second,
	})

	r := <-retries
	assert.Equal(t, second, r.Token)
	assert.Equal(t, 1, r.Count)
	assert.Empty(t, retries)
}

func TestErrorForUnknownTokenIsDropped(t *testing.T) {
	t.Parallel()

	a, base := newAdapter(t)

	a.PlaceOrder(context.Background(), broker.Order{
		Symbol: "EURUSD", Side: market.Buy, Type: market.Limit, Qty: 0.1, Price: 1.0835,
	})

	retries := make(chan broker.Retry, 4)
	rejects := make(chan broker.Reject, 4)
	a.events.OnRetry(func(r broker.Retry) { retries <- r })
	a.events.OnRejected(func(r broker.Reject) { rejects <- r })

	require.Eventually(t, func() bool {
		return countCommands(t, base, "OPEN_ORDER") == 1
	}, time.Second, 5*time.Millisecond)

	// Stale token from an earlier session: settled, not ours to act on.
	a.OnMessage(Message{
		Type:        "ERROR",
		ErrorType:   "OPEN_ORDER",
		Description: "market closed | cid:deadbeef0123",
	})

	assert.Empty(t, retries)
	assert.Empty(t, rejects)
}

func TestInfoMessageConfirmsToken(t *testing.T) {
	t.Parallel()

	a, base := newAdapter(t)

	res := a.PlaceOrder(context.Background(), broker.Order{
		Symbol: "EURUSD", Side: market.Buy, Type: market.Limit, Qty: 0.1, Price: 1.0835,
	})
	token := res.PendingToken()

	confirms := make(chan broker.Confirm, 4)
	a.events.OnConfirmed(func(c broker.Confirm) { confirms <- c })

	require.Eventually(t, func() bool {
		return countCommands(t, base, "OPEN_ORDER") == 1
	}, time.Second, 5*time.Millisecond)

	a.OnMessage(Message{
		Type:        "INFO",
		Description: "Successfully sent order EURUSD buylimit 0.1, ticket: 4242 | cid:" + token,
	})

	c := <-confirms
	assert.Equal(t, token, c.Token)
	assert.Equal(t, "4242", c.Ticket)

	// The snapshot arriving later must not confirm a second time.
	writeFile(t, filepath.Join(base, "DWX_Orders.txt"),
		`{"account_info":{},"orders":{"4242":{"symbol":"EURUSD","type":"buylimit","lots":0.1,"open_price":1.0835,"comment":"cid:`+token+`"}}}`)
	a.client.checkOpenOrders()
	assert.Empty(t, confirms)
}

func TestConfirmTimeoutRejectsDanglingOrder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a, err := New(Config{
		Client:         ClientConfig{Dir: dir, PollInterval: time.Hour},
		ConfirmTimeout: 30 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	res := a.PlaceOrder(context.Background(), broker.Order{
		Symbol: "EURUSD", Side: market.Buy, Type: market.Limit, Qty: 0.1, Price: 1.0835,
	})
	token := res.PendingToken()

	rejects := make(chan broker.Reject, 4)
	a.events.OnRejected(func(r broker.Reject) { rejects <- r })

	select {
	case r := <-rejects:
		assert.Equal(t, token, r.Token)
		assert.Contains(t, r.Reason, "no confirmation")
	case <-time.After(time.Second):
		t.Fatal("dangling order never rejected")
	}

	a.mu.Lock()
	_, live := a.pending[token]
	a.mu.Unlock()
	assert.False(t, live, "timed-out token must not stay pending")
}

func TestRetryRestartsConfirmTimeout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a, err := New(Config{
		Client:         ClientConfig{Dir: dir, PollInterval: time.Hour},
		RetryDelay:     5 * time.Millisecond,
		ConfirmTimeout: 600 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	res := a.PlaceOrder(context.Background(), broker.Order{
		Symbol: "EURUSD", Side: market.Buy, Type: market.Limit, Qty: 0.1, Price: 1.0835,
	})
	token := res.PendingToken()

	rejects := make(chan broker.Reject, 4)
	a.events.OnRejected(func(r broker.Reject) { rejects <- r })

	// A retry cycle partway in pushes the deadline out past the
	// original one.
	time.Sleep(300 * time.Millisecond)
	a.OnMessage(Message{
		Type: "ERROR", ErrorType: "OPEN_ORDER",
		Description: "market closed | cid:" + token,
	})
	time.Sleep(450 * time.Millisecond)
	assert.Empty(t, rejects, "watchdog must restart on retry")

	select {
	case r := <-rejects:
		assert.Equal(t, token, r.Token)
	case <-time.After(time.Second):
		t.Fatal("order never timed out after retry")
	}
}

func TestGetQuoteFromSnapshot(t *testing.T) {
	t.Parallel()

	a, base := newAdapter(t)

	writeFile(t, filepath.Join(base, "DWX_Market_Data.txt"),
		`{"EURUSD":{"bid":1.0834,"ask":1.0836,"tick_size":0.00001}}`)
	a.client.checkMarketData()

	q := a.GetQuote(context.Background(), "EURUSD")
	require.NotNil(t, q)
	assert.Equal(t, 1.0834, q.Bid)
	assert.Equal(t, 1.0836, q.Ask)
	assert.InDelta(t, 1.0835, q.Price, 1e-9)
	assert.Equal(t, 0.00001, q.TickSize)
}

func TestGetQuoteSubscribesUnknownSymbol(t *testing.T) {
	t.Parallel()

	a, base := newAdapter(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q := a.GetQuote(ctx, "GBPUSD")
	assert.Nil(t, q)
	assert.Equal(t, 1, countCommands(t, base, "SUBSCRIBE_SYMBOLS"))
}

func TestListOpenOrdersCarriesTickets(t *testing.T) {
	t.Parallel()

	a, base := newAdapter(t)

	writeFile(t, filepath.Join(base, "DWX_Orders.txt"),
		`{"account_info":{},"orders":{"42":{"symbol":"EURUSD","type":"buy","lots":0.1}}}`)
	a.client.checkOpenOrders()

	records := a.ListOpenOrders(context.Background())
	require.Len(t, records, 1)
	assert.Equal(t, "42", records[0].Ticket)
}

func TestTerminalTypeMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		side market.Side
		typ  market.OrderType
		want string
	}{
		{market.Buy, market.Market, "buy"},
		{market.Sell, market.Market, "sell"},
		{market.Buy, market.Limit, "buylimit"},
		{market.Sell, market.Limit, "selllimit"},
		{market.Buy, market.Stop, "buystop"},
		{market.Sell, market.Stop, "sellstop"},
	}
	for _, tt := range tests {
		got, err := terminalType(tt.side, tt.typ)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := terminalType(market.Buy, market.StopLimit)
	require.Error(t, err)
}
