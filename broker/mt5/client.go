// broker/mt5/client.go
//
// File-based IPC client for a MetaTrader terminal running the DWX
// server EA. The terminal has no network API: it writes JSON snapshot
// files (orders, messages, market data, bar data, historic data and
// trades) into a shared directory and consumes single-use command
// files from a fixed rotating pool. The client polls the snapshots on
// independent loops, diffs them against the previous read, and
// synthesizes change events for the handler.
//
// The terminal is the sole writer of snapshot files and the sole
// consumer of command files; transient read/create failures from its
// file locks are tolerated by retrying on the next tick.
package mt5

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradeterm/tradeterm/broker"
	"github.com/tradeterm/tradeterm/market"
)

const (
	defaultPollInterval   = 5 * time.Millisecond
	defaultCommandTimeout = 10 * time.Second
	defaultCommandFiles   = 50
	commandIDModulo       = 100000
	unlinkRetries         = 10
)

// Handler receives change events synthesized from the snapshot files.
// Callbacks run on the polling goroutines; implementations must not
// block.
type Handler interface {
	// OnOrderSnapshot fires after the open-orders table changed
	// (order added, removed, or updated).
	OnOrderSnapshot()
	OnMessage(msg Message)
	OnTick(symbol string, bid, ask float64)
	OnBar(bar market.Bar)
	OnHistoricData(symbol, timeframe string, rates json.RawMessage)
	OnHistoricTrades()
}

// NopHandler implements Handler with no-ops, for embedding.
type NopHandler struct{}

func (NopHandler) OnOrderSnapshot()                                {}
func (NopHandler) OnMessage(Message)                               {}
func (NopHandler) OnTick(string, float64, float64)                 {}
func (NopHandler) OnBar(market.Bar)                                {}
func (NopHandler) OnHistoricData(string, string, json.RawMessage)  {}
func (NopHandler) OnHistoricTrades()                               {}

// Message is one entry of the append-only messages file, keyed by
// millisecond timestamp on the wire.
type Message struct {
	Type        string      `json:"type"`
	ErrorType   string      `json:"error_type,omitempty"`
	Description string      `json:"description,omitempty"`
	Ticket      json.Number `json:"ticket,omitempty"`

	// Raw keeps the undecoded entry for pattern matching on fields
	// the EA does not emit consistently.
	Raw json.RawMessage `json:"-"`
}

// TickData is the per-symbol entry of the market-data snapshot.
type TickData struct {
	Bid      float64 `json:"bid"`
	Ask      float64 `json:"ask"`
	TickSize float64 `json:"tick_size,omitempty"`
}

type barData struct {
	Time       string  `json:"time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	TickVolume float64 `json:"tick_volume"`
}

// AccountInfo mirrors the account_info block of the orders snapshot.
type AccountInfo struct {
	Name     string  `json:"name"`
	Number   int64   `json:"number"`
	Currency string  `json:"currency"`
	Leverage int     `json:"leverage"`
	Balance  float64 `json:"balance"`
	Equity   float64 `json:"equity"`
}

type ordersSnapshot struct {
	AccountInfo AccountInfo                   `json:"account_info"`
	Orders      map[string]broker.OrderRecord `json:"orders"`
}

// ClientConfig configures the protocol client. Dir must exist; a
// missing terminal directory is an unrecoverable misconfiguration.
type ClientConfig struct {
	Dir                string
	PollInterval       time.Duration
	CommandTimeout     time.Duration
	CommandFiles       int
	LoadOrdersFromFile bool
}

func (c *ClientConfig) fill() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	if c.CommandFiles <= 0 {
		c.CommandFiles = defaultCommandFiles
	}
}

type clientPaths struct {
	orders         string
	messages       string
	marketData     string
	barData        string
	historicData   string
	historicTrades string
	ordersStored   string
	messagesStored string
	commandsPrefix string
}

// Client is the file-IPC protocol client.
type Client struct {
	cfg     ClientConfig
	paths   clientPaths
	handler Handler
	log     *zap.Logger

	// cmdMu serializes the whole send path: sequence id increment,
	// slot search and write. This is the only way two in-flight
	// commands are kept from claiming the same id or slot.
	cmdMu     sync.Mutex
	commandID int

	mu             sync.RWMutex
	openOrders     map[string]broker.OrderRecord
	accountInfo    AccountInfo
	marketData     map[string]TickData
	historicTrades map[string]broker.TradeRecord

	// loop-local diff state, touched only by the owning goroutine
	lastOrdersStr         string
	lastMessagesStr       string
	lastMarketDataStr     string
	lastBarDataStr        string
	lastHistoricDataStr   string
	lastHistoricTradesStr string
	lastMessagesMillis    int64
	lastMarketData        map[string]TickData
	lastBarData           map[string]barData

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewClient validates the terminal directory, restores persisted
// state, and starts the polling loops. Close stops them.
func NewClient(cfg ClientConfig, h Handler, log *zap.Logger) (*Client, error) {
	cfg.fill()
	if cfg.Dir == "" {
		return nil, fmt.Errorf("mt5: terminal directory is required")
	}
	if fi, err := os.Stat(cfg.Dir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("mt5: terminal directory %q does not exist", cfg.Dir)
	}
	if h == nil {
		h = NopHandler{}
	}
	if log == nil {
		log = zap.NewNop()
	}

	base := filepath.Join(cfg.Dir, "DWX")
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("mt5: create %s: %w", base, err)
	}

	c := &Client{
		cfg:     cfg,
		handler: h,
		log:     log,
		paths: clientPaths{
			orders:         filepath.Join(base, "DWX_Orders.txt"),
			messages:       filepath.Join(base, "DWX_Messages.txt"),
			marketData:     filepath.Join(base, "DWX_Market_Data.txt"),
			barData:        filepath.Join(base, "DWX_Bar_Data.txt"),
			historicData:   filepath.Join(base, "DWX_Historic_Data.txt"),
			historicTrades: filepath.Join(base, "DWX_Historic_Trades.txt"),
			ordersStored:   filepath.Join(base, "DWX_Orders_Stored.txt"),
			messagesStored: filepath.Join(base, "DWX_Messages_Stored.txt"),
			commandsPrefix: filepath.Join(base, "DWX_Commands_"),
		},
		openOrders:     make(map[string]broker.OrderRecord),
		marketData:     make(map[string]TickData),
		historicTrades: make(map[string]broker.TradeRecord),
		lastMarketData: make(map[string]TickData),
		lastBarData:    make(map[string]barData),
		done:           make(chan struct{}),
	}

	c.loadMessages()
	if cfg.LoadOrdersFromFile {
		c.loadOrders()
	}

	if err := c.ResetCommandIDs(); err != nil {
		c.log.Warn("mt5: reset command ids", zap.Error(err))
	}

	for _, loop := range []func(){
		c.checkOpenOrders,
		c.checkMessages,
		c.checkMarketData,
		c.checkBarData,
		c.checkHistoricData,
	} {
		c.wg.Add(1)
		go c.poll(loop)
	}
	return c, nil
}

// Close stops the polling loops and waits for them to exit.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
	return nil
}

func (c *Client) poll(step func()) {
	defer c.wg.Done()
	t := time.NewTicker(c.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			step()
		}
	}
}

// tryReadFile reads a snapshot tolerating transient lock contention
// from the terminal; a failed read is retried on the next tick.
func (c *Client) tryReadFile(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}

func (c *Client) tryRemoveFile(path string) {
	for i := 0; i < unlinkRetries; i++ {
		if err := os.Remove(path); err == nil || os.IsNotExist(err) {
			return
		}
	}
}

func (c *Client) checkOpenOrders() {
	text := c.tryReadFile(c.paths.orders)
	if strings.TrimSpace(text) == "" || text == c.lastOrdersStr {
		return
	}
	c.lastOrdersStr = text

	var snap ordersSnapshot
	if err := json.Unmarshal([]byte(text), &snap); err != nil {
		return // partial write, next tick gets the full file
	}
	if snap.Orders == nil {
		snap.Orders = make(map[string]broker.OrderRecord)
	}

	c.mu.Lock()
	changed := false
	for ticket := range c.openOrders {
		if _, ok := snap.Orders[ticket]; !ok {
			changed = true
		}
	}
	for ticket, rec := range snap.Orders {
		prev, ok := c.openOrders[ticket]
		if !ok || prev.OpenTime != rec.OpenTime || prev.PnL != rec.PnL {
			changed = true
		}
	}
	c.openOrders = snap.Orders
	c.accountInfo = snap.AccountInfo
	c.mu.Unlock()

	if c.cfg.LoadOrdersFromFile {
		_ = os.WriteFile(c.paths.ordersStored, []byte(text), 0o644)
	}
	if changed {
		c.handler.OnOrderSnapshot()
	}
}

func (c *Client) checkMessages() {
	text := c.tryReadFile(c.paths.messages)
	if strings.TrimSpace(text) == "" || text == c.lastMessagesStr {
		return
	}
	c.lastMessagesStr = text

	var entries map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &entries); err != nil {
		return
	}

	millis := make([]int64, 0, len(entries))
	for k := range entries {
		if ms, err := strconv.ParseInt(k, 10, 64); err == nil {
			millis = append(millis, ms)
		}
	}
	sort.Slice(millis, func(i, j int) bool { return millis[i] < millis[j] })

	for _, ms := range millis {
		if ms <= c.lastMessagesMillis {
			continue
		}
		c.lastMessagesMillis = ms
		raw := entries[strconv.FormatInt(ms, 10)]
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		msg.Raw = raw
		c.handler.OnMessage(msg)
	}

	_ = os.WriteFile(c.paths.messagesStored, []byte(text), 0o644)
}

func (c *Client) checkMarketData() {
	text := c.tryReadFile(c.paths.marketData)
	if strings.TrimSpace(text) == "" || text == c.lastMarketDataStr {
		return
	}
	c.lastMarketDataStr = text

	var data map[string]TickData
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return
	}

	c.mu.Lock()
	c.marketData = data
	c.mu.Unlock()

	for symbol, cur := range data {
		if prev, ok := c.lastMarketData[symbol]; !ok || prev != cur {
			c.handler.OnTick(symbol, cur.Bid, cur.Ask)
		}
	}
	c.lastMarketData = data
}

func (c *Client) checkBarData() {
	text := c.tryReadFile(c.paths.barData)
	if strings.TrimSpace(text) == "" || text == c.lastBarDataStr {
		return
	}
	c.lastBarDataStr = text

	var data map[string]barData
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return
	}

	for key, cur := range data {
		prev, seen := c.lastBarData[key]
		if seen && prev == cur {
			continue
		}
		symbol, timeframe, ok := splitSymbolTimeframe(key)
		if !ok {
			continue
		}
		c.handler.OnBar(market.Bar{
			Symbol:    symbol,
			Timeframe: timeframe,
			Open:      cur.Open,
			High:      cur.High,
			Low:       cur.Low,
			Close:     cur.Close,
			Volume:    cur.TickVolume,
			Time:      parseBarTime(cur.Time),
		})
	}
	c.lastBarData = data
}

func (c *Client) checkHistoricData() {
	text := c.tryReadFile(c.paths.historicData)
	if strings.TrimSpace(text) != "" && text != c.lastHistoricDataStr {
		c.lastHistoricDataStr = text
		var data map[string]json.RawMessage
		if err := json.Unmarshal([]byte(text), &data); err == nil {
			for key, rates := range data {
				if symbol, timeframe, ok := splitSymbolTimeframe(key); ok {
					c.handler.OnHistoricData(symbol, timeframe, rates)
				}
			}
			c.tryRemoveFile(c.paths.historicData)
		}
	}

	text = c.tryReadFile(c.paths.historicTrades)
	if strings.TrimSpace(text) != "" && text != c.lastHistoricTradesStr {
		c.lastHistoricTradesStr = text
		var trades map[string]broker.TradeRecord
		if err := json.Unmarshal([]byte(text), &trades); err == nil {
			c.mu.Lock()
			c.historicTrades = trades
			c.mu.Unlock()
			c.handler.OnHistoricTrades()
			c.tryRemoveFile(c.paths.historicTrades)
		}
	}
}

// loadOrders restores the open-orders table from the stored snapshot
// so a restart does not replay every order as new.
func (c *Client) loadOrders() {
	text := c.tryReadFile(c.paths.ordersStored)
	if text == "" {
		return
	}
	c.lastOrdersStr = text
	var snap ordersSnapshot
	if err := json.Unmarshal([]byte(text), &snap); err != nil {
		return
	}
	c.mu.Lock()
	if snap.Orders != nil {
		c.openOrders = snap.Orders
	}
	c.accountInfo = snap.AccountInfo
	c.mu.Unlock()
}

// loadMessages restores the millisecond watermark so old messages are
// not redelivered after a restart.
func (c *Client) loadMessages() {
	text := c.tryReadFile(c.paths.messagesStored)
	if text == "" {
		return
	}
	c.lastMessagesStr = text
	var entries map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &entries); err != nil {
		return
	}
	for k := range entries {
		if ms, err := strconv.ParseInt(k, 10, 64); err == nil && ms > c.lastMessagesMillis {
			c.lastMessagesMillis = ms
		}
	}
}

// OpenOrders returns a copy of the current open-orders table.
func (c *Client) OpenOrders() map[string]broker.OrderRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]broker.OrderRecord, len(c.openOrders))
	for k, v := range c.openOrders {
		out[k] = v
	}
	return out
}

// MarketData returns the latest tick snapshot for a symbol.
func (c *Client) MarketData(symbol string) (TickData, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	td, ok := c.marketData[symbol]
	return td, ok
}

// HistoricTrades returns a copy of the last historic-trades snapshot.
func (c *Client) HistoricTrades() map[string]broker.TradeRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]broker.TradeRecord, len(c.historicTrades))
	for k, v := range c.historicTrades {
		out[k] = v
	}
	return out
}

// Account returns the last account_info block seen.
func (c *Client) Account() AccountInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accountInfo
}

func splitSymbolTimeframe(key string) (symbol, timeframe string, ok bool) {
	idx := strings.LastIndex(key, "_")
	if idx <= 0 || idx == len(key)-1 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}

func parseBarTime(s string) time.Time {
	for _, layout := range []string{"2006.01.02 15:04", "2006.01.02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
