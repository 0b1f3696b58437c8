// Package feed streams closed M1 candles from a websocket kline
// endpoint into the trigger layer, for back-ends whose native channel
// carries no bar data.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tradeterm/tradeterm/market"
)

// BarFunc receives each closed candle, in arrival order.
type BarFunc func(market.Bar)

type Config struct {
	URL          string
	Symbols      []string
	ReadTimeout  time.Duration // default 60s
	PingInterval time.Duration // default 30s
}

// Worker manages one websocket connection: subscribe on connect,
// decode kline frames, reconnect with backoff on any error. Only
// candles flagged closed are delivered; the in-progress candle is
// ignored.
type Worker struct {
	cfg   Config
	onBar BarFunc
	log   *zap.Logger

	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewWorker(cfg Config, onBar BarFunc, log *zap.Logger) *Worker {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{cfg: cfg, onBar: onBar, log: log.Named("feed")}
}

func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.runLoop(ctx)
}

func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.close()
	w.wg.Wait()
}

func (w *Worker) runLoop(ctx context.Context) {
	defer w.wg.Done()
	retry := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			w.log.Warn("connect failed", zap.Error(err), zap.Int("retry", retry))
			delay := reconnectDelay(retry)
			retry++

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retry = 0
		w.process(ctx)
	}
}

// subscribeRequest is the wire form of the kline subscription.
type subscribeRequest struct {
	Op   string         `json:"op"`
	Args []subscribeArg `json:"args"`
}

type subscribeArg struct {
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
}

func (w *Worker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.cfg.URL, nil)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	args := make([]subscribeArg, 0, len(w.cfg.Symbols))
	for _, s := range w.cfg.Symbols {
		args = append(args, subscribeArg{Channel: "kline.1m", Symbol: s})
	}
	b, _ := json.Marshal(subscribeRequest{Op: "subscribe", Args: args})
	if err := w.write(websocket.TextMessage, b); err != nil {
		w.close()
		return fmt.Errorf("subscribe failed: %w", err)
	}

	go w.pingLoop(ctx)

	w.log.Info("connected", zap.String("url", w.cfg.URL), zap.Int("symbols", len(args)))
	return nil
}

func (w *Worker) process(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.close()
			return
		default:
		}

		w.mu.RLock()
		c := w.conn
		w.mu.RUnlock()
		if c == nil {
			return
		}

		c.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			w.log.Warn("read error", zap.Error(err))
			w.close()
			return
		}

		w.handleMessage(msg)
	}
}

// klineFrame is the kline channel payload. Numeric fields come as
// strings on most venues; Confirm marks the candle closed.
type klineFrame struct {
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
	Data    []struct {
		Start   int64  `json:"start"` // ms
		Open    string `json:"open"`
		High    string `json:"high"`
		Low     string `json:"low"`
		Close   string `json:"close"`
		Volume  string `json:"volume"`
		Confirm bool   `json:"confirm"`
	} `json:"data"`
}

func (w *Worker) handleMessage(msg []byte) {
	if string(msg) == "pong" {
		return
	}

	var frame klineFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return
	}
	if frame.Channel != "kline.1m" || len(frame.Data) == 0 {
		return
	}

	for _, k := range frame.Data {
		if !k.Confirm {
			continue
		}
		bar := market.Bar{
			Symbol:    frame.Symbol,
			Timeframe: "M1",
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
			Time:      time.UnixMilli(k.Start).UTC(),
		}
		if w.onBar != nil {
			w.onBar(bar)
		}
	}
}

func (w *Worker) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.RLock()
			c := w.conn
			w.mu.RUnlock()
			if c == nil {
				return
			}
			if err := w.write(websocket.TextMessage, []byte("ping")); err != nil {
				w.log.Warn("ping failed", zap.Error(err))
				w.close()
				return
			}
		}
	}
}

func (w *Worker) write(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.RLock()
	c := w.conn
	w.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("not connected")
	}
	return c.WriteMessage(msgType, data)
}

func (w *Worker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
