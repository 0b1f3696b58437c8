package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tradeterm/tradeterm/broker"
	"github.com/tradeterm/tradeterm/market"
	"github.com/tradeterm/tradeterm/metrics"
)

const defaultMinStopPoints = 6

// PlaceFunc hands a finished limit order to the placement pipeline.
type PlaceFunc func(provider string, o broker.Order)

// SubscribeFunc re-issues a provider's full symbol subscription set.
type SubscribeFunc func(provider string, symbols []string)

// PendingOrder arms a trigger for one symbol on one provider. Price
// levels the strategy resolves are converted back to point distances
// before the order leaves the hub.
type PendingOrder struct {
	Provider string
	Symbol   string
	Price    float64
	Side     market.Side
	Strategy string
	TickSize float64
	Qty      float64

	// TakePoints is the caller's pre-specified take distance, used
	// when the strategy resolves without a take profit of its own.
	TakePoints float64

	Magic   int
	Comment string
	Bars    int
	NoRange bool

	OnCancel func(id string)
}

// HubConfig tunes the points conversion.
type HubConfig struct {
	MinStopPoints float64
}

// Hub routes the M1 bar stream to per-symbol trigger services and
// turns resolved entries into normalized limit orders. State is held
// in memory only; a restart drops armed triggers.
type Hub struct {
	cfg       HubConfig
	place     PlaceFunc
	subscribe SubscribeFunc
	log       *zap.Logger

	mu       sync.Mutex
	services map[string]*Service
	subs     map[string]map[string]bool
}

func NewHub(cfg HubConfig, place PlaceFunc, subscribe SubscribeFunc, log *zap.Logger) *Hub {
	if cfg.MinStopPoints <= 0 {
		cfg.MinStopPoints = defaultMinStopPoints
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		cfg:       cfg,
		place:     place,
		subscribe: subscribe,
		log:       log.Named("trigger"),
		services:  make(map[string]*Service),
		subs:      make(map[string]map[string]bool),
	}
}

// OnBar feeds one bar into the matching service. Only M1 bars drive
// triggers; other timeframes pass through untouched.
func (h *Hub) OnBar(provider string, bar market.Bar) {
	if bar.Timeframe != "M1" {
		return
	}
	h.mu.Lock()
	svc := h.services[provider+":"+bar.Symbol]
	h.mu.Unlock()
	if svc == nil {
		return
	}
	svc.OnBar(bar)
	h.pruneIfIdle(provider, bar.Symbol, svc)
}

// QueuePlacePending arms a trigger and returns its hub-wide id.
func (h *Hub) QueuePlacePending(req PendingOrder) (string, error) {
	if req.Provider == "" || req.Symbol == "" {
		return "", fmt.Errorf("provider and symbol are required")
	}
	if req.Qty <= 0 {
		return "", fmt.Errorf("quantity must be > 0")
	}
	tick := req.TickSize
	if tick <= 0 {
		tick = market.TickSizeFor(req.Symbol)
	}

	svc := h.ensureService(req.Provider, req.Symbol)

	var hubID string
	localID, err := svc.AddOrder(Request{
		Strategy: req.Strategy,
		Params: Params{
			Price:    req.Price,
			Side:     req.Side,
			TickSize: tick,
			Bars:     req.Bars,
			NoRange:  req.NoRange,
		},
		OnExecute: func(ex Execution) {
			metrics.IncTriggerResolution(strategyName(req.Strategy), "resolved")
			h.placeResolved(req, tick, ex)
		},
		OnCancel: func(Cancellation) {
			metrics.IncTriggerResolution(strategyName(req.Strategy), "cancelled")
			h.log.Info("pending trigger cancelled",
				zap.String("id", hubID),
				zap.String("symbol", req.Symbol))
			if req.OnCancel != nil {
				req.OnCancel(hubID)
			}
		},
	})
	if err != nil {
		h.pruneIfIdle(req.Provider, req.Symbol, svc)
		return "", err
	}
	hubID = fmt.Sprintf("%s:%s:%d", req.Provider, req.Symbol, localID)
	return hubID, nil
}

// CancelPending disarms a trigger by its hub id, without callbacks.
func (h *Hub) CancelPending(id string) error {
	provider, symbol, localID, err := splitHubID(id)
	if err != nil {
		return err
	}
	h.mu.Lock()
	svc := h.services[provider+":"+symbol]
	h.mu.Unlock()
	if svc == nil {
		return fmt.Errorf("no triggers for %s:%s", provider, symbol)
	}
	svc.CancelOrder(localID)
	h.pruneIfIdle(provider, symbol, svc)
	return nil
}

// placeResolved converts the resolved price levels to point distances
// and hands the limit order to the pipeline.
func (h *Hub) placeResolved(req PendingOrder, tick float64, ex Execution) {
	stopPts := market.PriceToPoints(ex.LimitPrice, ex.StopLoss, tick)
	if stopPts < h.cfg.MinStopPoints {
		stopPts = h.cfg.MinStopPoints
	}

	takePts := req.TakePoints
	if ex.TakeProfit > 0 {
		takePts = market.PriceToPoints(ex.TakeProfit, ex.LimitPrice, tick)
	}
	if takePts <= 0 {
		takePts = stopPts * 3
	}

	o := broker.Order{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       market.Limit,
		Qty:        req.Qty,
		Price:      ex.LimitPrice,
		StopPoints: stopPts,
		TakePoints: takePts,
		TickSize:   tick,
		Magic:      req.Magic,
		Comment:    req.Comment,
	}
	h.log.Info("trigger resolved to entry",
		zap.String("provider", req.Provider),
		zap.String("symbol", req.Symbol),
		zap.Float64("limit", ex.LimitPrice),
		zap.Float64("stop_pts", stopPts),
		zap.Float64("take_pts", takePts))
	h.place(req.Provider, o)
}

func (h *Hub) ensureService(provider, symbol string) *Service {
	h.mu.Lock()
	key := provider + ":" + symbol
	svc := h.services[key]
	if svc == nil {
		svc = NewService()
		h.services[key] = svc
	}
	subs := h.subs[provider]
	if subs == nil {
		subs = make(map[string]bool)
		h.subs[provider] = subs
	}
	needSub := !subs[symbol]
	subs[symbol] = true
	var set []string
	if needSub {
		for s := range subs {
			set = append(set, s)
		}
	}
	h.mu.Unlock()

	// Subscription is a full replacement set, re-issued whenever a
	// new symbol joins.
	if needSub && h.subscribe != nil {
		h.subscribe(provider, set)
	}
	return svc
}

// pruneIfIdle retires a symbol whose last trigger is gone and
// re-issues the provider's shrunk subscription set, so the bar feed
// stops carrying symbols nobody watches.
func (h *Hub) pruneIfIdle(provider, symbol string, svc *Service) {
	if svc.Live() > 0 {
		return
	}
	h.mu.Lock()
	key := provider + ":" + symbol
	if h.services[key] != svc || svc.Live() > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.services, key)
	subs := h.subs[provider]
	if subs == nil || !subs[symbol] {
		h.mu.Unlock()
		return
	}
	delete(subs, symbol)
	set := make([]string, 0, len(subs))
	for s := range subs {
		set = append(set, s)
	}
	h.mu.Unlock()

	if h.subscribe != nil {
		h.subscribe(provider, set)
	}
}

func strategyName(s string) string {
	if s == "" {
		return "consolidation"
	}
	return s
}

func splitHubID(id string) (provider, symbol string, localID int, err error) {
	parts := strings.Split(id, ":")
	if len(parts) != 3 {
		return "", "", 0, fmt.Errorf("malformed trigger id: %s", id)
	}
	n, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", "", 0, fmt.Errorf("malformed trigger id: %s", id)
	}
	return parts[0], parts[1], n, nil
}
