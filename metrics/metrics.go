// Package metrics exposes the terminal's Prometheus instrumentation.
//
// Counters the execution layer updates during operation:
//   - terminal_orders_placed_total{provider,side}
//   - terminal_orders_confirmed_total{provider}
//   - terminal_orders_rejected_total{provider}
//   - terminal_order_retries_total{provider}
//   - terminal_orders_cancelled_total{provider}
//   - terminal_positions_total{provider,transition}
//   - terminal_bracket_children_total{action}
//   - terminal_trigger_resolutions_total{strategy,outcome}
//
// Registered in init() and served at /metrics when a listen address is
// configured.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	ordersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terminal_orders_placed_total",
			Help: "Orders handed to an adapter",
		},
		[]string{"provider", "side"},
	)

	ordersConfirmed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terminal_orders_confirmed_total",
			Help: "Pending orders confirmed by the back-end",
		},
		[]string{"provider"},
	)

	ordersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terminal_orders_rejected_total",
			Help: "Orders rejected, synchronously or asynchronously",
		},
		[]string{"provider"},
	)

	orderRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terminal_order_retries_total",
			Help: "Resubmission cycles for still-pending orders",
		},
		[]string{"provider"},
	)

	ordersCancelled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terminal_orders_cancelled_total",
			Help: "Resting orders that disappeared without a fill",
		},
		[]string{"provider"},
	)

	positions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terminal_positions_total",
			Help: "Position transitions observed (opened|closed)",
		},
		[]string{"provider", "transition"},
	)

	bracketChildren = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terminal_bracket_children_total",
			Help: "Protective child orders placed or cancelled",
		},
		[]string{"action"}, // placed|cancelled
	)

	triggerResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "terminal_trigger_resolutions_total",
			Help: "Pending-trigger outcomes (resolved|cancelled)",
		},
		[]string{"strategy", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(ordersPlaced, ordersConfirmed, ordersRejected)
	prometheus.MustRegister(orderRetries, ordersCancelled, positions)
	prometheus.MustRegister(bracketChildren, triggerResolutions)
}

func IncOrderPlaced(provider, side string) { ordersPlaced.WithLabelValues(provider, side).Inc() }
func IncOrderConfirmed(provider string)    { ordersConfirmed.WithLabelValues(provider).Inc() }
func IncOrderRejected(provider string)     { ordersRejected.WithLabelValues(provider).Inc() }
func IncOrderRetry(provider string)        { orderRetries.WithLabelValues(provider).Inc() }
func IncOrderCancelled(provider string)    { ordersCancelled.WithLabelValues(provider).Inc() }

func IncPositionOpened(provider string) { positions.WithLabelValues(provider, "opened").Inc() }
func IncPositionClosed(provider string) { positions.WithLabelValues(provider, "closed").Inc() }

func IncBracketChild(action string) { bracketChildren.WithLabelValues(action).Inc() }

func IncTriggerResolution(strategy, outcome string) {
	triggerResolutions.WithLabelValues(strategy, outcome).Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled. It returns
// once the server has shut down. An empty addr disables serving.
func Serve(ctx context.Context, addr string, log *zap.Logger) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errc := make(chan error, 1)
	go func() {
		log.Info("metrics listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errc:
		return err
	}
}
