// Package metrics provides Prometheus instrumentation for the market engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts trades executed against the pool, by side and kind (buy/sell).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yesno_trades_total",
		Help: "Total number of AMM trades executed",
	}, []string{"side", "kind"})

	// TradeLatency tracks trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "yesno_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// TradeRejections counts trades refused, by error kind.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yesno_trade_rejections_total",
		Help: "Trades rejected before commit",
	}, []string{"reason"})

	// FeesCollected sums fees charged, split by recipient (lp/protocol).
	FeesCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yesno_fees_collected_total",
		Help: "Trade fees charged in USDT",
	}, []string{"recipient"})

	// LimitOrders counts order-book actions (placed/cancelled/matched).
	LimitOrders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yesno_limit_orders_total",
		Help: "Order book actions",
	}, []string{"action"})

	// ReconcilerFills counts resting orders filled through the pool.
	ReconcilerFills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yesno_reconciler_fills_total",
		Help: "Crossed limit orders filled by the reconciler",
	}, []string{"result"})

	// LiquidityActions counts add/remove liquidity operations.
	LiquidityActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yesno_liquidity_actions_total",
		Help: "Liquidity pool actions",
	}, []string{"action"})

	// SettlementItems counts settled agent trades and predictions, by result.
	SettlementItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yesno_settlement_items_total",
		Help: "Agent trades and predictions processed at resolution",
	}, []string{"item", "result"})

	// ChainEvents counts chain events handled, by event name and result.
	ChainEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yesno_chain_events_total",
		Help: "Chain events processed",
	}, []string{"event", "result"})

	// ChainReconnects counts provider reconnect attempts.
	ChainReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yesno_chain_reconnects_total",
		Help: "Chain provider reconnect attempts",
	})

	// ChainConnected is 1 while subscriptions are live.
	ChainConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "yesno_chain_connected",
		Help: "Whether the chain provider is connected",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "yesno_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// BroadcastDrops counts notifications a sink failed to deliver.
	BroadcastDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yesno_broadcast_drops_total",
		Help: "Notifications dropped by a sink",
	}, []string{"sink"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yesno_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "yesno_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps the label set bounded.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
