// Package metrics collects Prometheus metrics for the matching engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor owns a private registry and the engine metric set. All methods
// are safe to call on a nil Monitor.
type Monitor struct {
	registry *prometheus.Registry

	ordersAccepted *prometheus.CounterVec
	ordersRejected *prometheus.CounterVec
	ordersCanceled prometheus.Counter
	ordersModified prometheus.Counter
	tradesTotal    prometheus.Counter
	tradedQty      prometheus.Counter
	gfdPurged      prometheus.Counter

	openOrders prometheus.Gauge
	bookLevels *prometheus.GaugeVec
	bestPrice  *prometheus.GaugeVec

	submitLatency prometheus.Histogram
}

// Config sets the metric name prefix.
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig returns the standard prefix.
func DefaultConfig() Config {
	return Config{
		Namespace: "agora",
		Subsystem: "engine",
	}
}

// New builds a Monitor with its own registry.
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Monitor{
		registry: reg,

		ordersAccepted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "orders_accepted_total",
				Help:      "Accepted orders by side and type",
			},
			[]string{"side", "type"},
		),
		ordersRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "orders_rejected_total",
				Help:      "Rejected orders by reason",
			},
			[]string{"reason"},
		),
		ordersCanceled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "orders_canceled_total",
			Help:      "Canceled orders",
		}),
		ordersModified: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "orders_modified_total",
			Help:      "Modified orders",
		}),
		tradesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "trades_total",
			Help:      "Executed trades",
		}),
		tradedQty: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "traded_qty_total",
			Help:      "Cumulative traded quantity",
		}),
		gfdPurged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "gfd_purged_total",
			Help:      "Good-for-day orders purged at day reset",
		}),

		openOrders: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "open_orders",
			Help:      "Resting orders currently in the book",
		}),
		bookLevels: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "book_levels",
				Help:      "Occupied price levels per side",
			},
			[]string{"side"},
		),
		bestPrice: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "best_price",
				Help:      "Best quote per side in price units, zero when the side is empty",
			},
			[]string{"side"},
		),

		submitLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "submit_latency_seconds",
			Help:      "Submit and modify processing latency",
			Buckets:   []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 5e-3, 1e-2},
		}),
	}

	return m
}

func (m *Monitor) RecordOrderAccepted(side, orderType string) {
	if m == nil {
		return
	}
	m.ordersAccepted.WithLabelValues(side, orderType).Inc()
}

func (m *Monitor) RecordOrderRejected(reason string) {
	if m == nil {
		return
	}
	m.ordersRejected.WithLabelValues(reason).Inc()
}

func (m *Monitor) RecordOrderCanceled() {
	if m == nil {
		return
	}
	m.ordersCanceled.Inc()
}

func (m *Monitor) RecordOrderModified() {
	if m == nil {
		return
	}
	m.ordersModified.Inc()
}

func (m *Monitor) RecordTrades(n int, qty int64) {
	if m == nil || n == 0 {
		return
	}
	m.tradesTotal.Add(float64(n))
	m.tradedQty.Add(float64(qty))
}

func (m *Monitor) RecordGFDPurge(n int) {
	if m == nil {
		return
	}
	m.gfdPurged.Add(float64(n))
}

func (m *Monitor) RecordSubmitLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.submitLatency.Observe(d.Seconds())
}

// UpdateBook refreshes the book gauges. Prices arrive in micro units
// and are exported in whole price units.
func (m *Monitor) UpdateBook(open, bidLevels, askLevels int, bestBid, bestAsk int64) {
	if m == nil {
		return
	}
	m.openOrders.Set(float64(open))
	m.bookLevels.WithLabelValues("BUY").Set(float64(bidLevels))
	m.bookLevels.WithLabelValues("SELL").Set(float64(askLevels))
	m.bestPrice.WithLabelValues("BUY").Set(float64(bestBid) / 1e6)
	m.bestPrice.WithLabelValues("SELL").Set(float64(bestAsk) / 1e6)
}

// Handler exposes the registry for scraping.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the backing registry.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
