package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 注文まわりのメトリクス一式。
// registryは自前で持つ（グローバル登録しない）。
type Metrics struct {
	reg *prometheus.Registry

	OrdersPlaced      prometheus.Counter
	OrdersRejected    *prometheus.CounterVec
	PlaceOrderSeconds prometheus.Histogram
	NotifyFailures    prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	placed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orders_placed_total",
		Help: "Orders committed successfully.",
	})
	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_rejected_total",
		Help: "Order placements rolled back, by reason.",
	}, []string{"reason"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "order_place_duration_seconds",
		Help:    "Wall time of the order placement transaction.",
		Buckets: prometheus.DefBuckets,
	})
	notifyFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "order_notify_failures_total",
		Help: "Order placed notifications that could not be delivered.",
	})

	reg.MustRegister(placed, rejected, duration, notifyFailures)

	return &Metrics{
		reg:               reg,
		OrdersPlaced:      placed,
		OrdersRejected:    rejected,
		PlaceOrderSeconds: duration,
		NotifyFailures:    notifyFailures,
	}
}

// Handler は /metrics 用のhandlerを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
