package dbproxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	acceptedConnections prometheus.Counter
	rejectedConnections prometheus.Counter
	activeConnections   prometheus.Gauge
	orders              *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		acceptedConnections: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "snapdbproxy",
			Name:      "connections_accepted_total",
			Help:      "Client connections accepted.",
		}),
		rejectedConnections: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "snapdbproxy",
			Name:      "connections_rejected_total",
			Help:      "Client connections turned away because the connection limit was reached.",
		}),
		activeConnections: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "snapdbproxy",
			Name:      "connections_active",
			Help:      "Client connections currently being served.",
		}),
		orders: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapdbproxy",
			Name:      "orders_total",
			Help:      "Orders dispatched, by kind and outcome.",
		}, []string{"kind", "status"}),
	}
}
