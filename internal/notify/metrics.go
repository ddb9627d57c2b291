package notify

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/creditledger/internal/metrics"
)

var (
	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by sink and result.",
		},
		[]string{"sink", "result"},
	)

	deliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Name:      "notification_delivery_duration_seconds",
			Help:      "Notification delivery latency by sink.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"sink"},
	)
)

func init() {
	prometheus.MustRegister(deliveriesTotal, deliveryDuration)
}
