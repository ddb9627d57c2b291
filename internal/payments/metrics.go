package payments

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/creditledger/internal/metrics"
)

var webhookEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Name:      "payment_webhook_events_total",
		Help:      "Payment webhook events by provider, event type and outcome.",
	},
	[]string{"provider", "type", "outcome"},
)

var webhookRejections = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Name:      "payment_webhook_rejections_total",
		Help:      "Payment webhook deliveries rejected before dispatch.",
	},
	[]string{"provider", "reason"},
)

func init() {
	prometheus.MustRegister(webhookEvents, webhookRejections)
}
