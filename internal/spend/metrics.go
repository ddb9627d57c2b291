package spend

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/creditledger/internal/metrics"
)

const releaseTimeout = 30 * time.Second

var reservationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Name:      "spend_reservations_total",
		Help:      "Credit reservations by transition.",
	},
	[]string{"state"},
)

var releaseFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: metrics.Namespace,
	Name:      "spend_release_failures_total",
	Help:      "Refunds of reserved credits that could not be written.",
})

func init() {
	prometheus.MustRegister(reservationsTotal, releaseFailures)
}
