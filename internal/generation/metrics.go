package generation

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/creditledger/internal/metrics"
)

var jobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Name:      "generation_jobs_total",
		Help:      "Generation jobs by media kind and result.",
	},
	[]string{"kind", "result"},
)

var jobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Name:      "generation_job_duration_seconds",
		Help:      "Duration of successful generation attempts.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	},
	[]string{"kind"},
)

func init() {
	prometheus.MustRegister(jobsTotal, jobDuration)
}
