package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(jobsTotal, jobDuration, flowsEnqueued)
}

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_total",
			Help: "Processed jobs per queue and outcome (completed, retried, failed).",
		},
		[]string{"queue", "status"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_job_duration_seconds",
			Help:    "Handler run time per queue.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"queue"},
	)

	flowsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_flows_enqueued_total",
			Help: "Inbound webhooks by enqueue outcome (ok, duplicate, no_mailbox, error).",
		},
		[]string{"status"},
	)
)

func ObserveJob(queue, status string, took time.Duration) {
	jobsTotal.WithLabelValues(norm(queue), norm(status)).Inc()
	jobDuration.WithLabelValues(norm(queue)).Observe(took.Seconds())
}

func FlowEnqueued(status string) {
	flowsEnqueued.WithLabelValues(norm(status)).Inc()
}
