package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(emailsSent, aiGenerations, aiLatency)
}

var (
	emailsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_emails_sent_total",
			Help: "Outbound replies per provider and result.",
		},
		[]string{"provider", "success"},
	)

	aiGenerations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_ai_generations_total",
			Help: "Reply generations per provider/model and result.",
		},
		[]string{"provider", "model", "success"},
	)

	aiLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_ai_latency_ms",
			Help:    "Reply generation latency in milliseconds.",
			Buckets: []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000, 32000},
		},
		[]string{"provider", "model"},
	)
)

func EmailSent(provider string, success bool) {
	emailsSent.WithLabelValues(norm(provider), strconv.FormatBool(success)).Inc()
}

func ObserveGeneration(provider, model string, took time.Duration, success bool) {
	aiGenerations.WithLabelValues(norm(provider), norm(model), strconv.FormatBool(success)).Inc()
	aiLatency.WithLabelValues(norm(provider), norm(model)).Observe(float64(took.Milliseconds()))
}
