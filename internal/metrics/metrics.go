package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total emails that exhausted their retries",
		},
	)

	SendAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_send_attempts_total",
			Help: "Delivery attempts including retries",
		},
	)

	SendRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_send_retries_total",
			Help: "Delivery attempts scheduled after a failure",
		},
	)

	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "email_send_latency_seconds",
			Help:    "Latency of a single delivery attempt",
			Buckets: prometheus.DefBuckets,
		},
	)

	Runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "send_runs_total",
			Help: "Dispatch runs by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	RunActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "send_run_active",
			Help: "1 while a dispatch run is in progress",
		},
	)

	JobsRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "send_jobs_remaining",
			Help: "Jobs of the active run not yet processed",
		},
	)

	BatchInterval = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "send_batch_interval_seconds",
			Help: "Current delay between batches in immediate mode",
		},
	)
)

func Init() {
	prometheus.MustRegister(EmailsSent)
	prometheus.MustRegister(EmailFailures)
	prometheus.MustRegister(SendAttempts)
	prometheus.MustRegister(SendRetries)
	prometheus.MustRegister(SendLatency)
	prometheus.MustRegister(Runs)
	prometheus.MustRegister(RunActive)
	prometheus.MustRegister(JobsRemaining)
	prometheus.MustRegister(BatchInterval)
}
