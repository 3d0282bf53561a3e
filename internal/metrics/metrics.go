package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comfyclaw_jobs_received_total",
		Help: "Total number of jobs received from the gateway",
	})

	JobsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comfyclaw_jobs_completed_total",
		Help: "Total number of jobs completed successfully",
	})

	JobsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comfyclaw_jobs_failed_total",
		Help: "Total number of jobs that failed",
	})

	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "comfyclaw_job_duration_seconds",
		Help:    "Time taken to execute jobs in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	GatewayReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comfyclaw_gateway_reconnects_total",
		Help: "Total number of gateway reconnection attempts",
	})

	GatewayConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "comfyclaw_gateway_connected",
		Help: "Whether the gateway connection is currently established",
	})

	PipelinesRunningGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "comfyclaw_pipelines_running",
		Help: "Current number of running pipelines",
	})

	BatchRunsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "comfyclaw_batch_runs_submitted_total",
		Help: "Total number of batch runs submitted to the backend",
	})
)
