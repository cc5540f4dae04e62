package jobs

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yourusername/relayforge/internal/metrics"
)

var (
	// JobsEnqueuedTotal は投入されたジョブ数です。
	JobsEnqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "jobs",
		Name:      "enqueued_total",
		Help:      "Total number of jobs enqueued",
	}, []string{"operation"})

	// JobsProcessedTotal は処理を終えたジョブ数です。
	JobsProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "jobs",
		Name:      "processed_total",
		Help:      "Total number of jobs processed",
	}, []string{"operation", "status"}) // status: "completed", "failed", "skipped"

	// JobProcessingDuration はジョブ1件の処理時間です。
	JobProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "jobs",
		Name:      "processing_duration_seconds",
		Help:      "Time spent processing jobs",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"operation"})

	// WorkersActive は処理中のワーカー数です。
	WorkersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "jobs",
		Name:      "workers_active",
		Help:      "Number of jobs currently being processed",
	})
)

func init() {
	metrics.Registry().MustRegister(
		JobsEnqueuedTotal,
		JobsProcessedTotal,
		JobProcessingDuration,
		WorkersActive,
	)
}
