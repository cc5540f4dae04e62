package upload

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yourusername/relayforge/internal/metrics"
)

var (
	// SessionsStartedTotal は開始されたチャンクアップロード数です。
	SessionsStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "upload",
		Name:      "sessions_started_total",
		Help:      "Total number of chunked upload sessions started",
	})

	// ChunksReceivedTotal は受信したチャンク数です。
	ChunksReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "upload",
		Name:      "chunks_received_total",
		Help:      "Total number of chunks received",
	}, []string{"result"}) // result: "stored", "duplicate"

	// ReceivedBytesTotal は保存したバイト数です。
	ReceivedBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "upload",
		Name:      "received_bytes_total",
		Help:      "Total number of bytes stored from chunks and single uploads",
	})

	// CompletedTotal は完了したアップロード数です。
	CompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "upload",
		Name:      "completed_total",
		Help:      "Total number of uploads handed off as jobs",
	}, []string{"mode"}) // mode: "single", "chunked"

	// RejectedTotal は拒否したリクエスト数です。
	RejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "upload",
		Name:      "rejected_total",
		Help:      "Total number of rejected upload requests by error code",
	}, []string{"code"})

	// AssembleDuration はチャンク結合と保存にかかった時間です。
	AssembleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "upload",
		Name:      "assemble_duration_seconds",
		Help:      "Time spent assembling chunks and storing the object",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

func init() {
	metrics.Registry().MustRegister(
		SessionsStartedTotal,
		ChunksReceivedTotal,
		ReceivedBytesTotal,
		CompletedTotal,
		RejectedTotal,
		AssembleDuration,
	)
}
