package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kvsd_connections_active",
			Help: "Current active connections",
		},
		[]string{"protocol"},
	)

	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvsd_connections_total",
			Help: "Total connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kvsd_connections_rejected_total",
			Help: "Total connections rejected (max connections)",
		},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kvsd_connection_duration_seconds",
			Help:    "Connection duration in seconds",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400, 86400},
		},
		[]string{"protocol"},
	)

	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvsd_requests_total",
			Help: "Requests handled by operation and response type",
		},
		[]string{"op", "result"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kvsd_request_duration_seconds",
			Help:    "Engine time per request",
			Buckets: prometheus.ExponentialBuckets(0.00002, 4, 10),
		},
		[]string{"op"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvsd_rate_limited_total",
			Help: "Requests delayed or rejected by a rate limiter",
		},
		[]string{"protocol"},
	)

	CompactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvsd_compactions_total",
			Help: "Compaction runs by result",
		},
		[]string{"result"},
	)

	CompactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kvsd_compaction_duration_seconds",
			Help:    "Wall time of successful compactions",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	ReclaimedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kvsd_compaction_reclaimed_bytes_total",
			Help: "Disk bytes freed by compaction",
		},
	)

	StaleBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kvsd_stale_bytes",
			Help: "Bytes on disk made obsolete by overwrites and removals",
		},
	)

	DiskBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kvsd_disk_bytes",
			Help: "Bytes used by the storage engine on disk",
		},
	)

	LiveKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kvsd_live_keys",
			Help: "Number of live keys",
		},
	)
)

func ObserveRequest(op, result string, elapsed time.Duration) {
	RequestsTotal.WithLabelValues(op, result).Inc()
	RequestDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func ObserveCompaction(err error, elapsed time.Duration, reclaimed int64) {
	if err != nil {
		CompactionsTotal.WithLabelValues("error").Inc()
		return
	}
	CompactionsTotal.WithLabelValues("ok").Inc()
	CompactionDuration.Observe(elapsed.Seconds())
	if reclaimed > 0 {
		ReclaimedBytes.Add(float64(reclaimed))
	}
}

func UpdateStorage(keys int, stale, disk int64) {
	LiveKeys.Set(float64(keys))
	StaleBytes.Set(float64(stale))
	DiskBytes.Set(float64(disk))
}
