// Package metrics has prometheus metric variables/functions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mboxsync_sync_duration_seconds",
			Help:    "Mbox sync passes.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 30},
		},
		[]string{
			"result", // ok, error
		},
	)

	MetricSyncRetry = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mboxsync_sync_retries_total",
			Help: "Sync passes restarted after a failed partial attempt.",
		},
	)

	MetricMessagesScanned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mboxsync_messages_scanned_total",
			Help: "Messages read from mbox files during sync.",
		},
	)

	MetricHeaderRewrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mboxsync_header_rewrites_total",
			Help: "Message headers rewritten in place or in a batch window.",
		},
	)

	MetricMovedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mboxsync_moved_bytes_total",
			Help: "Message bytes moved to reclaim expunged space.",
		},
	)

	MetricExpungedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mboxsync_expunged_bytes_total",
			Help: "Bytes reclaimed from mbox files by expunges.",
		},
	)
)

// SyncObserve tracks the result and duration of an mbox sync.
func SyncObserve(result string, start time.Time) {
	metricSyncDuration.WithLabelValues(result).Observe(float64(time.Since(start)) / float64(time.Second))
}
