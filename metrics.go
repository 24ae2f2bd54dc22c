package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync metrics
	syncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_syncs_total",
			Help: "Total full syncs run",
		},
		[]string{"trigger"}, // "open" or "periodic"
	)

	syncsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_sync_skipped_total",
			Help: "Periodic ticks dropped because a sync was still in flight",
		},
	)

	syncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_sync_duration_seconds",
			Help:    "Full sync duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"trigger"},
	)

	// Remote metrics
	fetchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_fetch_failures_total",
			Help: "Remote fetches that degraded to zero new messages",
		},
		[]string{"reason"}, // "transport", "status", "decode"
	)

	messagesFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_messages_fetched_total",
			Help: "Messages received from the remote feed",
		},
	)

	pushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_pushes_total",
			Help: "Push attempts of locally authored messages",
		},
		[]string{"result"}, // "ok" or "failed"
	)

	// Local metrics
	storageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_storage_errors_total",
			Help: "Storage faults recovered as missing data",
		},
		[]string{"op"},
	)

	recallsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_recalls_total",
			Help: "Messages recalled locally",
		},
	)
)
