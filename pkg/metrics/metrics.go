// Package metrics holds the process-wide Prometheus collectors for chatsync.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Store metrics
	MergeResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_merge_results_total",
			Help: "Inbound messages merged into room logs, by result",
		},
		[]string{"result"}, // appended, reconciled, duplicate, rejected
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_messages_sent_total",
			Help: "Outbound messages, by room kind and result",
		},
		[]string{"kind", "result"},
	)

	// Connection metrics
	ConnectionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_connection_transitions_total",
			Help: "Connection state transitions, by target state",
		},
		[]string{"state"},
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_reconnect_attempts_total",
			Help: "Transport redial attempts after a drop",
		},
	)

	// Router metrics
	SubscriptionSwaps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_subscription_swaps_total",
			Help: "Active room subscription changes",
		},
	)

	StaleFramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_stale_frames_dropped_total",
			Help: "Frames discarded because their subscription was replaced",
		},
	)

	QueuePolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_queue_polls_total",
			Help: "Offline queue polls, by result",
		},
		[]string{"result"},
	)

	QueuePollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatsync_queue_poll_duration_seconds",
			Help:    "Offline queue poll latency",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
