// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Store metrics
var (
	// ChannelsCurrent tracks the number of channels held by the store
	ChannelsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnelvision_channels_current",
			Help: "Number of channels currently held in the store",
		},
	)

	// UpdatesTotal counts applied host updates by kind (update/delete/expire)
	UpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelvision_updates_total",
			Help: "Applied channel mutations by kind (update/delete/expire)",
		},
		[]string{"kind"},
	)
)

// Dispatcher metrics
var (
	// BroadcastsTotal counts broadcast rounds
	BroadcastsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tunnelvision_broadcasts_total",
			Help: "Total broadcast rounds fanned out to viewers",
		},
	)

	// BroadcastDuration tracks apply-and-fan-out latency
	BroadcastDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tunnelvision_broadcast_duration_seconds",
			Help:    "Time to apply an update and enqueue it to every viewer",
			Buckets: []float64{.00005, .0001, .0005, .001, .005, .01, .025, .05, .1},
		},
	)

	// SessionsEvicted counts sessions dropped because a send failed
	SessionsEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelvision_sessions_evicted_total",
			Help: "Sessions disconnected because their send queue was full or closed, by role",
		},
		[]string{"role"},
	)

	// EventsRelayed counts viewer events forwarded to hosts
	EventsRelayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tunnelvision_events_relayed_total",
			Help: "Viewer events relayed to the host",
		},
	)

	// DirectFrames counts addressed binary frames by result (delivered/unknown/failed)
	DirectFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelvision_direct_frames_total",
			Help: "Addressed binary frames from the host by result (delivered/unknown/failed)",
		},
		[]string{"result"},
	)

	// CommandQueueDepth tracks dispatcher command channel depth
	CommandQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunnelvision_dispatch_queue_depth",
			Help: "Current dispatcher command channel depth",
		},
	)
)

// Session metrics
var (
	// SessionsCurrent tracks connected sessions by role
	SessionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tunnelvision_sessions_current",
			Help: "Current number of connected sessions by role (viewer/host)",
		},
		[]string{"role"},
	)

	// SessionsTotal counts accepted sessions by role
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelvision_sessions_total",
			Help: "Total accepted WebSocket sessions by role",
		},
		[]string{"role"},
	)

	// FramesDropped counts inbound frames that were discarded by reason
	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunnelvision_frames_dropped_total",
			Help: "Inbound frames discarded by reason (malformed/forbidden/rate_limited)",
		},
		[]string{"reason"},
	)

	// SessionDuration tracks how long sessions stay connected
	SessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tunnelvision_session_duration_seconds",
			Help:    "WebSocket session duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
	)
)
