package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesReceivedTotal counts every delivery a gateway has handed to a
	// pump, by consumer name and message type (COMMAND/EVENT/QUIT/NONE/
	// UNACCEPTABLE).
	MessagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activator_messages_received_total",
			Help: "Total number of messages received from a consumer gateway",
		},
		[]string{"consumer", "message_type"},
	)

	// MessagesAcknowledgedTotal counts acknowledged messages by consumer
	// and outcome ("dispatched", "deferred_then_dropped", "translate_failed",
	// "dispatch_failed", "unacceptable").
	MessagesAcknowledgedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activator_messages_acknowledged_total",
			Help: "Total number of messages acknowledged, by outcome",
		},
		[]string{"consumer", "outcome"},
	)

	// MessagesRequeuedTotal counts DeferMessageError-driven requeues.
	MessagesRequeuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activator_messages_requeued_total",
			Help: "Total number of messages requeued after a deferral",
		},
		[]string{"consumer"},
	)

	// MessagesDroppedPoisonTotal counts messages acknowledged (and
	// dropped) after exceeding the requeue limit.
	MessagesDroppedPoisonTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activator_messages_dropped_poison_total",
			Help: "Total number of messages dropped after exceeding the requeue limit",
		},
		[]string{"consumer"},
	)

	// DispatchDuration tracks handler dispatch latency in seconds.
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "activator_dispatch_duration_seconds",
			Help:    "Duration of request dispatch to a handler, in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~32s
		},
		[]string{"consumer"},
	)

	// ActivePerformers tracks the number of currently running performers.
	ActivePerformers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "activator_performers_active",
			Help: "Number of currently running dispatcher performers",
		},
	)

	// DispatcherState reports the Dispatcher's lifecycle state as a gauge
	// of the numeric dispatcher.State value, for alerting on stuck
	// transitions.
	DispatcherState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "activator_dispatcher_state",
			Help: "Current dispatcher lifecycle state (0=NOTREADY,1=AWAITING,2=RUNNING,3=STOPPING,4=STOPPED)",
		},
	)

	// HeartbeatTicksTotal counts successful continuous-heartbeat ticks.
	HeartbeatTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activator_heartbeat_ticks_total",
			Help: "Total number of continuous heartbeat ticks sent for long-running handlers",
		},
		[]string{"consumer"},
	)

	// ChannelFailuresTotal counts every error a pump's Receive returns,
	// whether or not it is a ChannelFailureError.
	ChannelFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activator_channel_failures_total",
			Help: "Total number of channel failures encountered while receiving",
		},
		[]string{"consumer"},
	)
)
