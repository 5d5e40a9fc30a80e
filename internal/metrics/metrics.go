// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Device link
	ConnectAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledlink_connect_attempts_total",
			Help: "Total number of dial attempts to the LED controller",
		},
	)

	ConnectFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledlink_connect_failures_total",
			Help: "Total number of failed dial attempts",
		},
	)

	ReconnectsScheduledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledlink_reconnects_scheduled_total",
			Help: "Total number of automatic reconnects scheduled",
		},
	)

	ReconnectExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledlink_reconnect_exhausted_total",
			Help: "Total number of times the reconnect budget ran out",
		},
	)

	TimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledlink_connection_timeouts_total",
			Help: "Total number of links closed for inbound silence",
		},
	)

	LinkOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledlink_link_open",
			Help: "1 while the device link is open",
		},
	)

	MessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledlink_messages_sent_total",
			Help: "Outbound payloads by result",
		},
		[]string{"result"},
	)

	MessagesReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledlink_messages_received_total",
			Help: "Total number of inbound payloads",
		},
	)

	// Routing
	DecodeErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledlink_decode_errors_total",
			Help: "Inbound payloads dropped because they could not be decoded",
		},
	)

	RoutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledlink_routed_total",
			Help: "Decoded inbound commands by kind and target",
		},
		[]string{"kind", "target"},
	)

	// Sessions
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledlink_session_transitions_total",
			Help: "Channel state transitions",
		},
		[]string{"player", "to"},
	)

	ProgressSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledlink_progress_sent_total",
			Help: "Progress commands sent to the device",
		},
		[]string{"player"},
	)

	ProgressPercent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledlink_progress_percent",
			Help: "Last progress percent sent per channel",
		},
		[]string{"player"},
	)
)

// Send result labels.
const (
	ResultOK      = "ok"
	ResultDropped = "dropped"
	ResultError   = "error"
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
