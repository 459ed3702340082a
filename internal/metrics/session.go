// Package metrics holds the prometheus collectors for session and auth activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "progress_session_state",
		Help: "Number of sessions per connection state",
	}, []string{"state"})

	sessionDials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "progress_session_dials_total",
		Help: "Dial attempts by result",
	}, []string{"result"})

	sessionReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "progress_session_reconnects_total",
		Help: "Scheduled reconnects by interim close cause",
	}, []string{"cause"})

	sessionTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "progress_session_terminal_total",
		Help: "Sessions that reached a terminal closed state, by cause",
	}, []string{"cause"})

	framesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "progress_session_frames_received_total",
		Help: "Inbound frames by kind (event, heartbeat_ack, malformed, subscriber_overflow)",
	}, []string{"kind"})

	framesOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "progress_session_frames_sent_total",
		Help: "Outbound frames by message type and result",
	}, []string{"type", "result"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "progress_session_queue_depth",
		Help: "Outbound messages waiting for an open channel, across sessions",
	})

	heartbeatLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "progress_session_heartbeat_lag_seconds",
		Help:    "Delay between a heartbeat probe and its acknowledgement",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
)

// TrackStateChange moves one session from the old state bucket to the new one.
// An empty old state registers a new session.
func TrackStateChange(oldState, newState string) {
	if oldState == newState {
		return
	}
	if oldState != "" {
		sessionState.WithLabelValues(oldState).Dec()
	}
	if newState != "" {
		sessionState.WithLabelValues(newState).Inc()
	}
}

// RecordDial counts a dial attempt outcome ("ok", "error", "unauthorized").
func RecordDial(result string) {
	sessionDials.WithLabelValues(result).Inc()
}

// RecordReconnect counts a scheduled reconnect.
func RecordReconnect(cause string) {
	sessionReconnects.WithLabelValues(cause).Inc()
}

// RecordTerminal counts a session reaching a terminal closed state.
func RecordTerminal(cause string) {
	sessionTerminal.WithLabelValues(cause).Inc()
}

// RecordFrameIn counts an inbound frame.
func RecordFrameIn(kind string) {
	framesIn.WithLabelValues(kind).Inc()
}

// RecordFrameOut counts an outbound frame ("sent", "queued", "dropped", "failed").
func RecordFrameOut(msgType, result string) {
	framesOut.WithLabelValues(msgType, result).Inc()
}

// AddQueueDepth adjusts the global queue depth gauge.
func AddQueueDepth(delta int) {
	queueDepth.Add(float64(delta))
}

// ObserveHeartbeatLag records one acknowledgement lag in seconds.
func ObserveHeartbeatLag(seconds float64) {
	heartbeatLag.Observe(seconds)
}
