package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "progress_session_token_refresh_total",
		Help: "Token refresh calls by trigger (proactive, reactive) and result",
	}, []string{"trigger", "result"})

	tokenRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "progress_session_token_remaining_seconds",
		Help: "Seconds until the current access token expires (-1 when unknown)",
	})

	unauthorizedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "progress_session_unauthorized_total",
		Help: "Forced logouts raised after terminal authentication failures",
	})
)

// RecordTokenRefresh counts one outbound refresh call.
func RecordTokenRefresh(trigger, result string) {
	tokenRefreshes.WithLabelValues(trigger, result).Inc()
}

// SetTokenRemaining publishes the remaining token lifetime.
func SetTokenRemaining(seconds float64) {
	tokenRemaining.Set(seconds)
}

// RecordUnauthorized counts one forced logout.
func RecordUnauthorized() {
	unauthorizedTotal.Inc()
}
