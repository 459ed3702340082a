package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTrackStateChangeMovesBuckets(t *testing.T) {
	sessionState.Reset()

	TrackStateChange("", "idle")
	TrackStateChange("idle", "connecting")
	TrackStateChange("connecting", "open")

	assert.Equal(t, 0.0, testutil.ToFloat64(sessionState.WithLabelValues("idle")))
	assert.Equal(t, 0.0, testutil.ToFloat64(sessionState.WithLabelValues("connecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sessionState.WithLabelValues("open")))

	TrackStateChange("open", "open")
	assert.Equal(t, 1.0, testutil.ToFloat64(sessionState.WithLabelValues("open")))
}

func TestRecordFrameOutLabels(t *testing.T) {
	framesOut.Reset()
	RecordFrameOut("heartbeat", "dropped")
	RecordFrameOut("heartbeat", "dropped")
	RecordFrameOut("start_analysis", "queued")

	assert.Equal(t, 2.0, testutil.ToFloat64(framesOut.WithLabelValues("heartbeat", "dropped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(framesOut.WithLabelValues("start_analysis", "queued")))
}
