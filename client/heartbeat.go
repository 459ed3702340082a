package client

import (
	"sync"
	"time"

	"github.com/AtDexters-Lab/progress-session-client/internal/metrics"
)

// DefaultHeartbeatInterval is the probe period.
const DefaultHeartbeatInterval = 30 * time.Second

// HeartbeatMonitor sends liveness probes on a fixed period while its session
// is open and records acknowledgements. At most one probe loop runs at a time.
type HeartbeatMonitor struct {
	interval  time.Duration
	maxMissed int
	now       func() time.Time

	mu         sync.Mutex
	lastSentAt time.Time
	lastAckAt  time.Time
	// outstanding is set when a probe goes out and cleared by its ack.
	outstanding bool
	missed      int
	stop       chan struct{}
	done       chan struct{}
}

// NewHeartbeatMonitor creates a monitor. maxMissed > 0 enables the liveness
// callback after that many consecutive unacknowledged probes.
func NewHeartbeatMonitor(interval time.Duration, maxMissed int) *HeartbeatMonitor {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &HeartbeatMonitor{
		interval:  interval,
		maxMissed: maxMissed,
		now:       time.Now,
	}
}

// Interval returns the probe period.
func (h *HeartbeatMonitor) Interval() time.Duration { return h.interval }

// Start arms the probe loop. A loop that is already running is stopped first.
// onLost may be nil; it is called from the loop goroutine, which exits right
// after.
func (h *HeartbeatMonitor) Start(send func() error, onLost func()) {
	h.Stop()

	h.mu.Lock()
	stop := make(chan struct{})
	done := make(chan struct{})
	h.stop, h.done = stop, done
	h.missed = 0
	h.outstanding = false
	h.mu.Unlock()

	go h.loop(send, onLost, stop, done)
}

// Stop disarms the probe loop and waits for it to exit. Idempotent.
func (h *HeartbeatMonitor) Stop() {
	h.mu.Lock()
	stop, done := h.stop, h.done
	h.stop, h.done = nil, nil
	h.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Running reports whether a probe loop is armed.
func (h *HeartbeatMonitor) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stop != nil
}

func (h *HeartbeatMonitor) loop(send func() error, onLost func(), stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if h.tick() && onLost != nil {
				onLost()
				return
			}
			h.probe(send)
		}
	}
}

// probe stamps lastSentAt before writing so an ack that races the write is
// never older than the probe it answers. A failed write restores the previous
// stamp; the transport close event is authoritative.
func (h *HeartbeatMonitor) probe(send func() error) {
	h.mu.Lock()
	prevSent, prevOutstanding := h.lastSentAt, h.outstanding
	sentAt := h.now()
	h.lastSentAt = sentAt
	h.outstanding = true
	h.mu.Unlock()

	if err := send(); err == nil {
		return
	}

	h.mu.Lock()
	if h.lastSentAt.Equal(sentAt) {
		h.lastSentAt = prevSent
		if h.outstanding {
			h.outstanding = prevOutstanding
		}
	}
	h.mu.Unlock()
}

// tick counts an unacknowledged outstanding probe and reports whether the
// liveness limit was reached.
func (h *HeartbeatMonitor) tick() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.maxMissed <= 0 || !h.outstanding {
		return false
	}
	h.missed++
	return h.missed >= h.maxMissed
}

// Ack records a heartbeat acknowledgement received at.
func (h *HeartbeatMonitor) Ack(at time.Time) {
	h.mu.Lock()
	h.lastAckAt = at
	h.outstanding = false
	h.missed = 0
	sent := h.lastSentAt
	h.mu.Unlock()

	if !sent.IsZero() && !at.Before(sent) {
		metrics.ObserveHeartbeatLag(at.Sub(sent).Seconds())
	}
}

// LastSentAt returns when the last probe went out.
func (h *HeartbeatMonitor) LastSentAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSentAt
}

// LastAckAt returns when the last acknowledgement arrived.
func (h *HeartbeatMonitor) LastAckAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastAckAt
}

// Lag is lastAckAt - lastSentAt, available once the latest probe has been
// acknowledged.
func (h *HeartbeatMonitor) Lag() (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastSentAt.IsZero() || h.lastAckAt.IsZero() || h.lastAckAt.Before(h.lastSentAt) {
		return 0, false
	}
	return h.lastAckAt.Sub(h.lastSentAt), true
}
