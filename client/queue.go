package client

import (
	"sync"

	"github.com/AtDexters-Lab/progress-session-client/internal/metrics"
)

// MessageQueue buffers outbound messages until the channel opens. It keeps
// submission order; heartbeats are never queued.
type MessageQueue struct {
	mu       sync.Mutex
	items    []Message
	capacity int
}

// NewMessageQueue creates a queue. capacity <= 0 means unbounded.
func NewMessageQueue(capacity int) *MessageQueue {
	return &MessageQueue{capacity: capacity}
}

// Enqueue appends m. Heartbeats are rejected with ErrNotConnected.
func (q *MessageQueue) Enqueue(m Message) error {
	if m.IsHeartbeat() {
		return ErrNotConnected
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	q.items = append(q.items, m)
	metrics.AddQueueDepth(1)
	return nil
}

// Drain hands queued messages to send in FIFO order. On the first failure the
// failed message and everything after it stay queued, in order.
func (q *MessageQueue) Drain(send func(Message) error) (int, error) {
	q.mu.Lock()
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	for i, m := range pending {
		if err := send(m); err != nil {
			q.mu.Lock()
			q.items = append(append([]Message(nil), pending[i:]...), q.items...)
			q.mu.Unlock()
			metrics.AddQueueDepth(-i)
			return i, err
		}
	}
	metrics.AddQueueDepth(-len(pending))
	return len(pending), nil
}

// Len returns the number of queued messages.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the queued messages.
func (q *MessageQueue) Snapshot() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.items...)
}

// ClearNonCritical drops queued status probes and keeps analysis commands.
// It returns the number of dropped messages.
func (q *MessageQueue) ClearNonCritical() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	for _, m := range q.items {
		if m.critical() {
			kept = append(kept, m)
		}
	}
	dropped := len(q.items) - len(kept)
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = Message{}
	}
	q.items = kept
	metrics.AddQueueDepth(-dropped)
	return dropped
}

// Clear drops everything.
func (q *MessageQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	metrics.AddQueueDepth(-n)
	return n
}
