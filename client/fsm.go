package client

import (
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// CloseNormal is the graceful close code; it never triggers a reconnect.
	CloseNormal = websocket.CloseNormalClosure
	// closeAbnormal stands in for transport failures without a close frame.
	closeAbnormal = websocket.CloseAbnormalClosure

	reasonClientDisconnect = "Client disconnect"
	reasonAuthExpired      = "Authentication expired"
)

type eventKind int

const (
	evConnect eventKind = iota
	evOpened
	evClosed
	evDisconnect
	evAuthExpired
	evPrecondition
	evLivenessLost
)

func (k eventKind) String() string {
	switch k {
	case evConnect:
		return "connect"
	case evOpened:
		return "opened"
	case evClosed:
		return "closed"
	case evDisconnect:
		return "disconnect"
	case evAuthExpired:
		return "auth_expired"
	case evPrecondition:
		return "precondition"
	case evLivenessLost:
		return "liveness_lost"
	default:
		return "unknown"
	}
}

type event struct {
	kind eventKind
	// code and fromPeer describe an evClosed. fromPeer is set when the server
	// sent a close frame.
	code     int
	fromPeer bool
}

type effectKind int

const (
	effDial effectKind = iota
	effStartHeartbeat
	effStopHeartbeat
	effDrainQueue
	effScheduleStatusProbe
	effScheduleReconnect
	effCancelReconnect
	effClearQueue
	effCloseTransport
	effAbortTransport
)

type effect struct {
	kind   effectKind
	delay  time.Duration
	code   int
	reason string
}

// machine is the part of a session the transition function owns.
type machine struct {
	state   ConnectionState
	cause   CloseCause
	attempt int
}

// policy bounds reconnection.
type policy struct {
	maxAttempts int
	baseDelay   time.Duration
	jitter      float64
	rand        func() float64
}

// backoff returns baseDelay * 2^(attempt-1), plus up to jitter*delay when
// jitter is configured.
func (p policy) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.baseDelay << (attempt - 1)
	if p.jitter > 0 {
		r := p.rand
		if r == nil {
			r = rand.Float64
		}
		d += time.Duration(r() * p.jitter * float64(d))
	}
	return d
}

// transition is the session state machine: the next machine and the side
// effects for ev. It touches nothing outside its arguments.
func transition(m machine, ev event, p policy) (machine, []effect) {
	switch ev.kind {
	case evConnect:
		if m.state != StateIdle && m.state != StateClosed {
			return m, nil
		}
		return machine{state: StateConnecting}, []effect{{kind: effDial}}

	case evOpened:
		if m.state != StateConnecting {
			return m, []effect{{kind: effCloseTransport, code: CloseNormal, reason: reasonClientDisconnect}}
		}
		return machine{state: StateOpen}, []effect{
			{kind: effStopHeartbeat},
			{kind: effStartHeartbeat},
			{kind: effDrainQueue},
			{kind: effScheduleStatusProbe},
		}

	case evClosed:
		switch m.state {
		case StateClosing:
			return machine{state: StateClosed, cause: CauseManual, attempt: m.attempt}, []effect{{kind: effStopHeartbeat}}
		case StateOpen, StateConnecting:
			if ev.code == CloseNormal {
				return machine{state: StateClosed, cause: CauseManual, attempt: m.attempt}, []effect{
					{kind: effStopHeartbeat},
					{kind: effCancelReconnect},
				}
			}
			interim := CauseError
			if ev.fromPeer {
				interim = CauseServerClose
			}
			if m.attempt < p.maxAttempts {
				next := m.attempt + 1
				return machine{state: StateConnecting, cause: interim, attempt: next}, []effect{
					{kind: effStopHeartbeat},
					{kind: effScheduleReconnect, delay: p.backoff(next)},
				}
			}
			return machine{state: StateClosed, cause: CauseError, attempt: m.attempt}, []effect{{kind: effStopHeartbeat}}
		default:
			return m, nil
		}

	case evDisconnect:
		switch m.state {
		case StateIdle:
			return machine{state: StateClosed, cause: CauseManual}, []effect{{kind: effClearQueue}}
		case StateConnecting, StateOpen:
			return machine{state: StateClosing, attempt: m.attempt}, []effect{
				{kind: effCancelReconnect},
				{kind: effStopHeartbeat},
				{kind: effClearQueue},
				{kind: effCloseTransport, code: CloseNormal, reason: reasonClientDisconnect},
			}
		default:
			return m, nil
		}

	case evAuthExpired:
		if m.state == StateClosed {
			return m, nil
		}
		return machine{state: StateClosed, cause: CauseAuthExpired, attempt: m.attempt}, []effect{
			{kind: effCancelReconnect},
			{kind: effStopHeartbeat},
			{kind: effCloseTransport, code: CloseNormal, reason: reasonAuthExpired},
		}

	case evPrecondition:
		if m.state != StateConnecting {
			return m, nil
		}
		return machine{state: StateClosed, cause: CauseError, attempt: m.attempt}, []effect{
			{kind: effCancelReconnect},
			{kind: effStopHeartbeat},
		}

	case evLivenessLost:
		if m.state != StateOpen {
			return m, nil
		}
		return m, []effect{{kind: effAbortTransport}}
	}
	return m, nil
}
