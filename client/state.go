package client

import "time"

// ConnectionState is the lifecycle state of a Session.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseCause says why a session closed. While a session is reconnecting it
// carries the cause of the last abnormal close.
type CloseCause int

const (
	CauseNone CloseCause = iota
	CauseManual
	CauseError
	CauseServerClose
	CauseAuthExpired
)

func (c CloseCause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseManual:
		return "manual"
	case CauseError:
		return "error"
	case CauseServerClose:
		return "server_close"
	case CauseAuthExpired:
		return "auth_expired"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of a Session.
type Status struct {
	ResourceID       string
	State            ConnectionState
	Cause            CloseCause
	Attempt          int
	LastError        error
	ReconnectPending bool
	ConnectedAt      time.Time
	ClosedAt         time.Time
	LastMessageAt    time.Time
	LastHeartbeatAck time.Time
	HeartbeatLag     time.Duration
}

// IsConnected reports whether the channel is open.
func (s Status) IsConnected() bool { return s.State == StateOpen }

// IsConnecting reports whether a dial or a scheduled reconnect is in progress.
func (s Status) IsConnecting() bool { return s.State == StateConnecting }

// Reconnecting reports whether the session is recovering from an abnormal close.
func (s Status) Reconnecting() bool { return s.State == StateConnecting && s.Attempt > 0 }

// Terminal reports whether the session stopped for good. Only an explicit
// Connect revives it.
func (s Status) Terminal() bool { return s.State == StateClosed }
