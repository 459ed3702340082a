package log

// Canonical field name constants for structured logging.
const (
	FieldService   = "service"
	FieldComponent = "component"

	// Session identity
	FieldResourceID = "resource_id"
	FieldSessionID  = "session_id"

	// Connection lifecycle
	FieldOldState  = "old_state"
	FieldNewState  = "new_state"
	FieldCause     = "cause"
	FieldAttempt   = "attempt"
	FieldDelay     = "delay"
	FieldCloseCode = "close_code"
	FieldOrigin    = "origin"

	// Traffic
	FieldMessageType = "message_type"
	FieldEventType   = "event_type"
	FieldQueueDepth  = "queue_depth"
	FieldLag         = "lag"

	// Auth
	FieldRemaining = "remaining"
	FieldDecision  = "decision"
)
