package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType discriminates client to server frames.
type MessageType string

const (
	TypeGetStatus      MessageType = "get_status"
	TypeHeartbeat      MessageType = "heartbeat"
	TypeStartAnalysis  MessageType = "start_analysis"
	TypeRetryAnalysis  MessageType = "retry_analysis"
	TypeCancelAnalysis MessageType = "cancel_analysis"
)

// EventHeartbeat is the event_type of a heartbeat acknowledgement.
const EventHeartbeat = "heartbeat"

// Message is an outbound frame.
type Message struct {
	Type            MessageType     `json:"type"`
	AnalysisOptions json.RawMessage `json:"analysis_options,omitempty"`
	RetryAttempt    *int            `json:"retry_attempt,omitempty"`
}

// IsHeartbeat reports whether m is a liveness probe. Probes are never queued.
func (m Message) IsHeartbeat() bool { return m.Type == TypeHeartbeat }

// critical messages carry user intent and survive a disconnect in the queue.
func (m Message) critical() bool {
	switch m.Type {
	case TypeStartAnalysis, TypeRetryAnalysis, TypeCancelAnalysis:
		return true
	default:
		return false
	}
}

func GetStatus() Message      { return Message{Type: TypeGetStatus} }
func Heartbeat() Message      { return Message{Type: TypeHeartbeat} }
func CancelAnalysis() Message { return Message{Type: TypeCancelAnalysis} }

// StartAnalysis builds a start_analysis frame. A nil opts is sent as {}.
func StartAnalysis(opts any) (Message, error) {
	raw, err := encodeOptions(opts)
	if err != nil {
		return Message{}, err
	}
	if raw == nil {
		raw = json.RawMessage(`{}`)
	}
	return Message{Type: TypeStartAnalysis, AnalysisOptions: raw}, nil
}

// RetryAnalysis builds a retry_analysis frame resuming from attempt. opts may be nil.
func RetryAnalysis(attempt int, opts any) (Message, error) {
	if attempt < 0 {
		return Message{}, fmt.Errorf("retry attempt must not be negative, got %d", attempt)
	}
	raw, err := encodeOptions(opts)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeRetryAnalysis, RetryAttempt: &attempt, AnalysisOptions: raw}, nil
}

func encodeOptions(opts any) (json.RawMessage, error) {
	if opts == nil {
		return nil, nil
	}
	if raw, ok := opts.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("analysis options are not valid JSON")
		}
		return raw, nil
	}
	raw, err := jsonMarshal(opts)
	if err != nil {
		return nil, fmt.Errorf("encode analysis options: %w", err)
	}
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("analysis options must encode to a JSON object")
	}
	return raw, nil
}

// jsonMarshal is swapped in tests.
var jsonMarshal = json.Marshal

// Event is an inbound progress frame, forwarded verbatim.
type Event struct {
	ResourceID string
	EventType  string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// parseFrame extracts event_type from an inbound frame. Anything that is not
// a JSON object is malformed.
func parseFrame(data []byte) (string, error) {
	if trimmed := bytes.TrimSpace(data); len(trimmed) == 0 || trimmed[0] != '{' {
		return "", errors.New("malformed frame: not a JSON object")
	}
	var head struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("malformed frame: %w", err)
	}
	return head.EventType, nil
}
