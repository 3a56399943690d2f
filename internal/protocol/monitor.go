package protocol

import (
	"encoding/json"
	"fmt"
)

// Monitor envelope types. Outbound envelopes mirror relay activity; the one
// inbound message a monitor may send is session.update.
const (
	MonitorTypeConfigUpdate = "session.update"
	MonitorTypeCallState    = "session.state"
)

// MonitorConfigUpdate seeds or replaces the saved model configuration.
type MonitorConfigUpdate struct {
	Type    string          `json:"type"`
	Session json.RawMessage `json:"session"`
}

// CallState is the snapshot sent to a monitor when it attaches.
type CallState struct {
	Type             string `json:"type"`
	CallActive       bool   `json:"call_active"`
	StreamSID        string `json:"stream_sid,omitempty"`
	ResponseInFlight bool   `json:"response_in_flight"`
}

// MonitorEnvelope is a generic mirrored event: the original type plus any
// metadata fields, with raw audio payloads already stripped by the caller.
type MonitorEnvelope struct {
	Type   string         `json:"type"`
	Source string         `json:"source"`
	Fields map[string]any `json:"fields,omitempty"`
}

// ParseMonitorMessage decodes one inbound monitor frame.
func ParseMonitorMessage(raw []byte) (any, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid monitor envelope: %w", err)
	}

	switch env.Type {
	case MonitorTypeConfigUpdate:
		var msg MonitorConfigUpdate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if len(msg.Session) == 0 {
			return nil, fmt.Errorf("session.update missing session body")
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("unsupported monitor message type %q", env.Type)
	}
}
