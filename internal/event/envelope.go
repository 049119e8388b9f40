package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps a payload with its bus-assigned sequence number and the
// session it belongs to. Seq is zero until the bus publishes the envelope;
// after that it is strictly increasing and gap-free across the bus.
type Envelope struct {
	Seq       uint64 `json:"seq"`
	SessionID string `json:"sessionID"`
	Type      Type   `json:"type"`
	Time      int64  `json:"time"`
	Payload   any    `json:"payload,omitempty"`
}

// New builds an unsequenced envelope stamped with the current time.
func New(sessionID string, t Type, payload any) Envelope {
	return Envelope{
		SessionID: sessionID,
		Type:      t,
		Time:      time.Now().UnixMilli(),
		Payload:   payload,
	}
}

// UnmarshalJSON decodes the payload into its concrete type based on the
// envelope's type field, so payloads round-trip through the log and the
// wire as values, not maps.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw struct {
		Seq       uint64          `json:"seq"`
		SessionID string          `json:"sessionID"`
		Type      Type            `json:"type"`
		Time      int64           `json:"time"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	payload, err := UnmarshalPayload(raw.Type, raw.Payload)
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", raw.Type, err)
	}

	e.Seq = raw.Seq
	e.SessionID = raw.SessionID
	e.Type = raw.Type
	e.Time = raw.Time
	e.Payload = payload
	return nil
}

// UnmarshalPayload decodes a raw payload for the given event type.
// Unknown types keep their raw JSON so newer producers do not break
// older consumers.
func UnmarshalPayload(t Type, data []byte) (any, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	switch t {
	case SessionCreated:
		var p SessionCreatedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case SessionUpdated:
		var p SessionUpdatedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case SessionClosed:
		var p SessionClosedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case InputReceived:
		var p InputPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case OutputDelta:
		var p OutputDeltaPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case TurnCompleted:
		var p TurnCompletedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case PermissionRequested:
		var p PermissionRequestedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case PermissionResolved:
		var p PermissionResolvedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case BackendError:
		var p BackendErrorPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return json.RawMessage(append([]byte(nil), data...)), nil
	}
}
