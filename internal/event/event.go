// Package event defines the envelope and payload vocabulary flowing through
// the switchboard event bus and event log.
package event

import (
	"github.com/switchboard-ai/switchboard/pkg/types"
)

// Type identifies the kind of payload an envelope carries.
type Type string

const (
	SessionCreated      Type = "session.created"
	SessionUpdated      Type = "session.updated"
	SessionClosed       Type = "session.closed"
	InputReceived       Type = "input.received"
	OutputDelta         Type = "output.delta"
	TurnCompleted       Type = "turn.completed"
	PermissionRequested Type = "permission.requested"
	PermissionResolved  Type = "permission.resolved"
	BackendError        Type = "backend.error"
)

// SessionCreatedPayload is the payload for session.created events.
type SessionCreatedPayload struct {
	Info types.SessionInfo `json:"info"`
}

// SessionUpdatedPayload is the payload for session.updated events.
// Emitted on renames and ownership changes.
type SessionUpdatedPayload struct {
	Info types.SessionInfo `json:"info"`
}

// SessionClosedPayload is the payload for session.closed events.
type SessionClosedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// InputPayload is the payload for input.received events. Origin names the
// surface the input arrived through (api, websocket, plugin, ...).
type InputPayload struct {
	Text   string `json:"text"`
	Origin string `json:"origin"`
}

// OutputDeltaPayload is the payload for output.delta events.
type OutputDeltaPayload struct {
	Text string `json:"text"`
}

// TurnCompletedPayload is the payload for turn.completed events.
type TurnCompletedPayload struct {
	Usage types.Usage `json:"usage"`
}

// PermissionRequestedPayload is the payload for permission.requested events.
// Title carries the human-readable description of the pending operation;
// for the bash tool it is the command line itself.
type PermissionRequestedPayload struct {
	RequestID string `json:"requestID"`
	Tool      string `json:"tool"`
	Title     string `json:"title,omitempty"`
}

// PermissionResolvedPayload is the payload for permission.resolved events.
type PermissionResolvedPayload struct {
	RequestID string `json:"requestID"`
	Approved  bool   `json:"approved"`
}

// BackendErrorPayload is the payload for backend.error events.
type BackendErrorPayload struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}
