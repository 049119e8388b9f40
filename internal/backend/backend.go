// Package backend defines the contract between the session layer and the
// assistant it drives, plus the concrete backends: an external CLI process
// speaking NDJSON, a direct model stream, a deterministic mock and a latency
// wrapper.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/switchboard-ai/switchboard/pkg/types"
)

var (
	// ErrBusy is returned by Send while a turn is in flight.
	ErrBusy = errors.New("backend is busy")

	// ErrFinished is returned by Send on a terminal backend.
	ErrFinished = errors.New("backend is finished")

	// ErrNoPendingRequest is returned by RespondPermission when no matching
	// permission request is waiting.
	ErrNoPendingRequest = errors.New("no pending permission request")
)

// EventKind classifies backend events.
type EventKind string

const (
	// KindDelta carries a chunk of streamed output text.
	KindDelta EventKind = "delta"
	// KindTurn marks the end of a turn and carries its token usage.
	KindTurn EventKind = "turn"
	// KindPermission asks for approval before a tool runs.
	KindPermission EventKind = "permission"
	// KindError reports a backend failure.
	KindError EventKind = "error"
)

// Event is one item on a backend's output stream. The kind decides which
// fields are meaningful.
type Event struct {
	Kind EventKind

	// delta
	Text string

	// turn
	Usage types.Usage

	// permission
	RequestID string
	Tool      string
	Title     string

	// error
	Message     string
	Recoverable bool
}

// Backend is one conversation with an assistant.
//
// State machine: Idle moves to Processing on Send. Processing ends in Idle
// (turn complete), WaitingPermission (tool gate) or Failed. Approval returns
// WaitingPermission to Processing, denial to Idle. Finished is reached only
// through Shutdown. Send from Processing or WaitingPermission returns
// ErrBusy; from a terminal state (Finished, or Failed without recovery) it
// returns ErrFinished; from a recoverable Failed it retries.
type Backend interface {
	// Send submits one user input and returns once the turn is underway.
	// Output arrives on subscriber channels.
	Send(ctx context.Context, input string) error

	// Subscribe returns a fresh receiver for events emitted after this
	// call, and a cancel function releasing it. Slow receivers lose
	// events rather than stall the backend.
	Subscribe() (<-chan Event, func())

	// RespondPermission resolves the pending permission request. It fails
	// with ErrNoPendingRequest unless the backend is waiting on exactly
	// this requestID.
	RespondPermission(ctx context.Context, requestID string, approved bool) error

	// State returns a snapshot without blocking on in-flight work.
	State() types.BackendState

	// Shutdown releases all resources, from any state. It is idempotent;
	// a second call returns nil.
	Shutdown(ctx context.Context) error
}

// Factory creates a backend for a new session. A non-empty resume names a
// prior backend-side conversation to continue.
type Factory func(ctx context.Context, resume string) (Backend, error)

// Error is a backend I/O failure. Recoverable failures allow a retried Send.
type Error struct {
	Op          string
	Err         error
	Recoverable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRecoverable reports whether err is a backend failure that permits
// another Send.
func IsRecoverable(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Recoverable
	}
	return false
}
