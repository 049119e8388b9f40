package session

import (
	"errors"
	"fmt"

	"github.com/switchboard-ai/switchboard/internal/backend"
)

var (
	// ErrSessionNotFound reports an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionBusy reports a send while a turn is already running.
	ErrSessionBusy = errors.New("session is processing another input")

	// ErrSessionFinished reports an operation on a session whose backend
	// reached a terminal state.
	ErrSessionFinished = errors.New("session is finished")

	// ErrNoPendingPermission reports a permission response that matches no
	// outstanding request.
	ErrNoPendingPermission = errors.New("no matching pending permission request")

	// ErrShutdownTimeout reports a backend that did not shut down within the
	// configured bound. The session is removed regardless.
	ErrShutdownTimeout = errors.New("backend shutdown timed out")

	// ErrOwnerUnsubscribe reports an attempt to unsubscribe a session's
	// owner. Transfer ownership first.
	ErrOwnerUnsubscribe = errors.New("session owner cannot unsubscribe")

	// ErrManagerClosed reports an operation after the manager shut down.
	ErrManagerClosed = errors.New("session manager is shut down")
)

// OpError wraps a failure with the operation and session it occurred on.
// Backend errors stay in the chain, so IsRecoverable still answers through
// it.
type OpError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("session %s: %s: %v", e.SessionID, e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// IsRecoverable reports whether the failed operation may be retried on the
// same session.
func IsRecoverable(err error) bool { return backend.IsRecoverable(err) }

// opError translates backend sentinel errors into the manager's vocabulary
// and tags the result with operation and session.
func opError(op, sessionID string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, backend.ErrBusy):
		err = ErrSessionBusy
	case errors.Is(err, backend.ErrFinished):
		err = ErrSessionFinished
	case errors.Is(err, backend.ErrNoPendingRequest):
		err = ErrNoPendingPermission
	}
	return &OpError{Op: op, SessionID: sessionID, Err: err}
}
