package types

// Phase enumerates the lifecycle states of a backend.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseProcessing        Phase = "processing"
	PhaseWaitingPermission Phase = "waiting_permission"
	PhaseFinished          Phase = "finished"
	PhaseFailed            Phase = "failed"
)

// BackendState is a snapshot of a backend's lifecycle state. The backend
// itself is the single authority for this value; everything else copies it.
//
// RequestID and Tool are set only in the waiting_permission phase,
// Message and Recoverable only in the failed phase.
type BackendState struct {
	Phase       Phase  `json:"phase"`
	RequestID   string `json:"requestID,omitempty"`
	Tool        string `json:"tool,omitempty"`
	Message     string `json:"message,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

// Idle returns the idle state.
func Idle() BackendState { return BackendState{Phase: PhaseIdle} }

// Processing returns the processing state.
func Processing() BackendState { return BackendState{Phase: PhaseProcessing} }

// WaitingPermission returns the state for a pending permission request.
func WaitingPermission(requestID, tool string) BackendState {
	return BackendState{Phase: PhaseWaitingPermission, RequestID: requestID, Tool: tool}
}

// Finished returns the terminal state reached through shutdown.
func Finished() BackendState { return BackendState{Phase: PhaseFinished} }

// Failed returns the failure state. Recoverable reports whether a
// subsequent send may be retried on the same backend.
func Failed(message string, recoverable bool) BackendState {
	return BackendState{Phase: PhaseFailed, Message: message, Recoverable: recoverable}
}

// Terminal reports whether no further sends will ever be accepted.
func (s BackendState) Terminal() bool {
	return s.Phase == PhaseFinished || (s.Phase == PhaseFailed && !s.Recoverable)
}
