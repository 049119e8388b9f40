// Package types provides the core data types for the switchboard server.
package types

// SessionInfo is the summary shape of a session as reported by the
// session manager and the HTTP API. It is a snapshot: the backend state
// and usage counters are copied at read time, never shared.
type SessionInfo struct {
	ID        string       `json:"id"`
	Name      string       `json:"name,omitempty"`
	State     BackendState `json:"state"`
	Usage     Usage        `json:"usage"`
	Ownership Ownership    `json:"ownership"`
	Time      SessionTime  `json:"time"`
}

// Ownership records which client owns a session and which clients are
// subscribed to it. The owner is always a subscriber.
type Ownership struct {
	Owner       string   `json:"owner"`
	Subscribers []string `json:"subscribers"`
	Since       int64    `json:"since"`
}

// SessionTime contains timestamps for a session, in unix milliseconds.
type SessionTime struct {
	Created int64 `json:"created"`
}

// Usage accumulates token counts across the turns of a session.
// Counters only grow; Add returns the sum without mutating either side.
type Usage struct {
	InputTokens  uint32 `json:"inputTokens"`
	OutputTokens uint32 `json:"outputTokens"`
}

// Add returns the element-wise sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
	}
}

// Total returns input plus output tokens.
func (u Usage) Total() uint32 {
	return u.InputTokens + u.OutputTokens
}
