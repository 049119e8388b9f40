package dispatch

import (
	"context"
	"encoding/json"

	"github.com/switchboard-ai/switchboard/internal/event"
)

// HostInfo identifies a plugin host after its handshake.
type HostInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Result is one typed datum a host returns from a delivery. The core
// carries results to interested callers without interpreting Data.
type Result struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Host is the plugin boundary. Implementations live across a process
// boundary and share no runtime identity with the core.
type Host interface {
	// Handshake connects to the host and returns its advertised identity.
	// It must succeed before Dispatch is called and may be called again to
	// reconnect.
	Handshake(ctx context.Context) (HostInfo, error)

	// Dispatch delivers one event and returns whatever typed results the
	// host produced, possibly none.
	Dispatch(ctx context.Context, env event.Envelope) ([]Result, error)

	// Close releases the connection. Safe to call without a handshake.
	Close() error
}
