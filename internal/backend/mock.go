package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/switchboard-ai/switchboard/pkg/types"
)

// MockPermission is a scripted tool-approval gate.
type MockPermission struct {
	Tool  string
	Title string
}

// MockFailure is a scripted backend failure.
type MockFailure struct {
	Message     string
	Recoverable bool
}

// MockTurn scripts one turn: its streamed deltas, then either a failure, a
// permission gate (the turn completes when the request is resolved) or a
// normal completion with the given usage.
type MockTurn struct {
	Deltas     []string
	Usage      types.Usage
	Permission *MockPermission
	Fail       *MockFailure
}

// MockBackend plays scripted turns. Once the script is exhausted every Send
// echoes its input as a single delta. All transitions follow the Backend
// state machine, which makes it the test seam for everything above it.
type MockBackend struct {
	bc *broadcaster

	mu          sync.Mutex
	state       types.BackendState
	script      []MockTurn
	next        int
	nextRequest int
	pending     *pendingTurn
	sendErr     error
	shutdown    bool
}

type pendingTurn struct {
	requestID string
	usage     types.Usage
}

// NewMockBackend creates a mock that plays the given turns in order.
func NewMockBackend(turns ...MockTurn) *MockBackend {
	return &MockBackend{
		bc:     newBroadcaster(),
		state:  types.Idle(),
		script: turns,
	}
}

// SetSendError makes every following Send fail with err without touching
// state. Pass nil to clear.
func (m *MockBackend) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

func (m *MockBackend) Send(ctx context.Context, input string) error {
	m.mu.Lock()
	if m.sendErr != nil {
		err := m.sendErr
		m.mu.Unlock()
		return err
	}
	if m.state.Terminal() {
		m.mu.Unlock()
		return ErrFinished
	}
	switch m.state.Phase {
	case types.PhaseProcessing, types.PhaseWaitingPermission:
		m.mu.Unlock()
		return ErrBusy
	}

	turn := m.nextTurn(input)
	m.state = types.Processing()
	m.mu.Unlock()

	go m.runTurn(turn)
	return nil
}

// nextTurn pops the next scripted turn. Callers hold m.mu.
func (m *MockBackend) nextTurn(input string) MockTurn {
	if m.next < len(m.script) {
		t := m.script[m.next]
		m.next++
		return t
	}
	return MockTurn{
		Deltas: []string{input},
		Usage: types.Usage{
			InputTokens:  uint32(len(input)),
			OutputTokens: uint32(len(input)),
		},
	}
}

func (m *MockBackend) runTurn(t MockTurn) {
	for _, d := range t.Deltas {
		m.bc.emit(Event{Kind: KindDelta, Text: d})
	}

	if t.Fail != nil {
		m.mu.Lock()
		if m.shutdown {
			m.mu.Unlock()
			return
		}
		m.state = types.Failed(t.Fail.Message, t.Fail.Recoverable)
		m.mu.Unlock()
		m.bc.emit(Event{Kind: KindError, Message: t.Fail.Message, Recoverable: t.Fail.Recoverable})
		return
	}

	if t.Permission != nil {
		m.mu.Lock()
		if m.shutdown {
			m.mu.Unlock()
			return
		}
		m.nextRequest++
		id := fmt.Sprintf("req-%d", m.nextRequest)
		m.state = types.WaitingPermission(id, t.Permission.Tool)
		m.pending = &pendingTurn{requestID: id, usage: t.Usage}
		m.mu.Unlock()
		m.bc.emit(Event{
			Kind:      KindPermission,
			RequestID: id,
			Tool:      t.Permission.Tool,
			Title:     t.Permission.Title,
		})
		return
	}

	m.finishTurn(t.Usage)
}

func (m *MockBackend) finishTurn(usage types.Usage) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.state = types.Idle()
	m.mu.Unlock()
	m.bc.emit(Event{Kind: KindTurn, Usage: usage})
}

func (m *MockBackend) RespondPermission(ctx context.Context, requestID string, approved bool) error {
	m.mu.Lock()
	if m.state.Phase != types.PhaseWaitingPermission || m.pending == nil || m.pending.requestID != requestID {
		m.mu.Unlock()
		return ErrNoPendingRequest
	}

	p := m.pending
	m.pending = nil

	if approved {
		m.state = types.Processing()
		m.mu.Unlock()
		m.finishTurn(p.usage)
		return nil
	}

	// Denial abandons the turn.
	m.state = types.Idle()
	m.mu.Unlock()
	m.bc.emit(Event{Kind: KindTurn, Usage: types.Usage{}})
	return nil
}

func (m *MockBackend) Subscribe() (<-chan Event, func()) {
	return m.bc.subscribe()
}

func (m *MockBackend) State() types.BackendState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MockBackend) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	m.state = types.Finished()
	m.pending = nil
	m.mu.Unlock()

	m.bc.close()
	return nil
}
