// Package session orchestrates the lifecycle of interactive sessions: it
// owns the backends, serializes operations per session, and republishes
// every backend event onto the bus.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/switchboard-ai/switchboard/internal/backend"
	"github.com/switchboard-ai/switchboard/internal/bus"
	"github.com/switchboard-ai/switchboard/internal/event"
	"github.com/switchboard-ai/switchboard/internal/metrics"
	"github.com/switchboard-ai/switchboard/pkg/types"
)

const defaultShutdownTimeout = 5 * time.Second

// DefaultClientID is the identity attributed to callers that do not present
// one.
const DefaultClientID = "local"

// Manager is the session registry. The registry lock guards only the id to
// entry map; each entry serializes its own operations, so work on one
// session never blocks work on another, and listings never wait on either.
type Manager struct {
	bus             *bus.Bus
	factory         backend.Factory
	logger          zerolog.Logger
	shutdownTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithShutdownTimeout bounds how long Close waits for a backend to shut
// down before declaring ErrShutdownTimeout.
func WithShutdownTimeout(d time.Duration) Option {
	return func(m *Manager) { m.shutdownTimeout = d }
}

// WithLogger sets the base logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a manager producing backends through factory.
func NewManager(b *bus.Bus, factory backend.Factory, opts ...Option) *Manager {
	m := &Manager{
		bus:             b,
		factory:         factory,
		logger:          zerolog.Nop(),
		shutdownTimeout: defaultShutdownTimeout,
		sessions:        make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateOptions carries the caller-provided parts of a new session.
type CreateOptions struct {
	Name  string
	Owner string
	// Resume names a prior backend conversation to continue, for drivers
	// that support it.
	Resume string
}

// Create builds a backend via the factory and registers a session around
// it. The creator becomes owner and first subscriber, and session.created
// is published before Create returns.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (types.SessionInfo, error) {
	b, err := m.factory(ctx, opts.Resume)
	if err != nil {
		return types.SessionInfo{}, fmt.Errorf("create backend: %w", err)
	}
	return m.CreateWithBackend(ctx, b, opts)
}

// CreateWithBackend registers a session around an existing backend. This is
// the injection seam Create goes through; tests hand it mock backends.
func (m *Manager) CreateWithBackend(ctx context.Context, b backend.Backend, opts CreateOptions) (types.SessionInfo, error) {
	owner := opts.Owner
	if owner == "" {
		owner = DefaultClientID
	}
	s := newSession(generateID(), opts.Name, owner, b)

	// Attach the bridge before the session is reachable, so no backend
	// event can slip out unobserved.
	events, cancel := b.Subscribe()
	s.bridgeCancel = cancel

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		b.Shutdown(ctx)
		return types.SessionInfo{}, ErrManagerClosed
	}
	m.sessions[s.id] = s
	count := len(m.sessions)
	m.mu.Unlock()

	go m.bridge(s, events)
	metrics.RecordActiveSessions(count)

	info := s.info()
	if _, err := m.bus.Publish(ctx, event.New(s.id, event.SessionCreated, event.SessionCreatedPayload{Info: info})); err != nil {
		// Nothing downstream may learn about a session whose creation event
		// was lost; undo the registration.
		m.remove(s.id)
		s.bridgeCancel()
		b.Shutdown(ctx)
		return types.SessionInfo{}, fmt.Errorf("publish session.created: %w", err)
	}

	m.logger.Info().Str("sessionID", s.id).Str("owner", owner).Msg("session created")
	return info, nil
}

// Send delivers user input to a session's backend. It publishes
// input.received, then forwards to the backend while holding the session's
// operation slot. Sends on different sessions proceed in parallel.
func (m *Manager) Send(ctx context.Context, id, input, origin string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := s.acquire(ctx); err != nil {
		return opError("send", id, err)
	}
	defer s.release()

	if _, err := m.bus.Publish(ctx, event.New(id, event.InputReceived, event.InputPayload{Text: input, Origin: origin})); err != nil {
		metrics.IncSend("error")
		return opError("send", id, err)
	}

	if err := s.backend.Send(ctx, input); err != nil {
		metrics.IncSend(sendOutcome(err))
		return opError("send", id, err)
	}
	metrics.IncSend("accepted")
	return nil
}

// RespondPermission resolves a pending permission request and publishes
// permission.resolved on success.
func (m *Manager) RespondPermission(ctx context.Context, id, requestID string, approved bool) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := s.acquire(ctx); err != nil {
		return opError("respond_permission", id, err)
	}
	defer s.release()

	if err := s.backend.RespondPermission(ctx, requestID, approved); err != nil {
		return opError("respond_permission", id, err)
	}
	if _, err := m.bus.Publish(ctx, event.New(id, event.PermissionResolved, event.PermissionResolvedPayload{RequestID: requestID, Approved: approved})); err != nil {
		// The backend accepted the decision; the caller still needs to know
		// the record of it was not written.
		return opError("respond_permission", id, err)
	}
	return nil
}

// Get returns the summary snapshot for one session.
func (m *Manager) Get(id string) (types.SessionInfo, error) {
	s, err := m.lookup(id)
	if err != nil {
		return types.SessionInfo{}, err
	}
	return s.info(), nil
}

// List returns a snapshot of every session, oldest first. It reads the
// registry lock and per-entry metadata only, so it returns promptly even
// while sends are in flight.
func (m *Manager) List() []types.SessionInfo {
	m.mu.RLock()
	entries := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		entries = append(entries, s)
	}
	m.mu.RUnlock()

	infos := make([]types.SessionInfo, 0, len(entries))
	for _, s := range entries {
		infos = append(infos, s.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Time.Created != infos[j].Time.Created {
			return infos[i].Time.Created < infos[j].Time.Created
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// State returns a session's backend state.
func (m *Manager) State(id string) (types.BackendState, error) {
	s, err := m.lookup(id)
	if err != nil {
		return types.BackendState{}, err
	}
	return s.backend.State(), nil
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Rename sets a session's display name and publishes session.updated.
func (m *Manager) Rename(ctx context.Context, id, name string) (types.SessionInfo, error) {
	s, err := m.lookup(id)
	if err != nil {
		return types.SessionInfo{}, err
	}
	s.rename(name)
	return m.publishUpdated(ctx, s)
}

// SubscribeClient adds a client to a session's subscriber set.
func (m *Manager) SubscribeClient(ctx context.Context, id, clientID string) (types.SessionInfo, error) {
	s, err := m.lookup(id)
	if err != nil {
		return types.SessionInfo{}, err
	}
	if !s.subscribe(clientID) {
		return s.info(), nil
	}
	return m.publishUpdated(ctx, s)
}

// UnsubscribeClient removes a client from a session's subscriber set. The
// owner is refused; transfer ownership first.
func (m *Manager) UnsubscribeClient(ctx context.Context, id, clientID string) (types.SessionInfo, error) {
	s, err := m.lookup(id)
	if err != nil {
		return types.SessionInfo{}, err
	}
	if err := s.unsubscribe(clientID); err != nil {
		return types.SessionInfo{}, opError("unsubscribe", id, err)
	}
	return m.publishUpdated(ctx, s)
}

// TransferOwnership makes clientID the session's owner, subscribing it if
// it was not already.
func (m *Manager) TransferOwnership(ctx context.Context, id, clientID string) (types.SessionInfo, error) {
	s, err := m.lookup(id)
	if err != nil {
		return types.SessionInfo{}, err
	}
	if !s.transferOwner(clientID) {
		return s.info(), nil
	}
	return m.publishUpdated(ctx, s)
}

// IsSubscriber reports whether clientID receives events for session id.
// Unknown sessions report false.
func (m *Manager) IsSubscriber(id, clientID string) bool {
	s, err := m.lookup(id)
	if err != nil {
		return false
	}
	return s.isSubscriber(clientID)
}

// Close removes a session and shuts its backend down. It competes for the
// session's operation slot like any other operation, bounds the backend
// shutdown with the configured timeout, and publishes session.closed. A
// timeout surfaces as ErrShutdownTimeout; the session is gone either way.
func (m *Manager) Close(ctx context.Context, id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	return m.close(ctx, s, "")
}

func (m *Manager) close(ctx context.Context, s *session, reason string) error {
	if err := s.acquire(ctx); err != nil {
		return opError("close", s.id, err)
	}
	defer s.release()

	// Remove first: once Close holds the slot the session's fate is
	// sealed, and lookups must stop handing it out. Losing the removal
	// race means another closer already finished the job.
	if !m.remove(s.id) {
		return nil
	}

	shutdownErr := m.shutdownBackend(ctx, s)
	s.bridgeCancel()

	if _, err := m.bus.Publish(ctx, event.New(s.id, event.SessionClosed, event.SessionClosedPayload{Reason: reason})); err != nil {
		m.logger.Error().Err(err).Str("sessionID", s.id).Msg("publish session.closed")
		if shutdownErr == nil {
			shutdownErr = fmt.Errorf("publish session.closed: %w", err)
		}
	}

	m.logger.Info().Str("sessionID", s.id).Msg("session closed")
	return shutdownErr
}

// shutdownBackend runs Backend.Shutdown under the manager's timeout. A
// backend that overruns keeps shutting down in the background; the caller
// is not held hostage.
func (m *Manager) shutdownBackend(ctx context.Context, s *session) error {
	sctx, cancel := context.WithTimeout(ctx, m.shutdownTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.backend.Shutdown(sctx) }()

	select {
	case err := <-done:
		if err != nil {
			return opError("shutdown", s.id, err)
		}
		return nil
	case <-sctx.Done():
		m.logger.Warn().Str("sessionID", s.id).Dur("timeout", m.shutdownTimeout).Msg("backend shutdown overran")
		return opError("shutdown", s.id, ErrShutdownTimeout)
	}
}

// Shutdown closes every session in parallel and stops accepting new ones.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		entries = append(entries, s)
	}
	m.mu.Unlock()

	// Plain group, not WithContext: one session overrunning its shutdown
	// must not cancel the others mid-close.
	var g errgroup.Group
	for _, s := range entries {
		g.Go(func() error {
			return m.close(ctx, s, "server shutdown")
		})
	}
	return g.Wait()
}

func (m *Manager) lookup(id string) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// remove deletes the registry entry. Reports whether it was present.
func (m *Manager) remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	metrics.RecordActiveSessions(len(m.sessions))
	return true
}

func (m *Manager) publishUpdated(ctx context.Context, s *session) (types.SessionInfo, error) {
	info := s.info()
	if _, err := m.bus.Publish(ctx, event.New(s.id, event.SessionUpdated, event.SessionUpdatedPayload{Info: info})); err != nil {
		return types.SessionInfo{}, fmt.Errorf("publish session.updated: %w", err)
	}
	return info, nil
}

// bridge republishes one backend's event stream onto the bus, in stream
// order, tagged with the session id. It also folds turn usage into the
// session summary. The goroutine ends when the backend stream closes.
func (m *Manager) bridge(s *session, events <-chan backend.Event) {
	for ev := range events {
		var env event.Envelope
		switch ev.Kind {
		case backend.KindDelta:
			env = event.New(s.id, event.OutputDelta, event.OutputDeltaPayload{Text: ev.Text})
		case backend.KindTurn:
			s.addUsage(ev.Usage)
			env = event.New(s.id, event.TurnCompleted, event.TurnCompletedPayload{Usage: ev.Usage})
		case backend.KindPermission:
			env = event.New(s.id, event.PermissionRequested, event.PermissionRequestedPayload{
				RequestID: ev.RequestID,
				Tool:      ev.Tool,
				Title:     ev.Title,
			})
		case backend.KindError:
			metrics.IncBackendError(ev.Recoverable)
			env = event.New(s.id, event.BackendError, event.BackendErrorPayload{
				Message:     ev.Message,
				Recoverable: ev.Recoverable,
			})
		default:
			continue
		}
		if _, err := m.bus.Publish(context.Background(), env); err != nil {
			m.logger.Error().Err(err).Str("sessionID", s.id).Str("type", string(env.Type)).Msg("republish backend event")
		}
	}
}

func sendOutcome(err error) string {
	switch {
	case errors.Is(err, backend.ErrBusy):
		return "busy"
	case errors.Is(err, backend.ErrFinished):
		return "finished"
	default:
		return "error"
	}
}

// generateID returns a new session id.
func generateID() string {
	return ulid.Make().String()
}
