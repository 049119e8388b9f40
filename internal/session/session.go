package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/switchboard-ai/switchboard/internal/backend"
	"github.com/switchboard-ai/switchboard/pkg/types"
)

// session is one registry entry: the backend plus everything the manager
// tracks about it. The backend is owned exclusively by its entry and only
// reached through the manager.
type session struct {
	id      string
	created int64
	backend backend.Backend

	// ops is the per-session operation slot. Holding the token serializes
	// Send, RespondPermission and Close for this session without touching
	// any other session or the registry.
	ops chan struct{}

	// infoMu guards the metadata below. It is held only for field copies,
	// never across backend or bus calls, so List stays fast while a send is
	// in flight.
	infoMu      sync.Mutex
	name        string
	usage       types.Usage
	owner       string
	ownerSince  int64
	subscribers []string

	// bridgeCancel detaches the bridge goroutine from the backend stream.
	// Backend shutdown closes the stream anyway; the cancel covers a
	// backend wedged past the shutdown timeout.
	bridgeCancel func()
}

func newSession(id, name, owner string, b backend.Backend) *session {
	now := time.Now().UnixMilli()
	return &session{
		id:          id,
		created:     now,
		backend:     b,
		ops:         make(chan struct{}, 1),
		name:        name,
		owner:       owner,
		ownerSince:  now,
		subscribers: []string{owner},
	}
}

// acquire takes the session's operation slot, waiting until the holder
// releases it or ctx ends.
func (s *session) acquire(ctx context.Context) error {
	select {
	case s.ops <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) release() { <-s.ops }

// info snapshots the session summary. The backend state is read before the
// metadata lock; both are cheap, neither waits on the operation slot.
func (s *session) info() types.SessionInfo {
	state := s.backend.State()

	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	return types.SessionInfo{
		ID:    s.id,
		Name:  s.name,
		State: state,
		Usage: s.usage,
		Ownership: types.Ownership{
			Owner:       s.owner,
			Subscribers: slices.Clone(s.subscribers),
			Since:       s.ownerSince,
		},
		Time: types.SessionTime{Created: s.created},
	}
}

func (s *session) rename(name string) {
	s.infoMu.Lock()
	s.name = name
	s.infoMu.Unlock()
}

func (s *session) addUsage(u types.Usage) {
	s.infoMu.Lock()
	s.usage = s.usage.Add(u)
	s.infoMu.Unlock()
}

// subscribe adds a client. Reports whether the set changed.
func (s *session) subscribe(clientID string) bool {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	if slices.Contains(s.subscribers, clientID) {
		return false
	}
	s.subscribers = append(s.subscribers, clientID)
	return true
}

// unsubscribe removes a client. The owner stays subscribed for as long as it
// owns the session.
func (s *session) unsubscribe(clientID string) error {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	if clientID == s.owner {
		return ErrOwnerUnsubscribe
	}
	i := slices.Index(s.subscribers, clientID)
	if i < 0 {
		return nil
	}
	s.subscribers = slices.Delete(s.subscribers, i, i+1)
	return nil
}

// transferOwner hands the session to a new owner, subscribing it if needed.
// The previous owner stays subscribed and may unsubscribe afterwards.
func (s *session) transferOwner(clientID string) bool {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	if clientID == s.owner {
		return false
	}
	if !slices.Contains(s.subscribers, clientID) {
		s.subscribers = append(s.subscribers, clientID)
	}
	s.owner = clientID
	s.ownerSince = time.Now().UnixMilli()
	return true
}

// isSubscriber reports whether the client currently receives this session's
// events.
func (s *session) isSubscriber(clientID string) bool {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	return slices.Contains(s.subscribers, clientID)
}
