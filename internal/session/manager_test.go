package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/switchboard-ai/switchboard/internal/backend"
	"github.com/switchboard-ai/switchboard/internal/bus"
	"github.com/switchboard-ai/switchboard/internal/event"
	"github.com/switchboard-ai/switchboard/internal/eventlog"
	"github.com/switchboard-ai/switchboard/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *bus.Bus) {
	t.Helper()
	log := eventlog.NewMemoryLog()
	b, err := bus.New(context.Background(), log)
	if err != nil {
		t.Fatalf("bus: %v", err)
	}
	m := NewManager(b, nil, opts...)
	t.Cleanup(func() {
		m.Shutdown(context.Background())
		b.Close()
		log.Close()
	})
	return m, b
}

// waitType receives bus envelopes until one of the wanted type arrives.
func waitType(t *testing.T, ch <-chan event.Envelope, want event.Type) event.Envelope {
	t.Helper()
	return waitTypes(t, ch, want)[want]
}

// waitTypes receives until one envelope of every wanted type has arrived.
// The relative publish order of independent producers is not fixed, so
// callers that need several types collect them in one pass.
func waitTypes(t *testing.T, ch <-chan event.Envelope, want ...event.Type) map[event.Type]event.Envelope {
	t.Helper()
	got := make(map[event.Type]event.Envelope, len(want))
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				t.Fatalf("bus subscription closed while waiting for %v", want)
			}
			for _, w := range want {
				if env.Type == w {
					if _, seen := got[w]; !seen {
						got[w] = env
					}
				}
			}
			if len(got) == len(want) {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v, have %v", want, got)
		}
	}
}

func TestManager_CreateRegistersAndPublishes(t *testing.T) {
	m, b := newTestManager(t)

	info, err := m.CreateWithBackend(context.Background(), backend.NewMockBackend(), CreateOptions{Name: "build"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if info.ID == "" || info.Name != "build" {
		t.Errorf("info = %+v", info)
	}
	if info.Ownership.Owner != DefaultClientID {
		t.Errorf("owner = %q, want %q", info.Ownership.Owner, DefaultClientID)
	}
	if len(info.Ownership.Subscribers) != 1 || info.Ownership.Subscribers[0] != DefaultClientID {
		t.Errorf("subscribers = %v, want just the owner", info.Ownership.Subscribers)
	}
	if info.State.Phase != types.PhaseIdle {
		t.Errorf("phase = %s, want idle", info.State.Phase)
	}
	if m.Count() != 1 {
		t.Errorf("count = %d, want 1", m.Count())
	}

	events, err := b.EventsFrom(context.Background(), 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].Type != event.SessionCreated {
		t.Fatalf("events = %+v, want one session.created", events)
	}
	payload, ok := events[0].Payload.(event.SessionCreatedPayload)
	if !ok {
		t.Fatalf("payload type %T", events[0].Payload)
	}
	if payload.Info.ID != info.ID {
		t.Errorf("payload info = %+v", payload.Info)
	}
}

func TestManager_SendPublishesInputFirst(t *testing.T) {
	m, b := newTestManager(t)

	info, err := m.CreateWithBackend(context.Background(), backend.NewMockBackend(), CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	sub, err := b.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := m.Send(context.Background(), info.ID, "hello there", "api"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitType(t, sub, event.TurnCompleted)

	events, err := b.EventsFrom(context.Background(), 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var inputSeq, deltaSeq uint64
	for _, env := range events {
		switch env.Type {
		case event.InputReceived:
			inputSeq = env.Seq
			p := env.Payload.(event.InputPayload)
			if p.Text != "hello there" || p.Origin != "api" {
				t.Errorf("input payload = %+v", p)
			}
		case event.OutputDelta:
			if deltaSeq == 0 {
				deltaSeq = env.Seq
			}
		}
	}
	if inputSeq == 0 || deltaSeq == 0 {
		t.Fatalf("missing input (%d) or delta (%d) in %+v", inputSeq, deltaSeq, events)
	}
	if inputSeq >= deltaSeq {
		t.Errorf("input.received seq %d not before first output.delta seq %d", inputSeq, deltaSeq)
	}

	// The mock echoes input, so usage equals the input length on each side.
	got, err := m.Get(info.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	wantTokens := uint32(len("hello there"))
	if got.Usage.InputTokens != wantTokens || got.Usage.OutputTokens != wantTokens {
		t.Errorf("usage = %+v, want %d/%d", got.Usage, wantTokens, wantTokens)
	}
}

func TestManager_SendUnknownSession(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.Send(context.Background(), "01JUNKJUNKJUNKJUNKJUNKJUNK", "hi", "api")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestManager_SendsOnDifferentSessionsRunParallel(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	slow, err := m.CreateWithBackend(ctx, backend.NewDelayBackend(backend.NewMockBackend(), 120*time.Millisecond), CreateOptions{})
	if err != nil {
		t.Fatalf("create slow: %v", err)
	}
	fast, err := m.CreateWithBackend(ctx, backend.NewDelayBackend(backend.NewMockBackend(), 100*time.Millisecond), CreateOptions{})
	if err != nil {
		t.Fatalf("create fast: %v", err)
	}

	start := time.Now()
	var wg sync.WaitGroup
	for _, id := range []string{slow.ID, fast.ID} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Send(ctx, id, "go", "test"); err != nil {
				t.Errorf("send %s: %v", id, err)
			}
		}()
	}
	wg.Wait()

	// Serialized sends would need at least the sum of the two delays.
	if elapsed := time.Since(start); elapsed >= 200*time.Millisecond {
		t.Errorf("parallel sends took %v, want close to the slower delay alone", elapsed)
	}
}

func TestManager_SendsOnSameSessionSerialize(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	info, err := m.CreateWithBackend(ctx, backend.NewDelayBackend(backend.NewMockBackend(), 60*time.Millisecond), CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Send(ctx, info.ID, "go", "test"); err != nil {
				t.Errorf("send: %v", err)
			}
		}()
	}
	wg.Wait()

	if elapsed := time.Since(start); elapsed < 120*time.Millisecond {
		t.Errorf("same-session sends took %v, want the sum of both delays", elapsed)
	}
}

func TestManager_ListFastDuringSlowSend(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	info, err := m.CreateWithBackend(ctx, backend.NewDelayBackend(backend.NewMockBackend(), 250*time.Millisecond), CreateOptions{Name: "slow"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.Send(ctx, info.ID, "crunch", "test"); err != nil {
			t.Errorf("send: %v", err)
		}
	}()
	time.Sleep(30 * time.Millisecond) // send is now holding the operation slot

	start := time.Now()
	infos := m.List()
	elapsed := time.Since(start)
	if len(infos) != 1 || infos[0].ID != info.ID {
		t.Errorf("list = %+v", infos)
	}
	if elapsed > 100*time.Millisecond {
		t.Errorf("List took %v while a send was in flight", elapsed)
	}

	if _, err := m.Get(info.ID); err != nil {
		t.Errorf("get during send: %v", err)
	}
	if n := m.Count(); n != 1 {
		t.Errorf("count = %d", n)
	}
	wg.Wait()
}

func TestManager_PermissionRoundTrip(t *testing.T) {
	m, b := newTestManager(t)
	ctx := context.Background()

	mock := backend.NewMockBackend(backend.MockTurn{
		Deltas:     []string{"about to run"},
		Permission: &backend.MockPermission{Tool: "bash", Title: "rm -r build"},
		Usage:      types.Usage{InputTokens: 4, OutputTokens: 9},
	})
	info, err := m.CreateWithBackend(ctx, mock, CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	sub, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := m.Send(ctx, info.ID, "clean", "api"); err != nil {
		t.Fatalf("send: %v", err)
	}

	perm := waitType(t, sub, event.PermissionRequested)
	p := perm.Payload.(event.PermissionRequestedPayload)
	if p.Tool != "bash" || p.Title != "rm -r build" || p.RequestID == "" {
		t.Fatalf("permission payload = %+v", p)
	}
	if st, _ := m.State(info.ID); st.Phase != types.PhaseWaitingPermission {
		t.Fatalf("phase = %s, want waiting_permission", st.Phase)
	}

	// A mismatched id resolves nothing and changes nothing.
	err = m.RespondPermission(ctx, info.ID, "req-bogus", true)
	if !errors.Is(err, ErrNoPendingPermission) {
		t.Fatalf("bogus respond = %v, want ErrNoPendingPermission", err)
	}
	if st, _ := m.State(info.ID); st.Phase != types.PhaseWaitingPermission {
		t.Fatalf("phase changed by failed respond: %s", st.Phase)
	}

	if err := m.RespondPermission(ctx, info.ID, p.RequestID, true); err != nil {
		t.Fatalf("respond: %v", err)
	}
	// The resolution record and the bridged turn event come from different
	// goroutines; wait for both without assuming their interleaving.
	got := waitTypes(t, sub, event.PermissionResolved, event.TurnCompleted)
	rp := got[event.PermissionResolved].Payload.(event.PermissionResolvedPayload)
	if rp.RequestID != p.RequestID || !rp.Approved {
		t.Errorf("resolved payload = %+v", rp)
	}
	tp := got[event.TurnCompleted].Payload.(event.TurnCompletedPayload)
	want := types.Usage{InputTokens: 4, OutputTokens: 9}
	if tp.Usage != want {
		t.Errorf("turn usage = %+v, want %+v", tp.Usage, want)
	}
}

func TestManager_RespondPermissionIdle(t *testing.T) {
	m, _ := newTestManager(t)
	info, err := m.CreateWithBackend(context.Background(), backend.NewMockBackend(), CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	err = m.RespondPermission(context.Background(), info.ID, "req-1", true)
	if !errors.Is(err, ErrNoPendingPermission) {
		t.Fatalf("err = %v, want ErrNoPendingPermission", err)
	}
}

func TestManager_BackendErrorSurfaces(t *testing.T) {
	m, b := newTestManager(t)
	ctx := context.Background()

	mock := backend.NewMockBackend(backend.MockTurn{
		Fail: &backend.MockFailure{Message: "model unavailable", Recoverable: true},
	})
	info, err := m.CreateWithBackend(ctx, mock, CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	sub, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := m.Send(ctx, info.ID, "hi", "api"); err != nil {
		t.Fatalf("send: %v", err)
	}

	env := waitType(t, sub, event.BackendError)
	p := env.Payload.(event.BackendErrorPayload)
	if p.Message != "model unavailable" || !p.Recoverable {
		t.Errorf("payload = %+v", p)
	}
	st, err := m.State(info.ID)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Phase != types.PhaseFailed || !st.Recoverable {
		t.Errorf("state = %+v", st)
	}

	// Recoverable failures permit a retry on the same session.
	if err := m.Send(ctx, info.ID, "again", "api"); err != nil {
		t.Fatalf("retry send: %v", err)
	}
}

func TestManager_RenamePublishesUpdate(t *testing.T) {
	m, b := newTestManager(t)
	ctx := context.Background()

	info, err := m.CreateWithBackend(ctx, backend.NewMockBackend(), CreateOptions{Name: "old"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	updated, err := m.Rename(ctx, info.ID, "new")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if updated.Name != "new" {
		t.Errorf("name = %q", updated.Name)
	}

	events, err := b.EventsFrom(ctx, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	last := events[len(events)-1]
	if last.Type != event.SessionUpdated {
		t.Fatalf("last event = %s, want session.updated", last.Type)
	}
	if p := last.Payload.(event.SessionUpdatedPayload); p.Info.Name != "new" {
		t.Errorf("payload = %+v", p)
	}
}

func TestManager_OwnershipLifecycle(t *testing.T) {
	m, b := newTestManager(t)
	ctx := context.Background()

	info, err := m.CreateWithBackend(ctx, backend.NewMockBackend(), CreateOptions{Owner: "alice"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := info.ID

	if _, err := m.SubscribeClient(ctx, id, "bob"); err != nil {
		t.Fatalf("subscribe bob: %v", err)
	}
	if !m.IsSubscriber(id, "bob") || !m.IsSubscriber(id, "alice") {
		t.Fatal("both alice and bob should be subscribed")
	}

	// Subscribing twice changes nothing and publishes nothing.
	before := b.CurrentSeq()
	if _, err := m.SubscribeClient(ctx, id, "bob"); err != nil {
		t.Fatalf("re-subscribe bob: %v", err)
	}
	if b.CurrentSeq() != before {
		t.Error("duplicate subscribe published an update")
	}

	// The owner cannot leave its own session.
	_, err = m.UnsubscribeClient(ctx, id, "alice")
	if !errors.Is(err, ErrOwnerUnsubscribe) {
		t.Fatalf("owner unsubscribe = %v, want ErrOwnerUnsubscribe", err)
	}

	got, err := m.TransferOwnership(ctx, id, "bob")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got.Ownership.Owner != "bob" {
		t.Errorf("owner = %q, want bob", got.Ownership.Owner)
	}
	if !m.IsSubscriber(id, "alice") {
		t.Error("previous owner should remain subscribed after transfer")
	}

	// Now alice is an ordinary subscriber and may leave.
	got, err = m.UnsubscribeClient(ctx, id, "alice")
	if err != nil {
		t.Fatalf("unsubscribe alice: %v", err)
	}
	if m.IsSubscriber(id, "alice") {
		t.Error("alice still subscribed after unsubscribe")
	}
	if len(got.Ownership.Subscribers) != 1 || got.Ownership.Subscribers[0] != "bob" {
		t.Errorf("subscribers = %v, want just bob", got.Ownership.Subscribers)
	}

	// Transferring to an unknown client subscribes it on the way in.
	got, err = m.TransferOwnership(ctx, id, "carol")
	if err != nil {
		t.Fatalf("transfer to carol: %v", err)
	}
	if got.Ownership.Owner != "carol" || !m.IsSubscriber(id, "carol") {
		t.Errorf("ownership = %+v", got.Ownership)
	}
}

func TestManager_ClosePublishesAndRemoves(t *testing.T) {
	m, b := newTestManager(t)
	ctx := context.Background()

	mock := backend.NewMockBackend()
	info, err := m.CreateWithBackend(ctx, mock, CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.Close(ctx, info.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("count = %d after close", m.Count())
	}
	if _, err := m.Get(info.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("get after close = %v, want ErrSessionNotFound", err)
	}
	if st := mock.State(); st.Phase != types.PhaseFinished {
		t.Errorf("backend phase = %s, want finished", st.Phase)
	}

	events, err := b.EventsFrom(ctx, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	last := events[len(events)-1]
	if last.Type != event.SessionClosed || last.SessionID != info.ID {
		t.Errorf("last event = %+v, want session.closed", last)
	}

	if err := m.Close(ctx, info.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second close = %v, want ErrSessionNotFound", err)
	}
}

// wedgedBackend shuts down only when released, exercising the close
// timeout.
type wedgedBackend struct {
	*backend.MockBackend
	release chan struct{}
}

func (w *wedgedBackend) Shutdown(ctx context.Context) error {
	<-w.release
	return w.MockBackend.Shutdown(ctx)
}

func TestManager_CloseTimeoutNonFatal(t *testing.T) {
	m, b := newTestManager(t, WithShutdownTimeout(30*time.Millisecond))
	ctx := context.Background()

	wedged := &wedgedBackend{MockBackend: backend.NewMockBackend(), release: make(chan struct{})}
	t.Cleanup(func() { close(wedged.release) })

	info, err := m.CreateWithBackend(ctx, wedged, CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	err = m.Close(ctx, info.ID)
	if !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("close = %v, want ErrShutdownTimeout", err)
	}

	// The session is gone despite the wedged backend.
	if m.Count() != 0 {
		t.Errorf("count = %d", m.Count())
	}
	events, err := b.EventsFrom(ctx, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if last := events[len(events)-1]; last.Type != event.SessionClosed {
		t.Errorf("last event = %s, want session.closed", last.Type)
	}
}

func TestManager_ShutdownClosesEverything(t *testing.T) {
	m, b := newTestManager(t)
	ctx := context.Background()

	backends := make([]*backend.MockBackend, 3)
	for i := range backends {
		backends[i] = backend.NewMockBackend()
		if _, err := m.CreateWithBackend(ctx, backends[i], CreateOptions{}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("count = %d after shutdown", m.Count())
	}
	for i, mb := range backends {
		if st := mb.State(); st.Phase != types.PhaseFinished {
			t.Errorf("backend %d phase = %s, want finished", i, st.Phase)
		}
	}

	events, err := b.EventsFrom(ctx, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	closed := 0
	for _, env := range events {
		if env.Type == event.SessionClosed {
			closed++
			if p := env.Payload.(event.SessionClosedPayload); p.Reason != "server shutdown" {
				t.Errorf("close reason = %q", p.Reason)
			}
		}
	}
	if closed != 3 {
		t.Errorf("session.closed events = %d, want 3", closed)
	}

	// The manager accepts nothing new afterwards.
	_, err = m.CreateWithBackend(ctx, backend.NewMockBackend(), CreateOptions{})
	if !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("create after shutdown = %v, want ErrManagerClosed", err)
	}
	if err := m.Shutdown(ctx); err != nil {
		t.Errorf("second shutdown: %v", err)
	}
}

func TestManager_ErrorTranslation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	mock := backend.NewMockBackend()
	info, err := m.CreateWithBackend(ctx, mock, CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Injected backend failures arrive wrapped in *OpError with the
	// recoverable flag intact.
	mock.SetSendError(&backend.Error{Op: "send", Err: errors.New("pipe broke"), Recoverable: true})
	err = m.Send(ctx, info.ID, "hi", "api")
	var opErr *OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("err = %T, want *OpError", err)
	}
	if opErr.Op != "send" || opErr.SessionID != info.ID {
		t.Errorf("opErr = %+v", opErr)
	}
	if !IsRecoverable(err) {
		t.Error("recoverable flag lost in translation")
	}

	mock.SetSendError(backend.ErrFinished)
	if err := m.Send(ctx, info.ID, "hi", "api"); !errors.Is(err, ErrSessionFinished) {
		t.Errorf("finished translation = %v, want ErrSessionFinished", err)
	}
	mock.SetSendError(backend.ErrBusy)
	if err := m.Send(ctx, info.ID, "hi", "api"); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("busy translation = %v, want ErrSessionBusy", err)
	}
}
