package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/switchboard-ai/switchboard/internal/bus"
	"github.com/switchboard-ai/switchboard/internal/event"
	"github.com/switchboard-ai/switchboard/internal/eventlog"
)

// fakeHost records deliveries and can fail, block, or answer with canned
// results per sequence number.
type fakeHost struct {
	mu                sync.Mutex
	delivered         []event.Envelope
	attempted         []uint64
	results           map[uint64][]Result
	errs              map[uint64]error
	blockSeq          uint64
	blockFor          time.Duration
	handshakeFailures int
	handshakes        int
	closed            bool
}

func (f *fakeHost) Handshake(ctx context.Context) (HostInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handshakes++
	if f.handshakeFailures > 0 {
		f.handshakeFailures--
		return HostInfo{}, errors.New("host warming up")
	}
	return HostInfo{Name: "fake", Version: "1.0.0"}, nil
}

func (f *fakeHost) Dispatch(ctx context.Context, env event.Envelope) ([]Result, error) {
	f.mu.Lock()
	f.attempted = append(f.attempted, env.Seq)
	block := f.blockSeq != 0 && f.blockSeq == env.Seq
	wait := f.blockFor
	failure := f.errs[env.Seq]
	f.mu.Unlock()

	if block {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	if failure != nil {
		return nil, failure
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, env)
	return f.results[env.Seq], nil
}

func (f *fakeHost) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeHost) deliveredSeqs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	seqs := make([]uint64, len(f.delivered))
	for i, env := range f.delivered {
		seqs[i] = env.Seq
	}
	return seqs
}

func newTestLog(t *testing.T) (*eventlog.MemoryLog, *bus.Bus) {
	t.Helper()
	log := eventlog.NewMemoryLog()
	b, err := bus.New(context.Background(), log)
	if err != nil {
		t.Fatalf("bus: %v", err)
	}
	t.Cleanup(func() {
		b.Close()
		log.Close()
	})
	return log, b
}

func publish(t *testing.T, b *bus.Bus, sessionID string, typ event.Type, payload any) event.Envelope {
	t.Helper()
	env, err := b.Publish(context.Background(), event.New(sessionID, typ, payload))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return env
}

// startDispatcher runs the dispatcher in the background and returns a stop
// function that cancels it and waits for Run to return.
func startDispatcher(t *testing.T, d *Dispatcher) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := d.Run(ctx); err != nil {
			t.Errorf("dispatcher run: %v", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDispatcher_DeliversEveryEventInOrder(t *testing.T) {
	log, b := newTestLog(t)
	host := &fakeHost{}
	d := New(log, host, WithPollInterval(10*time.Millisecond))

	for i := 0; i < 3; i++ {
		publish(t, b, "ses-1", event.OutputDelta, event.OutputDeltaPayload{Text: "x"})
	}

	stop := startDispatcher(t, d)
	waitFor(t, "backlog delivery", func() bool { return len(host.deliveredSeqs()) == 3 })

	publish(t, b, "ses-1", event.TurnCompleted, event.TurnCompletedPayload{})
	publish(t, b, "ses-2", event.SessionClosed, event.SessionClosedPayload{})
	waitFor(t, "live delivery", func() bool { return len(host.deliveredSeqs()) == 5 })
	stop()

	seqs := host.deliveredSeqs()
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Errorf("delivery %d has seq %d, want %d", i, seq, i+1)
		}
	}
	if host.handshakes != 1 {
		t.Errorf("handshakes = %d, want 1", host.handshakes)
	}
	if !host.closed {
		t.Error("host not closed after Run returned")
	}
}

func TestDispatcher_ResumesFromCommittedOffset(t *testing.T) {
	log, b := newTestLog(t)
	ctx := context.Background()

	publish(t, b, "ses-1", event.OutputDelta, event.OutputDeltaPayload{Text: "one"})
	publish(t, b, "ses-1", event.OutputDelta, event.OutputDeltaPayload{Text: "two"})

	first := &fakeHost{}
	stop := startDispatcher(t, New(log, first, WithPollInterval(10*time.Millisecond)))
	waitFor(t, "first run delivery", func() bool { return len(first.deliveredSeqs()) == 2 })
	// A fresh consumer resumes at the group's committed offset, so an
	// empty poll proves the batch was committed.
	waitFor(t, "group commit", func() bool {
		c, err := log.Consumer(ctx, DefaultGroup, eventlog.SeekBeginning())
		if err != nil {
			return false
		}
		batch, err := c.Poll(ctx, 1)
		return err == nil && batch.Empty()
	})
	stop()

	publish(t, b, "ses-1", event.OutputDelta, event.OutputDeltaPayload{Text: "three"})
	publish(t, b, "ses-1", event.TurnCompleted, event.TurnCompletedPayload{})

	second := &fakeHost{}
	stop2 := startDispatcher(t, New(log, second, WithPollInterval(10*time.Millisecond)))
	defer stop2()

	waitFor(t, "resumed delivery", func() bool { return len(second.deliveredSeqs()) == 2 })
	seqs := second.deliveredSeqs()
	if seqs[0] != 3 || seqs[1] != 4 {
		t.Errorf("resumed delivery seqs = %v, want [3 4]", seqs)
	}
}

func TestDispatcher_FailingEventDoesNotDamStream(t *testing.T) {
	log, b := newTestLog(t)
	host := &fakeHost{errs: map[uint64]error{2: errors.New("plugin exploded")}}
	d := New(log, host, WithPollInterval(10*time.Millisecond))

	for i := 0; i < 3; i++ {
		publish(t, b, "ses-1", event.OutputDelta, event.OutputDeltaPayload{Text: "x"})
	}

	stop := startDispatcher(t, d)
	defer stop()

	waitFor(t, "deliveries past the failure", func() bool {
		seqs := host.deliveredSeqs()
		return len(seqs) == 2 && seqs[0] == 1 && seqs[1] == 3
	})

	host.mu.Lock()
	attempted := len(host.attempted)
	host.mu.Unlock()
	if attempted != 3 {
		t.Errorf("attempted = %d deliveries, want 3", attempted)
	}
}

func TestDispatcher_TimeoutDoesNotDamStream(t *testing.T) {
	log, b := newTestLog(t)
	host := &fakeHost{blockSeq: 1, blockFor: time.Minute}
	d := New(log, host,
		WithPollInterval(10*time.Millisecond),
		WithCallTimeout(30*time.Millisecond),
	)

	publish(t, b, "ses-1", event.OutputDelta, event.OutputDeltaPayload{Text: "slow"})
	publish(t, b, "ses-1", event.OutputDelta, event.OutputDeltaPayload{Text: "fast"})

	stop := startDispatcher(t, d)
	defer stop()

	waitFor(t, "delivery past the stuck event", func() bool {
		seqs := host.deliveredSeqs()
		return len(seqs) == 1 && seqs[0] == 2
	})
}

func TestDispatcher_HandshakeRetriesUntilHostReady(t *testing.T) {
	log, b := newTestLog(t)
	host := &fakeHost{handshakeFailures: 2}
	d := New(log, host,
		WithPollInterval(10*time.Millisecond),
		WithRetryInterval(10*time.Millisecond),
	)

	publish(t, b, "ses-1", event.OutputDelta, event.OutputDeltaPayload{Text: "x"})

	stop := startDispatcher(t, d)
	defer stop()

	waitFor(t, "delivery after handshake retries", func() bool {
		return len(host.deliveredSeqs()) == 1
	})

	host.mu.Lock()
	handshakes := host.handshakes
	host.mu.Unlock()
	if handshakes != 3 {
		t.Errorf("handshakes = %d, want 3", handshakes)
	}
}

func TestDispatcher_ResultHandlerGetsResultsUntouched(t *testing.T) {
	log, b := newTestLog(t)
	raw := json.RawMessage(`{"note":"opaque to the core","n":[1,2,3]}`)
	host := &fakeHost{results: map[uint64][]Result{
		1: {{Type: "analysis", Data: raw}, {Type: "ack"}},
	}}

	var mu sync.Mutex
	var got []Result
	var forSeq uint64
	d := New(log, host,
		WithPollInterval(10*time.Millisecond),
		WithResultHandler(func(env event.Envelope, results []Result) {
			mu.Lock()
			defer mu.Unlock()
			forSeq = env.Seq
			got = append(got, results...)
		}),
	)

	publish(t, b, "ses-1", event.InputReceived, event.InputPayload{Text: "hi", Origin: "api"})

	stop := startDispatcher(t, d)
	defer stop()

	waitFor(t, "results handed over", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if forSeq != 1 {
		t.Errorf("results attributed to seq %d, want 1", forSeq)
	}
	if got[0].Type != "analysis" || string(got[0].Data) != string(raw) {
		t.Errorf("result 0 = %+v, data %s", got[0], got[0].Data)
	}
	if got[1].Type != "ack" || got[1].Data != nil {
		t.Errorf("result 1 = %+v", got[1])
	}
}
