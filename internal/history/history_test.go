package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/switchboard-ai/switchboard/internal/bus"
	"github.com/switchboard-ai/switchboard/internal/event"
	"github.com/switchboard-ai/switchboard/internal/eventlog"
	"github.com/switchboard-ai/switchboard/internal/storage"
	"github.com/switchboard-ai/switchboard/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
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

// startArchive runs the archiver in the background and returns a stop
// function that cancels it and waits for Run to return.
func startArchive(t *testing.T, a *Archive) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.Run(ctx); err != nil {
			t.Errorf("archive run: %v", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func publish(t *testing.T, b *bus.Bus, sessionID string, typ event.Type, payload any) event.Envelope {
	t.Helper()
	env, err := b.Publish(context.Background(), event.New(sessionID, typ, payload))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return env
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

func TestArchive_PersistsEventsInOrder(t *testing.T) {
	log, b := newTestLog(t)
	a := New(log, storage.New(t.TempDir()), WithPollInterval(10*time.Millisecond))

	publish(t, b, "ses-1", event.InputReceived, event.InputPayload{Text: "hello", Origin: "api"})
	publish(t, b, "ses-1", event.OutputDelta, event.OutputDeltaPayload{Text: "hi"})
	publish(t, b, "ses-2", event.SessionClosed, event.SessionClosedPayload{Reason: "done"})
	publish(t, b, "ses-1", event.TurnCompleted, event.TurnCompletedPayload{
		Usage: types.Usage{InputTokens: 3, OutputTokens: 5},
	})

	stop := startArchive(t, a)
	defer stop()

	ctx := context.Background()
	waitFor(t, "ses-1 archive", func() bool {
		events, err := a.SessionHistory(ctx, "ses-1")
		return err == nil && len(events) == 3
	})

	events, err := a.SessionHistory(ctx, "ses-1")
	if err != nil {
		t.Fatalf("session history: %v", err)
	}
	for i, env := range events {
		if env.SessionID != "ses-1" {
			t.Errorf("event %d belongs to %q", i, env.SessionID)
		}
		if i > 0 && env.Seq <= events[i-1].Seq {
			t.Errorf("archive out of order: seq %d after %d", env.Seq, events[i-1].Seq)
		}
	}

	// Payloads come back typed, not as maps.
	delta, ok := events[1].Payload.(event.OutputDeltaPayload)
	if !ok || delta.Text != "hi" {
		t.Errorf("delta payload = %#v", events[1].Payload)
	}
	turn, ok := events[2].Payload.(event.TurnCompletedPayload)
	if !ok || turn.Usage.OutputTokens != 5 {
		t.Errorf("turn payload = %#v", events[2].Payload)
	}

	other, err := a.SessionHistory(ctx, "ses-2")
	if err != nil {
		t.Fatalf("session history: %v", err)
	}
	if len(other) != 1 || other[0].Type != event.SessionClosed {
		t.Errorf("ses-2 archive = %+v", other)
	}
}

func TestArchive_ResumesFromCommittedOffset(t *testing.T) {
	log, b := newTestLog(t)
	dir := t.TempDir()

	publish(t, b, "ses-1", event.InputReceived, event.InputPayload{Text: "one", Origin: "api"})
	publish(t, b, "ses-1", event.OutputDelta, event.OutputDeltaPayload{Text: "two"})

	ctx := context.Background()
	first := New(log, storage.New(dir), WithPollInterval(10*time.Millisecond))
	stop := startArchive(t, first)
	waitFor(t, "initial archive", func() bool {
		events, err := first.SessionHistory(ctx, "ses-1")
		return err == nil && len(events) == 2
	})
	// A fresh consumer resumes at the group's committed offset, so an
	// empty poll proves both events were committed.
	waitFor(t, "group commit", func() bool {
		c, err := log.Consumer(ctx, Group, eventlog.SeekBeginning())
		if err != nil {
			return false
		}
		batch, err := c.Poll(ctx, 1)
		return err == nil && batch.Empty()
	})
	stop()

	// Remove an already committed document. An archiver that restarted
	// from the beginning would write it back; one resuming from the
	// committed offset will not.
	removed := filepath.Join(dir, "history", "ses-1", fmt.Sprintf("%012d.json", 1))
	if err := os.Remove(removed); err != nil {
		t.Fatalf("remove archived document: %v", err)
	}

	publish(t, b, "ses-1", event.OutputDelta, event.OutputDeltaPayload{Text: "three"})
	publish(t, b, "ses-1", event.TurnCompleted, event.TurnCompletedPayload{})

	second := New(log, storage.New(dir), WithPollInterval(10*time.Millisecond))
	stop2 := startArchive(t, second)
	defer stop2()

	waitFor(t, "resumed archive", func() bool {
		events, err := second.SessionHistory(ctx, "ses-1")
		return err == nil && len(events) == 3
	})

	events, err := second.SessionHistory(ctx, "ses-1")
	if err != nil {
		t.Fatalf("session history: %v", err)
	}
	want := []uint64{2, 3, 4}
	for i, env := range events {
		if env.Seq != want[i] {
			t.Errorf("event %d seq = %d, want %d", i, env.Seq, want[i])
		}
	}
	if _, err := os.Stat(removed); !os.IsNotExist(err) {
		t.Error("restarted archiver rewrote an already committed event")
	}
}

func TestArchive_SkipsSessionlessEvents(t *testing.T) {
	log, _ := newTestLog(t)
	a := New(log, storage.New(t.TempDir()), WithPollInterval(10*time.Millisecond))

	// Appended outside the bus, so no session stamp. The archiver must
	// move past it rather than retry forever.
	ctx := context.Background()
	if _, err := log.Append(ctx, event.Envelope{Seq: 1, Type: event.OutputDelta}); err != nil {
		t.Fatalf("append: %v", err)
	}
	kept := event.New("ses-1", event.OutputDelta, event.OutputDeltaPayload{Text: "kept"})
	kept.Seq = 2
	if _, err := log.Append(ctx, kept); err != nil {
		t.Fatalf("append: %v", err)
	}

	stop := startArchive(t, a)
	defer stop()

	waitFor(t, "archive past sessionless event", func() bool {
		events, err := a.SessionHistory(ctx, "ses-1")
		return err == nil && len(events) == 1
	})

	events, _ := a.SessionHistory(ctx, "ses-1")
	if delta, ok := events[0].Payload.(event.OutputDeltaPayload); !ok || delta.Text != "kept" {
		t.Errorf("payload = %#v", events[0].Payload)
	}
}

func TestArchive_SessionHistoryUnknownSession(t *testing.T) {
	log, _ := newTestLog(t)
	a := New(log, storage.New(t.TempDir()))

	events, err := a.SessionHistory(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("session history: %v", err)
	}
	if events == nil || len(events) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", events)
	}
}
