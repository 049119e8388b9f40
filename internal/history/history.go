// Package history archives every published event as a JSON document and
// serves a session's archive back in sequence order. The archiver runs as a
// log consumer group, so it resumes after a restart without missing or
// duplicating events no matter how far behind it fell.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/switchboard-ai/switchboard/internal/event"
	"github.com/switchboard-ai/switchboard/internal/eventlog"
	"github.com/switchboard-ai/switchboard/internal/metrics"
	"github.com/switchboard-ai/switchboard/internal/storage"
)

// Group is the consumer group the archiver commits under.
const Group = "history"

const (
	pollBatch           = 256
	defaultPollInterval = 200 * time.Millisecond
)

// Archive persists bus events to the document store, one file per event,
// keyed so that store scan order is sequence order.
type Archive struct {
	log      eventlog.Log
	store    *storage.Store
	logger   zerolog.Logger
	interval time.Duration
}

// Option configures an Archive.
type Option func(*Archive)

// WithLogger sets the archive logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Archive) { a.logger = logger }
}

// WithPollInterval sets how long the archiver waits between polls when the
// log has nothing new.
func WithPollInterval(d time.Duration) Option {
	return func(a *Archive) {
		if d > 0 {
			a.interval = d
		}
	}
}

// New creates an archive over the given log and store.
func New(log eventlog.Log, store *storage.Store, opts ...Option) *Archive {
	a := &Archive{
		log:      log,
		store:    store,
		logger:   zerolog.Nop(),
		interval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run consumes the log under the history group until ctx is canceled,
// persisting every event. It returns nil on cancellation. Transient
// failures are logged and the consumer reopened at the group's committed
// offset, so nothing already committed is redone and nothing uncommitted
// is lost.
func (a *Archive) Run(ctx context.Context) error {
	for {
		err := a.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, eventlog.ErrClosed) {
			// The log is gone for good; retrying cannot help.
			return err
		}
		a.logger.Error().Err(err).Msg("archive consumer failed, reopening")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.interval):
		}
	}
}

// consume archives batches until an error or cancellation. Failing before
// Commit is safe: the reopened consumer replays the batch and Put
// overwrites the same documents.
func (a *Archive) consume(ctx context.Context) error {
	c, err := a.log.Consumer(ctx, Group, eventlog.SeekBeginning())
	if err != nil {
		return err
	}

	for {
		batch, err := c.Poll(ctx, pollBatch)
		if err != nil {
			return err
		}
		if batch.Empty() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.interval):
			}
			continue
		}

		for _, env := range batch.Events {
			if err := a.archive(ctx, env); err != nil {
				return err
			}
		}
		if err := c.Commit(ctx); err != nil {
			return err
		}

		metrics.AddArchived(len(batch.Events))
		a.logger.Debug().
			Int("events", len(batch.Events)).
			Uint64("offset", uint64(batch.Last)).
			Msg("archived batch")
	}
}

func (a *Archive) archive(ctx context.Context, env event.Envelope) error {
	if env.SessionID == "" {
		// No session to file it under. Dropping beats wedging the group on
		// a retry that can never succeed.
		a.logger.Warn().
			Uint64("seq", env.Seq).
			Str("type", string(env.Type)).
			Msg("event without session, not archived")
		return nil
	}
	if err := a.store.Put(ctx, docPath(env.SessionID, env.Seq), env); err != nil {
		return fmt.Errorf("archive event %d: %w", env.Seq, err)
	}
	return nil
}

// docPath keys an event by zero-padded sequence so the store's lexical
// scan order is sequence order.
func docPath(sessionID string, seq uint64) []string {
	return []string{"history", sessionID, fmt.Sprintf("%012d", seq)}
}

// SessionHistory returns the archived events of one session in sequence
// order. A session with no archive returns an empty slice.
func (a *Archive) SessionHistory(ctx context.Context, sessionID string) ([]event.Envelope, error) {
	events := []event.Envelope{}
	err := a.store.Scan(ctx, []string{"history", sessionID}, func(key string, data json.RawMessage) error {
		var env event.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("decode archived event %s: %w", key, err)
		}
		events = append(events, env)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}
