// Package bus provides the sequenced event pipeline: every event is stamped
// with the next global sequence number, appended to the durable log, then
// fanned out to live subscribers over watermill.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	"github.com/switchboard-ai/switchboard/internal/event"
	"github.com/switchboard-ai/switchboard/internal/eventlog"
	"github.com/switchboard-ai/switchboard/internal/metrics"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("event bus is closed")

const topicEvents = "events"

// Bus assigns sequence numbers and owns all appends to the event log. The
// log is the source of truth; live delivery is best effort, and a subscriber
// that falls behind loses events from its live feed, never from the log.
type Bus struct {
	log    eventlog.Log
	pubsub *gochannel.GoChannel
	logger zerolog.Logger
	buffer int

	// mu serializes stamp+append so sequence numbers and log offsets stay
	// aligned. seq mirrors the last stamped sequence for lock-free reads.
	mu     sync.Mutex
	seq    atomic.Uint64
	closed atomic.Bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithBuffer sets the per-subscriber channel buffer.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// New creates a bus over the given log and resumes the sequence from the
// log's tail, so sequences keep climbing across restarts.
func New(ctx context.Context, log eventlog.Log, opts ...Option) (*Bus, error) {
	b := &Bus{
		log:    log,
		logger: zerolog.Nop(),
		buffer: 256,
	}
	for _, opt := range opts {
		opt(b)
	}

	b.pubsub = gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer: int64(b.buffer),
			Persistent:          false,
		},
		watermill.NopLogger{},
	)

	last, ok, err := log.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("resume sequence: %w", err)
	}
	if ok {
		b.seq.Store(last.Seq)
		b.logger.Info().Uint64("seq", last.Seq).Msg("resumed sequence from event log")
	}

	return b, nil
}

// Publish stamps the envelope with the next sequence, appends it to the log
// and fans it out. The returned envelope carries the assigned sequence. A
// failed append consumes no sequence number.
func (b *Bus) Publish(ctx context.Context, env event.Envelope) (event.Envelope, error) {
	if b.closed.Load() {
		return event.Envelope{}, ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	seq := b.seq.Load() + 1
	env.Seq = seq

	off, err := b.log.Append(ctx, env)
	if err != nil {
		metrics.IncPublishFailure()
		return event.Envelope{}, fmt.Errorf("append event: %w", err)
	}
	if uint64(off) != seq {
		// The bus is the log's only appender; a mismatch means something
		// else wrote to the stream.
		return event.Envelope{}, fmt.Errorf("log offset %d diverged from sequence %d", off, seq)
	}
	b.seq.Store(seq)

	data, err := json.Marshal(env)
	if err != nil {
		return event.Envelope{}, fmt.Errorf("encode event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set("type", string(env.Type))
	msg.Metadata.Set("sessionID", env.SessionID)

	// The event is durable at this point. Fan-out failure only costs the
	// live path, replay still sees the event.
	if err := b.pubsub.Publish(topicEvents, msg); err != nil {
		b.logger.Warn().Err(err).Uint64("seq", seq).Msg("live fan-out failed")
	}

	metrics.IncEventPublished(string(env.Type))
	return env, nil
}

// Subscribe returns a channel of live events. Delivery starts with the next
// event published after the subscription and follows publish order. When the
// subscriber's buffer is full events are dropped, not queued; the channel is
// closed when ctx is canceled or the bus closes.
func (b *Bus) Subscribe(ctx context.Context) (<-chan event.Envelope, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	msgs, err := b.pubsub.Subscribe(ctx, topicEvents)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan event.Envelope, b.buffer)
	go func() {
		defer close(out)
		for msg := range msgs {
			var env event.Envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				b.logger.Error().Err(err).Str("msg", msg.UUID).Msg("malformed event on bus")
				msg.Ack()
				continue
			}

			select {
			case out <- env:
			default:
				metrics.IncSubscriberDrop("bus")
				b.logger.Warn().
					Uint64("seq", env.Seq).
					Str("sessionID", env.SessionID).
					Msg("subscriber buffer full, dropping event")
			}
			msg.Ack()
		}
	}()

	return out, nil
}

// EventsFrom returns logged events with sequence strictly greater than
// after, oldest first.
func (b *Bus) EventsFrom(ctx context.Context, after uint64) ([]event.Envelope, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	return b.log.Read(ctx, eventlog.Offset(after), 0)
}

// SessionEvents returns all logged events for one session, oldest first.
func (b *Bus) SessionEvents(ctx context.Context, sessionID string) ([]event.Envelope, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	all, err := b.log.Read(ctx, 0, 0)
	if err != nil {
		return nil, err
	}

	events := make([]event.Envelope, 0, 16)
	for _, env := range all {
		if env.SessionID == sessionID {
			events = append(events, env)
		}
	}
	return events, nil
}

// CurrentSeq returns the sequence of the most recently published event, 0
// when nothing has been published.
func (b *Bus) CurrentSeq() uint64 {
	return b.seq.Load()
}

// Close stops live fan-out. The log stays open, its owner closes it.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.pubsub.Close()
}
