// Package eventlog provides the durable, offset-addressed record backing the
// event bus. Consumers read it in independent groups, each with its own
// committed position, without disturbing live distribution or each other.
package eventlog

import (
	"context"
	"errors"

	"github.com/switchboard-ai/switchboard/internal/event"
)

// Offset is a position within one log. Offsets live in their own namespace:
// they are not bus sequence numbers, even though the bus keeps the two
// aligned when it is the only appender.
type Offset uint64

var (
	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("event log is closed")

	// ErrNonMonotonicCommit is returned when a commit would move a group's
	// persisted offset backwards. That is a caller bug; the log refuses
	// rather than silently clamping.
	ErrNonMonotonicCommit = errors.New("commit would move group offset backwards")
)

// Seek selects the starting position for a consumer group that has no
// committed offset yet.
type Seek struct {
	kind   seekKind
	offset Offset
}

type seekKind int8

const (
	seekBeginning seekKind = iota
	seekEnd
	seekOffset
)

// SeekBeginning starts at the oldest stored event.
func SeekBeginning() Seek { return Seek{kind: seekBeginning} }

// SeekEnd starts after the newest stored event: only future appends are seen.
func SeekEnd() Seek { return Seek{kind: seekEnd} }

// SeekOffset starts strictly after the given offset.
func SeekOffset(off Offset) Seek { return Seek{kind: seekOffset, offset: off} }

// Batch is the result of one poll: the events read and the offset of the
// last one. Last is zero when the batch is empty.
type Batch struct {
	Events []event.Envelope
	Last   Offset
}

// Empty reports whether the batch holds no events.
func (b Batch) Empty() bool { return len(b.Events) == 0 }

// Log is an append-only event record with consumer-group offset tracking.
//
// Append is safe for concurrent use from unrelated tasks within one
// process. A group is expected to have a single active consumer; two
// consumers sharing a group race on commits and the monotonic check will
// reject whichever loses.
type Log interface {
	// Append stores the envelope and returns its offset.
	Append(ctx context.Context, env event.Envelope) (Offset, error)

	// Read returns stored events with offsets strictly greater than after,
	// in offset order. max limits the result; max <= 0 means no limit.
	Read(ctx context.Context, after Offset, max int) ([]event.Envelope, error)

	// Last returns the most recently appended envelope, or ok=false when
	// the log is empty.
	Last(ctx context.Context) (env event.Envelope, ok bool, err error)

	// Consumer opens a consumer for the named group. A group that has
	// committed before resumes from its committed offset and the seek is
	// ignored; otherwise the seek decides the starting position.
	Consumer(ctx context.Context, group string, seek Seek) (Consumer, error)

	// Close releases the log's resources.
	Close() error
}

// Consumer reads a log on behalf of one group. Not safe for concurrent use;
// poll loops own their consumer.
type Consumer interface {
	// Poll reads up to max events past the consumer's position and advances
	// it. The advance is in memory only until Commit.
	Poll(ctx context.Context, max int) (Batch, error)

	// Commit persists the consumer's position for its group, so a future
	// Consumer call for the same group resumes there.
	Commit(ctx context.Context) error
}
