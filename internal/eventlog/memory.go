package eventlog

import (
	"context"
	"fmt"
	"sync"

	"github.com/switchboard-ai/switchboard/internal/event"
)

// MemoryLog is the in-process Log implementation. Offsets are dense,
// starting at 1. Nothing survives a restart.
type MemoryLog struct {
	mu        sync.RWMutex
	events    []event.Envelope
	committed map[string]Offset
	closed    bool
}

// NewMemoryLog returns an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{committed: make(map[string]Offset)}
}

// Append stores the envelope and returns its offset.
func (l *MemoryLog) Append(ctx context.Context, env event.Envelope) (Offset, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}

	l.events = append(l.events, env)
	return Offset(len(l.events)), nil
}

// Read returns events with offsets strictly greater than after.
func (l *MemoryLog) Read(ctx context.Context, after Offset, max int) ([]event.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}

	if int(after) >= len(l.events) {
		return nil, nil
	}
	tail := l.events[after:]
	if max > 0 && len(tail) > max {
		tail = tail[:max]
	}

	out := make([]event.Envelope, len(tail))
	copy(out, tail)
	return out, nil
}

// Last returns the most recently appended envelope.
func (l *MemoryLog) Last(ctx context.Context) (event.Envelope, bool, error) {
	if err := ctx.Err(); err != nil {
		return event.Envelope{}, false, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return event.Envelope{}, false, ErrClosed
	}
	if len(l.events) == 0 {
		return event.Envelope{}, false, nil
	}
	return l.events[len(l.events)-1], true, nil
}

// Consumer opens a consumer for the named group.
func (l *MemoryLog) Consumer(ctx context.Context, group string, seek Seek) (Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}

	pos, ok := l.committed[group]
	if !ok {
		switch seek.kind {
		case seekBeginning:
			pos = 0
		case seekEnd:
			pos = Offset(len(l.events))
		case seekOffset:
			pos = seek.offset
		}
	}

	return &memoryConsumer{log: l, group: group, pos: pos}, nil
}

// Close discards the log. Subsequent operations return ErrClosed.
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *MemoryLog) commit(group string, pos Offset) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	if cur, ok := l.committed[group]; ok && pos < cur {
		return fmt.Errorf("group %s: commit %d behind committed %d: %w",
			group, pos, cur, ErrNonMonotonicCommit)
	}
	l.committed[group] = pos
	return nil
}

type memoryConsumer struct {
	log   *MemoryLog
	group string
	pos   Offset
}

func (c *memoryConsumer) Poll(ctx context.Context, max int) (Batch, error) {
	events, err := c.log.Read(ctx, c.pos, max)
	if err != nil {
		return Batch{}, err
	}
	if len(events) == 0 {
		return Batch{}, nil
	}

	// Memory offsets are dense, so the batch ends at pos + len.
	c.pos += Offset(len(events))
	return Batch{Events: events, Last: c.pos}, nil
}

func (c *memoryConsumer) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.log.commit(c.group, c.pos)
}
