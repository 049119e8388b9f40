package backend

import (
	"context"
	"time"

	"github.com/switchboard-ai/switchboard/pkg/types"
)

// DelayBackend delays each Send by a fixed duration before delegating.
// Everything else passes straight through. Useful for exercising the
// concurrency behavior of the layers above with realistic latencies.
type DelayBackend struct {
	inner Backend
	delay time.Duration
}

func NewDelayBackend(inner Backend, delay time.Duration) *DelayBackend {
	return &DelayBackend{inner: inner, delay: delay}
}

func (d *DelayBackend) Send(ctx context.Context, input string) error {
	select {
	case <-time.After(d.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.inner.Send(ctx, input)
}

func (d *DelayBackend) Subscribe() (<-chan Event, func()) {
	return d.inner.Subscribe()
}

func (d *DelayBackend) RespondPermission(ctx context.Context, requestID string, approved bool) error {
	return d.inner.RespondPermission(ctx, requestID, approved)
}

func (d *DelayBackend) State() types.BackendState {
	return d.inner.State()
}

func (d *DelayBackend) Shutdown(ctx context.Context) error {
	return d.inner.Shutdown(ctx)
}
