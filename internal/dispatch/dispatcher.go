// Package dispatch feeds logged events to a plugin host across a process
// boundary. The dispatcher owns a consumer group, so every appended event
// is eventually offered to the host, with a hard timeout on each delivery.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/switchboard-ai/switchboard/internal/event"
	"github.com/switchboard-ai/switchboard/internal/eventlog"
	"github.com/switchboard-ai/switchboard/internal/metrics"
)

// DefaultGroup is the consumer group the dispatcher commits under.
const DefaultGroup = "plugins"

const (
	pollBatch           = 64
	defaultPollInterval = 200 * time.Millisecond
	defaultCallTimeout  = 10 * time.Second
	defaultRetryInitial = time.Second
	retryMaxInterval    = 30 * time.Second
)

// Dispatcher drives one Host from the event log.
type Dispatcher struct {
	log    eventlog.Log
	host   Host
	group  string
	logger zerolog.Logger

	interval     time.Duration
	callTimeout  time.Duration
	retryInitial time.Duration

	onResults func(event.Envelope, []Result)

	// plugin is the host's handshake name, used as the metric label.
	plugin string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithGroup sets the consumer group name.
func WithGroup(name string) Option {
	return func(d *Dispatcher) {
		if name != "" {
			d.group = name
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithPollInterval sets how long the dispatcher waits between polls when
// the log has nothing new.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

// WithCallTimeout bounds a single delivery to the host.
func WithCallTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.callTimeout = timeout
		}
	}
}

// WithRetryInterval sets the initial backoff after a failure.
func WithRetryInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.retryInitial = interval
		}
	}
}

// WithResultHandler registers a callback for results the host returns.
// The dispatcher hands them over uninterpreted.
func WithResultHandler(fn func(event.Envelope, []Result)) Option {
	return func(d *Dispatcher) { d.onResults = fn }
}

// New creates a dispatcher over the given log and host.
func New(log eventlog.Log, host Host, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		log:          log,
		host:         host,
		group:        DefaultGroup,
		logger:       zerolog.Nop(),
		interval:     defaultPollInterval,
		callTimeout:  defaultCallTimeout,
		retryInitial: defaultRetryInitial,
		plugin:       "unknown",
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run connects to the host and consumes the log until ctx is canceled,
// returning nil on cancellation. Consumer failures reopen at the group's
// committed offset under exponential backoff.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.host.Close()

	if err := d.handshake(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	bo := d.newBackoff(ctx)
	for {
		start := time.Now()
		err := d.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, eventlog.ErrClosed) {
			// The log is gone for good; retrying cannot help.
			return err
		}

		// A consumer that ran for a while before failing starts its
		// retry schedule over.
		if time.Since(start) > time.Minute {
			bo.Reset()
		}
		next := bo.NextBackOff()
		if next == backoff.Stop {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		d.logger.Error().Err(err).Dur("retryIn", next).Msg("dispatch consumer failed, reopening")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(next):
		}
	}
}

// handshake connects to the host, retrying under backoff until it answers
// or ctx ends. A host that is still starting up gets time to come around.
func (d *Dispatcher) handshake(ctx context.Context) error {
	bo := d.newBackoff(ctx)
	for {
		hctx, cancel := context.WithTimeout(ctx, d.callTimeout)
		info, err := d.host.Handshake(hctx)
		cancel()
		if err == nil {
			d.plugin = info.Name
			d.logger.Info().
				Str("plugin", info.Name).
				Str("version", info.Version).
				Msg("plugin host connected")
			return nil
		}

		next := bo.NextBackOff()
		if next == backoff.Stop {
			return err
		}
		d.logger.Warn().Err(err).Dur("retryIn", next).Msg("plugin handshake failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(next):
		}
	}
}

// consume delivers batches until an error or cancellation. A batch is
// committed only after every event in it was offered to the host, so a
// cut-short run redelivers rather than skips.
func (d *Dispatcher) consume(ctx context.Context) error {
	c, err := d.log.Consumer(ctx, d.group, eventlog.SeekBeginning())
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
			case <-time.After(d.interval):
			}
			continue
		}

		for _, env := range batch.Events {
			d.deliver(ctx, env)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		if err := c.Commit(ctx); err != nil {
			return err
		}
	}
}

// deliver offers one event to the host. A failing or overrunning delivery
// is counted and skipped; one bad event must not dam the stream.
func (d *Dispatcher) deliver(ctx context.Context, env event.Envelope) {
	cctx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	start := time.Now()
	results, err := d.host.Dispatch(cctx, env)
	elapsed := time.Since(start).Seconds()

	if ctx.Err() != nil {
		return
	}

	switch {
	case err == nil:
		metrics.ObservePluginDispatch(d.plugin, "ok", elapsed)
		if d.onResults != nil && len(results) > 0 {
			d.onResults(env, results)
		}
		d.logger.Debug().
			Uint64("seq", env.Seq).
			Int("results", len(results)).
			Msg("event dispatched")
	case errors.Is(err, context.DeadlineExceeded):
		metrics.ObservePluginDispatch(d.plugin, "timeout", elapsed)
		d.logger.Warn().
			Uint64("seq", env.Seq).
			Dur("timeout", d.callTimeout).
			Msg("plugin dispatch timed out")
	default:
		metrics.ObservePluginDispatch(d.plugin, "error", elapsed)
		d.logger.Warn().Err(err).Uint64("seq", env.Seq).Msg("plugin dispatch failed")
	}
}

// newBackoff builds the retry schedule: exponential with jitter, capped
// interval, no overall deadline.
func (d *Dispatcher) newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.retryInitial
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(b, ctx)
}
