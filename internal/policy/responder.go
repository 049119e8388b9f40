package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/switchboard-ai/switchboard/internal/bus"
	"github.com/switchboard-ai/switchboard/internal/event"
	"github.com/switchboard-ai/switchboard/internal/metrics"
)

const defaultResponseTimeout = 5 * time.Second

// PermissionResponder resolves a pending permission request on a session.
// The session manager implements it.
type PermissionResponder interface {
	RespondPermission(ctx context.Context, sessionID, requestID string, approved bool) error
}

// Responder watches permission.requested events and answers the ones the
// rule set decides. Requests deciding ask stay pending for a human.
type Responder struct {
	bus     *bus.Bus
	target  PermissionResponder
	source  RuleSource
	logger  zerolog.Logger
	timeout time.Duration
}

// Option configures a Responder.
type Option func(*Responder)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Responder) { r.logger = logger }
}

// WithResponseTimeout bounds each RespondPermission call.
func WithResponseTimeout(d time.Duration) Option {
	return func(r *Responder) { r.timeout = d }
}

// NewResponder creates a responder enforcing whatever source yields.
func NewResponder(b *bus.Bus, target PermissionResponder, source RuleSource, opts ...Option) *Responder {
	r := &Responder{
		bus:     b,
		target:  target,
		source:  source,
		logger:  zerolog.Nop(),
		timeout: defaultResponseTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run consumes the live event stream until ctx is cancelled or the bus
// closes. The responder is meant to attach before any session exists, so
// no request can predate its subscription.
func (r *Responder) Run(ctx context.Context) error {
	events, err := r.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-events:
			if !ok {
				return nil
			}
			if env.Type == event.PermissionRequested {
				r.handle(ctx, env)
			}
		}
	}
}

func (r *Responder) handle(ctx context.Context, env event.Envelope) {
	p, ok := env.Payload.(event.PermissionRequestedPayload)
	if !ok {
		return
	}

	action := r.source.Current().Decide(p.Tool, p.Title)
	log := r.logger.With().
		Str("sessionID", env.SessionID).
		Str("requestID", p.RequestID).
		Str("tool", p.Tool).
		Logger()

	if action == ActionAsk {
		log.Debug().Msg("permission left for a human")
		return
	}

	approved := action == ActionAllow
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.target.RespondPermission(callCtx, env.SessionID, p.RequestID, approved); err != nil {
		// A human answered first, or the session is gone. Either way the
		// request is no longer ours.
		log.Warn().Err(err).Msg("permission auto-response failed")
		return
	}
	metrics.IncPermissionDecision(approved, "policy")
	log.Info().Bool("approved", approved).Msg("permission auto-resolved")
}
