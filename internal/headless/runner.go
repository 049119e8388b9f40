// Package headless runs a single session to completion without the HTTP
// server: one input, streamed output, permission requests answered on the
// terminal or approved automatically.
package headless

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/switchboard-ai/switchboard/internal/backend"
	"github.com/switchboard-ai/switchboard/internal/bus"
	"github.com/switchboard-ai/switchboard/internal/event"
	"github.com/switchboard-ai/switchboard/internal/eventlog"
	"github.com/switchboard-ai/switchboard/internal/session"
)

// originHeadless marks input.received events produced by the runner.
const originHeadless = "headless"

// shutdownTimeout bounds backend teardown once the run ends.
const shutdownTimeout = 10 * time.Second

// Runner drives one session from input to turn completion over an
// in-memory event log. Nothing a run produces outlives the process.
type Runner struct {
	cfg    *Config
	logger zerolog.Logger
	stdin  io.Reader
	prompt io.Writer

	// answers wraps stdin once so buffered bytes survive across
	// consecutive permission prompts.
	answers *bufio.Scanner

	log     eventlog.Log
	bus     *bus.Bus
	manager *session.Manager
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithStdin sets where interactive permission answers are read from.
func WithStdin(in io.Reader) Option {
	return func(r *Runner) { r.stdin = in }
}

// WithPromptWriter sets where permission prompts are written. Prompts
// bypass the printer so json and jsonl output stays parseable.
func WithPromptWriter(w io.Writer) Option {
	return func(r *Runner) { r.prompt = w }
}

// NewRunner creates a runner for one run of cfg.
func NewRunner(cfg *Config, opts ...Option) *Runner {
	r := &Runner{
		cfg:    cfg,
		logger: zerolog.Nop(),
		stdin:  os.Stdin,
		prompt: os.Stderr,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes the session and blocks until the turn completes, the
// backend fails unrecoverably or the timeout expires. The returned Result
// is always non-nil and its ExitCode is the process exit code.
func (r *Runner) Run(ctx context.Context, out io.Writer) (*Result, error) {
	printer := NewPrinter(out, r.cfg.Format, r.cfg.Quiet, r.cfg.Verbose)
	printer.SetDriver(r.cfg.Backend.Driver)

	if strings.TrimSpace(r.cfg.Input) == "" {
		err := errors.New("input is required")
		printer.SetResult("error", ExitInvalidInput, err)
		return printer.Result(), err
	}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	if err := r.initialize(ctx); err != nil {
		printer.SetResult("error", ExitError, err)
		return printer.Result(), err
	}
	defer r.teardown()

	// Subscribe before the session exists so the stream starts at
	// session.created.
	events, err := r.bus.Subscribe(ctx)
	if err != nil {
		printer.SetResult("error", ExitError, err)
		return printer.Result(), err
	}

	name := r.cfg.Name
	if name == "" {
		name = "headless"
	}
	info, err := r.manager.Create(ctx, session.CreateOptions{Name: name, Owner: originHeadless})
	if err != nil {
		printer.SetResult("error", ExitError, err)
		return printer.Result(), err
	}
	printer.SetSessionID(info.ID)

	if err := r.manager.Send(ctx, info.ID, r.cfg.Input, originHeadless); err != nil {
		printer.SetResult("error", ExitError, err)
		return printer.Result(), err
	}

	err = r.loop(ctx, printer, info.ID, events)
	printer.PrintFinalResult()
	return printer.Result(), err
}

// initialize builds the in-process pipeline: memory log, bus, backend
// factory and session manager. One-shot runs always use the memory log;
// nothing outlives the run, so the configured event log is never opened.
func (r *Runner) initialize(ctx context.Context) error {
	r.log = eventlog.NewMemoryLog()

	b, err := bus.New(ctx, r.log, bus.WithLogger(r.logger))
	if err != nil {
		r.log.Close()
		return fmt.Errorf("create bus: %w", err)
	}
	r.bus = b

	factory, err := backend.NewFactory(r.cfg.Backend, r.logger)
	if err != nil {
		r.bus.Close()
		r.log.Close()
		return fmt.Errorf("create backend factory: %w", err)
	}

	r.manager = session.NewManager(r.bus, factory, session.WithLogger(r.logger))
	return nil
}

// teardown stops the pipeline in reverse construction order, so the
// closing events of the session still reach the bus.
func (r *Runner) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.manager.Shutdown(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("session shutdown incomplete")
	}
	r.bus.Close()
	r.log.Close()
}

// loop consumes the event stream until a terminal event for the session
// arrives. Permission requests are resolved inline, which keeps the run
// single-threaded: the backend blocks until the decision lands.
func (r *Runner) loop(ctx context.Context, printer *Printer, sessionID string, events <-chan event.Envelope) error {
	denied := false
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				printer.SetResult("timeout", ExitTimeout, errors.New("run timed out"))
			} else {
				printer.SetResult("error", ExitError, ctx.Err())
			}
			return ctx.Err()

		case env, ok := <-events:
			if !ok {
				err := errors.New("event stream closed")
				printer.SetResult("error", ExitError, err)
				return err
			}
			if env.SessionID != sessionID {
				continue
			}
			printer.Handle(env)

			switch pl := env.Payload.(type) {
			case event.PermissionRequestedPayload:
				approved := r.decide(pl)
				if err := r.manager.RespondPermission(ctx, sessionID, pl.RequestID, approved); err != nil {
					printer.SetResult("error", ExitError, err)
					return err
				}

			case event.PermissionResolvedPayload:
				if !pl.Approved {
					denied = true
				}

			case event.TurnCompletedPayload:
				if denied {
					printer.SetResult("permission_denied", ExitPermissionDenied, nil)
					return nil
				}
				printer.SetResult("success", ExitSuccess, nil)
				return nil

			case event.BackendErrorPayload:
				if pl.Recoverable {
					continue
				}
				err := errors.New(pl.Message)
				printer.SetResult("backend_error", ExitBackendError, err)
				return err
			}
		}
	}
}

// decide resolves one permission request, automatically or by asking on
// the terminal. Unanswerable prompts deny.
func (r *Runner) decide(req event.PermissionRequestedPayload) bool {
	if r.cfg.AutoApprove {
		r.logger.Info().Str("tool", req.Tool).Str("title", req.Title).Msg("permission auto-approved")
		return true
	}

	fmt.Fprintf(r.prompt, "\n[permission] %s wants to run: %s\nApprove? [y/N] ", req.Tool, req.Title)
	if r.answers == nil {
		r.answers = bufio.NewScanner(r.stdin)
	}
	if !r.answers.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(r.answers.Text()))
	return answer == "y" || answer == "yes"
}
