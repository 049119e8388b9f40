package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"

	"github.com/switchboard-ai/switchboard/pkg/types"
)

// ProcessConfig configures the assistant CLI process.
type ProcessConfig struct {
	// Command is the assistant binary, default "claude".
	Command string
	// Args are appended after the protocol flags.
	Args    []string
	WorkDir string
	// Resume names a prior CLI conversation to continue on first spawn.
	Resume string
}

// ProcessBackend drives a long-running assistant CLI over NDJSON
// (stream-json dialect): user messages and control responses go to stdin,
// system/stream_event/result/control_request lines come back on stdout. The
// process is spawned lazily on the first Send and respawned with --resume
// after a crash.
type ProcessBackend struct {
	cfg    ProcessConfig
	logger zerolog.Logger
	bc     *broadcaster

	mu       sync.Mutex
	state    types.BackendState
	remoteID string // the CLI's own conversation id, captured from its events
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	cancel   context.CancelFunc
	started  bool
	gen      int // spawn generation, keeps a stale readLoop from clobbering a respawn
	shutdown bool

	stdinMu sync.Mutex
}

func NewProcessBackend(cfg ProcessConfig, logger zerolog.Logger) *ProcessBackend {
	return &ProcessBackend{
		cfg:      cfg,
		logger:   logger,
		bc:       newBroadcaster(),
		state:    types.Idle(),
		remoteID: cfg.Resume,
	}
}

// processLine is one NDJSON line from the CLI's stdout.
type processLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Result    string          `json:"result,omitempty"`
	Usage     *processUsage   `json:"usage,omitempty"`
}

type processUsage struct {
	InputTokens  uint32 `json:"input_tokens"`
	OutputTokens uint32 `json:"output_tokens"`
}

// userMessage is the stdin frame carrying one user input.
type userMessage struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id,omitempty"`
	Message   userMessageInner `json:"message"`
}

type userMessageInner struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// controlResponse answers a control_request permission prompt.
type controlResponse struct {
	Type     string               `json:"type"`
	Response controlResponseInner `json:"response"`
}

type controlResponseInner struct {
	Subtype   string         `json:"subtype"`
	RequestID string         `json:"request_id"`
	Response  map[string]any `json:"response"`
}

type permissionRequest struct {
	Subtype  string          `json:"subtype"`
	ToolName string          `json:"tool_name"`
	Input    json.RawMessage `json:"input,omitempty"`
}

func (b *ProcessBackend) command() string {
	if b.cfg.Command != "" {
		return b.cfg.Command
	}
	return "claude"
}

func (b *ProcessBackend) buildArgs(resume string) []string {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--permission-prompt-tool", "stdio",
		"--verbose",
	}
	if resume != "" {
		args = append(args, "--resume", resume)
	}
	return append(args, b.cfg.Args...)
}

func (b *ProcessBackend) Send(ctx context.Context, input string) error {
	b.mu.Lock()
	if b.state.Terminal() {
		b.mu.Unlock()
		return ErrFinished
	}
	switch b.state.Phase {
	case types.PhaseProcessing, types.PhaseWaitingPermission:
		b.mu.Unlock()
		return ErrBusy
	}
	b.state = types.Processing()
	b.mu.Unlock()

	if err := b.ensureProcess(); err != nil {
		b.fail("spawn", err)
		return &Error{Op: "spawn", Err: err, Recoverable: true}
	}

	// The init event may have refreshed the conversation id by now.
	b.mu.Lock()
	remote := b.remoteID
	b.mu.Unlock()

	msg := userMessage{
		Type:      "user",
		SessionID: remote,
		Message: userMessageInner{
			Role:    "user",
			Content: []contentBlock{{Type: "text", Text: input}},
		},
	}
	if err := b.writeJSON(msg); err != nil {
		b.fail("send", err)
		return &Error{Op: "send", Err: err, Recoverable: true}
	}
	return nil
}

// ensureProcess starts the CLI if it is not running.
func (b *ProcessBackend) ensureProcess() error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	resume := b.remoteID
	gen := b.gen + 1
	b.gen = gen
	b.mu.Unlock()

	// The process outlives any one call; Shutdown cancels it.
	cmdCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(cmdCtx, b.command(), b.buildArgs(resume)...)
	cmd.Dir = b.cfg.WorkDir
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start %s: %w", b.command(), err)
	}

	b.logger.Info().Str("command", b.command()).Bool("resume", resume != "").Msg("assistant process started")

	b.mu.Lock()
	b.cmd = cmd
	b.stdin = stdin
	b.cancel = cancel
	b.started = true
	b.mu.Unlock()

	go b.readLoop(stdout, cmd, gen)
	return nil
}

func (b *ProcessBackend) readLoop(r io.Reader, cmd *exec.Cmd, gen int) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		b.handleLine(line)
	}

	if cmd != nil {
		cmd.Wait()
	}
	b.handleExit(gen)
}

func (b *ProcessBackend) handleLine(line []byte) {
	var ev processLine
	if err := json.Unmarshal(line, &ev); err != nil {
		b.logger.Warn().Err(err).Msg("malformed line from assistant process")
		return
	}

	// Any event can carry the CLI's conversation id; keep the latest so a
	// respawn resumes the right conversation.
	if ev.SessionID != "" && !ev.IsError {
		b.mu.Lock()
		b.remoteID = ev.SessionID
		b.mu.Unlock()
	}

	switch ev.Type {
	case "system":
		// init already handled via the session id capture above
	case "stream_event":
		b.handleStreamEvent(ev.Event)
	case "control_request":
		b.handlePermission(ev.RequestID, ev.Request)
	case "result":
		b.handleResult(ev)
	case "assistant", "user":
		// full-message mirrors, the text already arrived as stream deltas
	default:
		b.logger.Debug().Str("type", ev.Type).Msg("unhandled assistant event")
	}
}

func (b *ProcessBackend) handleStreamEvent(raw json.RawMessage) {
	if raw == nil {
		return
	}
	var inner struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"delta"`
	}
	if json.Unmarshal(raw, &inner) != nil {
		return
	}
	if inner.Type == "content_block_delta" && inner.Delta.Type == "text_delta" && inner.Delta.Text != "" {
		b.bc.emit(Event{Kind: KindDelta, Text: inner.Delta.Text})
	}
}

func (b *ProcessBackend) handlePermission(requestID string, raw json.RawMessage) {
	var req permissionRequest
	if raw != nil {
		_ = json.Unmarshal(raw, &req)
	}

	// Prefer the concrete command as the human-facing title.
	title := req.ToolName
	var input struct {
		Command string `json:"command"`
	}
	if req.Input != nil && json.Unmarshal(req.Input, &input) == nil && input.Command != "" {
		title = input.Command
	}

	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return
	}
	b.state = types.WaitingPermission(requestID, req.ToolName)
	b.mu.Unlock()

	b.bc.emit(Event{Kind: KindPermission, RequestID: requestID, Tool: req.ToolName, Title: title})
}

func (b *ProcessBackend) handleResult(ev processLine) {
	if ev.IsError {
		msg := ev.Result
		if msg == "" {
			msg = "assistant reported an error"
		}
		b.mu.Lock()
		if b.shutdown {
			b.mu.Unlock()
			return
		}
		b.state = types.Failed(msg, true)
		b.mu.Unlock()
		b.bc.emit(Event{Kind: KindError, Message: msg, Recoverable: true})
		return
	}

	var usage types.Usage
	if ev.Usage != nil {
		usage = types.Usage{
			InputTokens:  ev.Usage.InputTokens,
			OutputTokens: ev.Usage.OutputTokens,
		}
	}

	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return
	}
	b.state = types.Idle()
	b.mu.Unlock()
	b.bc.emit(Event{Kind: KindTurn, Usage: usage})
}

// handleExit runs after the process has been reaped.
func (b *ProcessBackend) handleExit(gen int) {
	b.mu.Lock()
	if b.gen != gen {
		// A respawn already replaced this process.
		b.mu.Unlock()
		return
	}
	b.started = false
	b.cmd = nil
	b.stdin = nil
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	if b.shutdown {
		b.mu.Unlock()
		return
	}
	const msg = "assistant process exited unexpectedly"
	b.state = types.Failed(msg, true)
	b.mu.Unlock()

	b.logger.Warn().Msg(msg)
	b.bc.emit(Event{Kind: KindError, Message: msg, Recoverable: true})
}

func (b *ProcessBackend) RespondPermission(ctx context.Context, requestID string, approved bool) error {
	b.mu.Lock()
	if b.state.Phase != types.PhaseWaitingPermission || b.state.RequestID != requestID {
		b.mu.Unlock()
		return ErrNoPendingRequest
	}

	behavior := map[string]any{"behavior": "deny", "message": "denied by operator"}
	next := types.Idle()
	if approved {
		behavior = map[string]any{"behavior": "allow"}
		next = types.Processing()
	}
	b.state = next
	b.mu.Unlock()

	resp := controlResponse{
		Type: "control_response",
		Response: controlResponseInner{
			Subtype:   "success",
			RequestID: requestID,
			Response:  behavior,
		},
	}
	if err := b.writeJSON(resp); err != nil {
		b.fail("respond", err)
		return &Error{Op: "respond", Err: err, Recoverable: true}
	}
	return nil
}

func (b *ProcessBackend) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	b.stdinMu.Lock()
	defer b.stdinMu.Unlock()

	b.mu.Lock()
	stdin := b.stdin
	b.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("process not running")
	}

	_, err = stdin.Write(append(data, '\n'))
	return err
}

// fail records a recoverable failure and reports it to subscribers.
func (b *ProcessBackend) fail(op string, err error) {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return
	}
	msg := fmt.Sprintf("%s: %v", op, err)
	b.state = types.Failed(msg, true)
	b.mu.Unlock()

	b.logger.Error().Err(err).Str("op", op).Msg("assistant process failure")
	b.bc.emit(Event{Kind: KindError, Message: msg, Recoverable: true})
}

func (b *ProcessBackend) Subscribe() (<-chan Event, func()) {
	return b.bc.subscribe()
}

func (b *ProcessBackend) State() types.BackendState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *ProcessBackend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return nil
	}
	b.shutdown = true
	b.state = types.Finished()
	stdin := b.stdin
	cancel := b.cancel
	b.started = false
	b.stdin = nil
	b.cmd = nil
	b.cancel = nil
	b.mu.Unlock()

	// Closing stdin lets the CLI exit on its own; the cancel is the
	// backstop that kills it.
	if stdin != nil {
		stdin.Close()
	}
	if cancel != nil {
		cancel()
	}

	b.bc.close()
	return nil
}
