package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/switchboard-ai/switchboard/internal/event"
)

// handleEventTool is the tool every switchboard plugin host must serve.
const handleEventTool = "handle_event"

// MCPHost delivers events to a plugin host over the Model Context
// Protocol. Connecting doubles as the handshake: the server's advertised
// identity comes back from initialization, and the host is rejected when
// it does not serve handle_event. Each event is one tool call.
type MCPHost struct {
	command   []string
	transport func(ctx context.Context) (sdkmcp.Transport, error)

	mu      sync.Mutex
	session *sdkmcp.ClientSession
}

// MCPOption configures an MCPHost.
type MCPOption func(*MCPHost)

// WithTransport overrides the stdio command transport. Tests use it to
// reach an in-process server over pipes.
func WithTransport(fn func(ctx context.Context) (sdkmcp.Transport, error)) MCPOption {
	return func(h *MCPHost) { h.transport = fn }
}

// NewMCPHost creates a host that spawns the given command and speaks MCP
// over its stdio.
func NewMCPHost(command []string, opts ...MCPOption) *MCPHost {
	h := &MCPHost{command: command}
	for _, opt := range opts {
		opt(h)
	}
	if h.transport == nil {
		h.transport = h.commandTransport
	}
	return h
}

func (h *MCPHost) commandTransport(ctx context.Context) (sdkmcp.Transport, error) {
	if len(h.command) == 0 {
		return nil, fmt.Errorf("empty plugin command")
	}
	cmd := exec.Command(h.command[0], h.command[1:]...)
	return &sdkmcp.CommandTransport{Command: cmd}, nil
}

// Handshake connects to the host and returns its identity. Calling it
// again drops the previous connection and reconnects.
func (h *MCPHost) Handshake(ctx context.Context) (HostInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.session != nil {
		h.session.Close()
		h.session = nil
	}

	client := sdkmcp.NewClient(&sdkmcp.Implementation{
		Name:    "switchboard",
		Version: "1.0.0",
	}, nil)

	transport, err := h.transport(ctx)
	if err != nil {
		return HostInfo{}, err
	}
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return HostInfo{}, fmt.Errorf("connect plugin host: %w", err)
	}

	var info HostInfo
	if init := session.InitializeResult(); init != nil {
		info.Name = init.ServerInfo.Name
		info.Version = init.ServerInfo.Version
	}

	tools, err := session.ListTools(ctx, nil)
	if err != nil {
		session.Close()
		return HostInfo{}, fmt.Errorf("list plugin tools: %w", err)
	}
	serves := false
	for _, tool := range tools.Tools {
		if tool.Name == handleEventTool {
			serves = true
			break
		}
	}
	if !serves {
		session.Close()
		return HostInfo{}, fmt.Errorf("plugin host %q does not serve %s", info.Name, handleEventTool)
	}

	h.session = session
	return info, nil
}

// Dispatch delivers one event as a handle_event tool call.
func (h *MCPHost) Dispatch(ctx context.Context, env event.Envelope) ([]Result, error) {
	h.mu.Lock()
	session := h.session
	h.mu.Unlock()
	if session == nil {
		return nil, fmt.Errorf("plugin host not connected")
	}

	result, err := session.CallTool(ctx, &sdkmcp.CallToolParams{
		Name:      handleEventTool,
		Arguments: map[string]any{"event": env},
	})
	if err != nil {
		return nil, err
	}

	if result.IsError {
		for _, content := range result.Content {
			if text, ok := content.(*sdkmcp.TextContent); ok {
				return nil, fmt.Errorf("plugin rejected event: %s", text.Text)
			}
		}
		return nil, fmt.Errorf("plugin rejected event")
	}

	var results []Result
	for _, content := range result.Content {
		text, ok := content.(*sdkmcp.TextContent)
		if !ok {
			continue
		}
		results = append(results, decodeResult(text.Text))
	}
	return results, nil
}

// decodeResult reads the host's result envelope. Content not shaped that
// way rides along as plain text; Data is never interpreted.
func decodeResult(text string) Result {
	var r Result
	if err := json.Unmarshal([]byte(text), &r); err == nil && r.Type != "" {
		return r
	}
	data, _ := json.Marshal(text)
	return Result{Type: "text", Data: data}
}

// Close drops the connection, ending the host process when the transport
// spawned one.
func (h *MCPHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.session == nil {
		return nil
	}
	err := h.session.Close()
	h.session = nil
	return err
}
