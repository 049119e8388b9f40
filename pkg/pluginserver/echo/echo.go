// Package echo provides a demo plugin host: an MCP server whose
// handle_event tool acknowledges every dispatched event with a typed echo
// result.
package echo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewServer creates the echo MCP server.
func NewServer() *server.MCPServer {
	s := server.NewMCPServer(
		"switchboard-echo",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	handleTool := mcp.NewTool("handle_event",
		mcp.WithDescription("Receives one switchboard event envelope and returns an echo acknowledgement"),
		mcp.WithObject("event",
			mcp.Required(),
			mcp.Description("The event envelope: seq, sessionID, type, time, payload"),
		),
	)
	s.AddTool(handleTool, handleEvent)

	return s
}

// handleEvent acknowledges one event.
func handleEvent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	env, ok := args["event"].(map[string]any)
	if !ok {
		return mcp.NewToolResultError("event argument is required"), nil
	}

	ack := map[string]any{
		"type": "echo",
		"data": map[string]any{
			"seq":       env["seq"],
			"event":     env["type"],
			"sessionID": env["sessionID"],
		},
	}
	data, err := json.Marshal(ack)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode acknowledgement: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
