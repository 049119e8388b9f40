package echo

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoServer_HasHandleEventTool(t *testing.T) {
	server := NewServer()

	tool := server.GetTool("handle_event")
	require.NotNil(t, tool, "handle_event tool should exist")
	assert.Equal(t, "handle_event", tool.Tool.Name)
	assert.Contains(t, tool.Tool.Description, "event")
}

func TestEchoServer_HandleEvent(t *testing.T) {
	server := NewServer()
	tool := server.GetTool("handle_event")
	require.NotNil(t, tool)

	request := mcp.CallToolRequest{}
	request.Params.Name = "handle_event"
	request.Params.Arguments = map[string]any{
		"event": map[string]any{
			"seq":       float64(7),
			"sessionID": "ses-1",
			"type":      "output.delta",
			"time":      float64(1700000000000),
			"payload":   map[string]any{"text": "hi"},
		},
	}

	result, err := tool.Handler(context.Background(), request)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)

	require.Len(t, result.Content, 1)
	textContent, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "content should be text")

	var ack struct {
		Type string `json:"type"`
		Data struct {
			Seq       float64 `json:"seq"`
			Event     string  `json:"event"`
			SessionID string  `json:"sessionID"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(textContent.Text), &ack))
	assert.Equal(t, "echo", ack.Type)
	assert.Equal(t, float64(7), ack.Data.Seq)
	assert.Equal(t, "output.delta", ack.Data.Event)
	assert.Equal(t, "ses-1", ack.Data.SessionID)
}

func TestEchoServer_MissingEvent(t *testing.T) {
	server := NewServer()
	tool := server.GetTool("handle_event")
	require.NotNil(t, tool)

	request := mcp.CallToolRequest{}
	request.Params.Name = "handle_event"
	request.Params.Arguments = map[string]any{}

	result, err := tool.Handler(context.Background(), request)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.IsError, "missing event argument should be a tool error")
}
