package testutil

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/switchboard-ai/switchboard/internal/event"
)

// WSFrame mirrors the frame dialect spoken on /ws.
type WSFrame struct {
	Type       string           `json:"type"`
	SessionIDs []string         `json:"session_ids,omitempty"`
	SessionID  string           `json:"session_id,omitempty"`
	CatchUp    bool             `json:"catch_up,omitempty"`
	Text       string           `json:"text,omitempty"`
	History    []event.Envelope `json:"history,omitempty"`
	Event      *event.Envelope  `json:"event,omitempty"`
	Message    string           `json:"message,omitempty"`
}

// WSClient provides websocket client utilities for testing
type WSClient struct {
	conn *websocket.Conn
}

// DialWS connects to the server's websocket endpoint. clientID, when not
// empty, is sent as X-Client-ID on the handshake.
func DialWS(ctx context.Context, baseURL, clientID string) (*WSClient, error) {
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	opts := &websocket.DialOptions{}
	if clientID != "" {
		opts.HTTPHeader = http.Header{"X-Client-ID": []string{clientID}}
	}
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	return &WSClient{conn: conn}, nil
}

// Write sends one frame
func (c *WSClient) Write(ctx context.Context, f WSFrame) error {
	return wsjson.Write(ctx, c.conn, f)
}

// Read waits for the next frame
func (c *WSClient) Read(timeout time.Duration) (WSFrame, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var f WSFrame
	err := wsjson.Read(ctx, c.conn, &f)
	return f, err
}

// Subscribe sends a subscribe frame for the given sessions
func (c *WSClient) Subscribe(ctx context.Context, catchUp bool, sessionIDs ...string) error {
	return c.Write(ctx, WSFrame{Type: "subscribe", SessionIDs: sessionIDs, CatchUp: catchUp})
}

// SendInput submits input to a session over the socket
func (c *WSClient) SendInput(ctx context.Context, sessionID, text string) error {
	return c.Write(ctx, WSFrame{Type: "input", SessionID: sessionID, Text: text})
}

// WaitForEnvelope reads frames until an event of the given type arrives
// and returns its envelope.
func (c *WSClient) WaitForEnvelope(typ event.Type, timeout time.Duration) (event.Envelope, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return event.Envelope{}, fmt.Errorf("timeout waiting for %s", typ)
		}
		f, err := c.Read(remaining)
		if err != nil {
			return event.Envelope{}, err
		}
		if f.Type == "event" && f.Event != nil && f.Event.Type == typ {
			return *f.Event, nil
		}
	}
}

// Close closes the websocket connection
func (c *WSClient) Close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}
