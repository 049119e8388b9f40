package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/switchboard-ai/switchboard/internal/event"
	"github.com/switchboard-ai/switchboard/pkg/types"
)

// TestClient provides HTTP client utilities for testing
type TestClient struct {
	BaseURL    string
	HTTPClient *http.Client

	// ClientID is sent as X-Client-ID on every request when set.
	ClientID string
}

// NewTestClient creates a new test HTTP client
func NewTestClient(baseURL string) *TestClient {
	return &TestClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// As returns a copy of the client that identifies as the given client id.
func (c *TestClient) As(clientID string) *TestClient {
	copied := *c
	copied.ClientID = clientID
	return &copied
}

// RequestOption configures HTTP requests
type RequestOption func(*http.Request)

// WithHeader adds a header to the request
func WithHeader(key, value string) RequestOption {
	return func(r *http.Request) {
		r.Header.Set(key, value)
	}
}

// WithQuery adds query parameters
func WithQuery(params map[string]string) RequestOption {
	return func(r *http.Request) {
		q := r.URL.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		r.URL.RawQuery = q.Encode()
	}
}

// Response wraps HTTP response with helpers
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// JSON unmarshals response body into v
func (r *Response) JSON(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// String returns response body as string
func (r *Response) String() string {
	return string(r.Body)
}

// IsSuccess returns true if status code is 2xx
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ErrorCode returns the code field of an error envelope, or "".
func (r *Response) ErrorCode() string {
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(r.Body, &body); err != nil {
		return ""
	}
	return body.Error.Code
}

// Get performs HTTP GET request
func (c *TestClient) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil, opts...)
}

// Post performs HTTP POST request with JSON body
func (c *TestClient) Post(ctx context.Context, path string, body interface{}, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, body, opts...)
}

// Patch performs HTTP PATCH request with JSON body
func (c *TestClient) Patch(ctx context.Context, path string, body interface{}, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodPatch, path, body, opts...)
}

// Delete performs HTTP DELETE request
func (c *TestClient) Delete(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil, opts...)
}

// do performs the actual HTTP request
func (c *TestClient) do(ctx context.Context, method, path string, body interface{}, opts ...RequestOption) (*Response, error) {
	fullURL := c.BaseURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.ClientID != "" {
		req.Header.Set("X-Client-ID", c.ClientID)
	}

	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}, nil
}

// ---- Session Helpers ----

// CreateSession creates a new session
func (c *TestClient) CreateSession(ctx context.Context, name string) (*types.SessionInfo, error) {
	resp, err := c.Post(ctx, "/session", map[string]string{"name": name})
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("create session failed: %d %s", resp.StatusCode, resp.String())
	}

	var info types.SessionInfo
	if err := resp.JSON(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetSession retrieves a session by ID
func (c *TestClient) GetSession(ctx context.Context, sessionID string) (*types.SessionInfo, error) {
	resp, err := c.Get(ctx, "/session/"+sessionID)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("get session failed: %d %s", resp.StatusCode, resp.String())
	}

	var info types.SessionInfo
	if err := resp.JSON(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListSessions lists all sessions
func (c *TestClient) ListSessions(ctx context.Context) ([]types.SessionInfo, error) {
	resp, err := c.Get(ctx, "/session")
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("list sessions failed: %d %s", resp.StatusCode, resp.String())
	}

	var sessions []types.SessionInfo
	if err := resp.JSON(&sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// DeleteSession deletes a session
func (c *TestClient) DeleteSession(ctx context.Context, sessionID string) error {
	resp, err := c.Delete(ctx, "/session/"+sessionID)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("delete session failed: %d %s", resp.StatusCode, resp.String())
	}
	return nil
}

// SendInput submits input to a session
func (c *TestClient) SendInput(ctx context.Context, sessionID, text string) error {
	resp, err := c.Post(ctx, "/session/"+sessionID+"/input", map[string]string{"text": text})
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("send input failed: %d %s", resp.StatusCode, resp.String())
	}
	return nil
}

// RespondPermission answers a pending permission request
func (c *TestClient) RespondPermission(ctx context.Context, sessionID, requestID string, approved bool) error {
	resp, err := c.Post(ctx, "/session/"+sessionID+"/permissions/"+requestID, map[string]bool{"approved": approved})
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("respond permission failed: %d %s", resp.StatusCode, resp.String())
	}
	return nil
}

// SessionHistory fetches the archived events of a session
func (c *TestClient) SessionHistory(ctx context.Context, sessionID string) ([]event.Envelope, error) {
	resp, err := c.Get(ctx, "/session/"+sessionID+"/history")
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("session history failed: %d %s", resp.StatusCode, resp.String())
	}

	var events []event.Envelope
	if err := resp.JSON(&events); err != nil {
		return nil, err
	}
	return events, nil
}

// Replay fetches logged events strictly after the given sequence. Use
// from 0 for the whole log.
func (c *TestClient) Replay(ctx context.Context, from uint64) ([]event.Envelope, error) {
	path := "/event/replay"
	if from > 0 {
		path = fmt.Sprintf("%s?from=%d", path, from)
	}
	resp, err := c.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("replay failed: %d %s", resp.StatusCode, resp.String())
	}

	var events []event.Envelope
	if err := resp.JSON(&events); err != nil {
		return nil, err
	}
	return events, nil
}

// SessionEvents filters a replay of the whole log down to one session.
func (c *TestClient) SessionEvents(ctx context.Context, sessionID string) ([]event.Envelope, error) {
	all, err := c.Replay(ctx, 0)
	if err != nil {
		return nil, err
	}
	var events []event.Envelope
	for _, env := range all {
		if env.SessionID == sessionID {
			events = append(events, env)
		}
	}
	return events, nil
}
