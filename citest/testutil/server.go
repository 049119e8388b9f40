package testutil

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/switchboard-ai/switchboard/internal/backend"
	"github.com/switchboard-ai/switchboard/internal/bus"
	"github.com/switchboard-ai/switchboard/internal/eventlog"
	"github.com/switchboard-ai/switchboard/internal/history"
	"github.com/switchboard-ai/switchboard/internal/logging"
	"github.com/switchboard-ai/switchboard/internal/server"
	"github.com/switchboard-ai/switchboard/internal/session"
	"github.com/switchboard-ai/switchboard/internal/storage"
)

// TestServer wraps a full in-process switchboard stack for testing: a
// memory event log, the bus, a mock-driver session manager, the history
// archiver and the HTTP server on a real port.
type TestServer struct {
	Server  *server.Server
	BaseURL string
	Bus     *bus.Bus
	Manager *session.Manager
	Log     eventlog.Log
	Archive *history.Archive
	TempDir string

	archiveStop context.CancelFunc
	archiveDone chan struct{}
	port        int
}

// TestServerOption configures TestServer
type TestServerOption func(*testServerConfig)

type testServerConfig struct {
	envFile string
}

// WithEnvFile sets the .env file to load
func WithEnvFile(path string) TestServerOption {
	return func(c *testServerConfig) {
		c.envFile = path
	}
}

// StartTestServer creates and starts a test server
func StartTestServer(opts ...TestServerOption) (*TestServer, error) {
	cfg := &testServerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	// Load environment variables
	if cfg.envFile != "" {
		_ = godotenv.Load(cfg.envFile)
	} else {
		// Try default locations
		_ = godotenv.Load("../../.env")
		_ = godotenv.Load("../.env")
		_ = godotenv.Load(".env")
	}

	// Create temp directory for the archive store
	tempDir, err := os.MkdirTemp("", "switchboard-test-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	port, err := findAvailablePort()
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to find available port: %w", err)
	}

	ctx := context.Background()

	eventLog := eventlog.NewMemoryLog()
	b, err := bus.New(ctx, eventLog)
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to create bus: %w", err)
	}

	factory, err := backend.NewFactory(backend.Config{Driver: "mock"}, logging.Component("backend"))
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("failed to create backend factory: %w", err)
	}
	manager := session.NewManager(b, factory)

	// Archive with a short poll so history assertions settle quickly.
	store := storage.New(filepath.Join(tempDir, "storage"))
	archive := history.New(eventLog, store, history.WithPollInterval(50*time.Millisecond))
	archiveCtx, archiveStop := context.WithCancel(ctx)
	archiveDone := make(chan struct{})
	go func() {
		defer close(archiveDone)
		_ = archive.Run(archiveCtx)
	}()

	serverConfig := server.DefaultConfig()
	serverConfig.Addr = fmt.Sprintf("127.0.0.1:%d", port)
	srv := server.New(serverConfig, b, manager, server.WithHistory(archive))

	// Start server in background
	go func() {
		_ = srv.Start()
	}()

	// Wait for server to be ready
	baseURL := fmt.Sprintf("http://localhost:%d", port)
	if err := waitForServer(baseURL, 10*time.Second); err != nil {
		srv.Shutdown(ctx)
		archiveStop()
		<-archiveDone
		manager.Shutdown(ctx)
		b.Close()
		eventLog.Close()
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("server failed to start: %w", err)
	}

	return &TestServer{
		Server:      srv,
		BaseURL:     baseURL,
		Bus:         b,
		Manager:     manager,
		Log:         eventLog,
		Archive:     archive,
		TempDir:     tempDir,
		archiveStop: archiveStop,
		archiveDone: archiveDone,
		port:        port,
	}, nil
}

// Stop shuts down the test server and cleans up. Teardown runs outermost
// first: the HTTP server stops taking requests, sessions close while the
// bus can still carry their events, then the archiver, bus and log go.
func (ts *TestServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if ts.Server != nil {
		if err := ts.Server.Shutdown(ctx); err != nil {
			return err
		}
	}
	if ts.Manager != nil {
		_ = ts.Manager.Shutdown(ctx)
	}
	if ts.archiveStop != nil {
		ts.archiveStop()
		<-ts.archiveDone
	}
	if ts.Bus != nil {
		_ = ts.Bus.Close()
	}
	if ts.Log != nil {
		_ = ts.Log.Close()
	}
	if ts.TempDir != "" {
		os.RemoveAll(ts.TempDir)
	}
	return nil
}

// Client returns a new test client for this server
func (ts *TestServer) Client() *TestClient {
	return NewTestClient(ts.BaseURL)
}

// SSEClient returns a new SSE client for this server
func (ts *TestServer) SSEClient() *SSEClient {
	return NewSSEClient(ts.BaseURL)
}

// NewScriptedSession registers a session over a scripted mock backend,
// bypassing the factory. It gives specs turns with permissions and
// failures the echoing default cannot produce.
func (ts *TestServer) NewScriptedSession(ctx context.Context, name string, turns ...backend.MockTurn) (string, error) {
	b := backend.NewMockBackend(turns...)
	info, err := ts.Manager.CreateWithBackend(ctx, b, session.CreateOptions{Name: name})
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

// findAvailablePort finds an available TCP port
func findAvailablePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// waitForServer waits for the server to be ready
func waitForServer(baseURL string, timeout time.Duration) error {
	client := NewTestClient(baseURL)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(context.Background(), "/health")
		if err == nil && resp.IsSuccess() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("server not ready after %v", timeout)
}
