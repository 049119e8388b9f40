package commands

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/switchboard-ai/switchboard/internal/backend"
	"github.com/switchboard-ai/switchboard/internal/bus"
	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/internal/dispatch"
	"github.com/switchboard-ai/switchboard/internal/eventlog"
	"github.com/switchboard-ai/switchboard/internal/history"
	"github.com/switchboard-ai/switchboard/internal/logging"
	"github.com/switchboard-ai/switchboard/internal/policy"
	"github.com/switchboard-ai/switchboard/internal/server"
	"github.com/switchboard-ai/switchboard/internal/session"
	"github.com/switchboard-ai/switchboard/internal/storage"
)

// serveShutdownTimeout bounds the drain of in-flight requests and the
// backend shutdowns once a stop signal arrives.
const serveShutdownTimeout = 30 * time.Second

var (
	serveAddr string
	serveDir  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the switchboard server",
	Long: `Start the switchboard server.

The server exposes the session API over HTTP, the live event stream over
SSE and WebSocket, and runs the configured background subsystems: the
history archiver, the plugin dispatcher and the permission policy
responder.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Project directory for config lookup")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logPretty {
		cfg.Log.Pretty = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Init(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	logger := logging.Component("serve")
	logger.Info().Str("version", Version).Str("dir", workDir).Msg("starting switchboard")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventLog, err := newEventLog(cfg)
	if err != nil {
		return err
	}
	defer eventLog.Close()

	b, err := bus.New(ctx, eventLog, bus.WithLogger(logging.Component("bus")))
	if err != nil {
		return err
	}
	defer b.Close()

	factory, err := backend.NewFactory(backendConfig(cfg), logging.Component("backend"))
	if err != nil {
		return err
	}

	manager := session.NewManager(b, factory, session.WithLogger(logging.Component("session")))
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
		defer cancel()
		if err := manager.Shutdown(sctx); err != nil {
			logger.Warn().Err(err).Msg("session shutdown incomplete")
		}
	}()

	// Everything fallible is constructed before the first goroutine
	// starts, so an init failure never strands a running subsystem.
	opts := []server.Option{server.WithLogger(logging.Component("server"))}

	var archive *history.Archive
	if !cfg.History.Disabled {
		store := storage.New(cfg.History.Dir)
		archive = history.New(eventLog, store, history.WithLogger(logging.Component("history")))
		opts = append(opts, server.WithHistory(archive))
	}

	var dispatcher *dispatch.Dispatcher
	if len(cfg.Plugin.Command) > 0 {
		host := dispatch.NewMCPHost(cfg.Plugin.Command)
		dispatcher = dispatch.New(eventLog, host, dispatch.WithLogger(logging.Component("dispatch")))
	}

	var responder *policy.Responder
	if cfg.Policy.Rules != "" {
		watcher, err := policy.NewWatcher(cfg.Policy.Rules, logging.Component("policy"))
		if err != nil {
			return err
		}
		defer watcher.Close()
		responder = policy.NewResponder(b, manager, watcher, policy.WithLogger(logging.Component("policy")))
	}

	serverCfg := server.DefaultConfig()
	serverCfg.Addr = cfg.Server.Addr
	if len(cfg.Server.CORSOrigins) > 0 {
		serverCfg.CORSOrigins = cfg.Server.CORSOrigins
	}
	srv := server.New(serverCfg, b, manager, opts...)

	group, gctx := errgroup.WithContext(ctx)
	if archive != nil {
		group.Go(func() error { return archive.Run(gctx) })
	}
	if dispatcher != nil {
		group.Go(func() error { return dispatcher.Run(gctx) })
	}
	if responder != nil {
		group.Go(func() error { return responder.Run(gctx) })
	}
	group.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newEventLog builds the configured event log driver.
func newEventLog(cfg *config.Config) (eventlog.Log, error) {
	if cfg.EventLog.Kind == "redis" {
		return eventlog.NewRedisLog(eventlog.RedisConfig{
			Addr:     cfg.EventLog.Redis.Addr,
			Password: cfg.EventLog.Redis.Password,
			DB:       cfg.EventLog.Redis.DB,
			Stream:   cfg.EventLog.Redis.Stream,
		}, logging.Component("eventlog"))
	}
	return eventlog.NewMemoryLog(), nil
}

// backendConfig maps the file configuration onto the backend factory
// config, resolving model credentials from the provider table.
func backendConfig(cfg *config.Config) backend.Config {
	bc := backend.Config{Driver: cfg.Backend.Driver}
	switch cfg.Backend.Driver {
	case "model":
		provider, model := splitModel(cfg.Backend.Model)
		mc := backend.ModelConfig{
			Provider:     provider,
			Model:        model,
			MaxTokens:    cfg.Backend.MaxTokens,
			SystemPrompt: cfg.Backend.SystemPrompt,
		}
		if p, ok := cfg.Provider[provider]; ok {
			mc.APIKey = p.APIKey
			mc.BaseURL = p.BaseURL
		}
		bc.Model = mc
	default:
		bc.Process = backend.ProcessConfig{
			Command: cfg.Backend.Command,
			Args:    cfg.Backend.Args,
			WorkDir: cfg.Backend.WorkDir,
		}
	}
	return bc
}

// splitModel splits "provider/model" into its parts. Without a slash the
// whole string is the model and the provider falls back to its default.
func splitModel(s string) (provider, model string) {
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return "", s
}
