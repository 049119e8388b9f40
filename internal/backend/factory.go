package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Config selects and configures the backend driver used for new sessions.
type Config struct {
	// Driver is "process" (default), "model" or "mock".
	Driver  string
	Process ProcessConfig
	Model   ModelConfig

	// SendDelay, when positive, wraps every backend with a fixed per-Send
	// latency.
	SendDelay time.Duration
}

// NewFactory returns a Factory producing backends per cfg. Resume threads
// through to the process driver; the model and mock drivers have no
// server-side conversation to resume.
func NewFactory(cfg Config, logger zerolog.Logger) (Factory, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "process"
	}
	switch driver {
	case "process", "model", "mock":
	default:
		return nil, fmt.Errorf("unknown backend driver %q", driver)
	}

	return func(ctx context.Context, resume string) (Backend, error) {
		var (
			b   Backend
			err error
		)
		switch driver {
		case "process":
			pcfg := cfg.Process
			pcfg.Resume = resume
			b = NewProcessBackend(pcfg, logger)
		case "model":
			b, err = NewModelBackend(ctx, cfg.Model, logger)
		case "mock":
			b = NewMockBackend()
		}
		if err != nil {
			return nil, err
		}
		if cfg.SendDelay > 0 {
			b = NewDelayBackend(b, cfg.SendDelay)
		}
		return b, nil
	}, nil
}
