package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/switchboard-ai/switchboard/pkg/types"
)

// ModelConfig configures the direct model stream.
type ModelConfig struct {
	// Provider is "anthropic" (default) or "openai".
	Provider     string
	Model        string
	APIKey       string
	BaseURL      string
	MaxTokens    int
	SystemPrompt string

	// Azure OpenAI
	UseAzure   bool
	APIVersion string
}

// modelStream is the part of an Eino stream reader the backend consumes.
type modelStream interface {
	Recv() (*schema.Message, error)
	Close()
}

type streamFunc func(ctx context.Context, msgs []*schema.Message) (modelStream, error)

type einoStream struct {
	r *schema.StreamReader[*schema.Message]
}

func (s einoStream) Recv() (*schema.Message, error) { return s.r.Recv() }
func (s einoStream) Close()                         { s.r.Close() }

// ModelBackend streams chat completions straight from an LLM provider, one
// turn per Send, keeping the conversation history in memory. It never
// requests permission.
type ModelBackend struct {
	bc     *broadcaster
	logger zerolog.Logger
	stream streamFunc

	mu         sync.Mutex
	state      types.BackendState
	history    []*schema.Message
	cancelTurn context.CancelFunc
	shutdown   bool
}

// NewModelBackend builds the provider chat model and wraps it as a Backend.
func NewModelBackend(ctx context.Context, cfg ModelConfig, logger zerolog.Logger) (*ModelBackend, error) {
	cm, err := newChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}

	b := newModelBackend(func(ctx context.Context, msgs []*schema.Message) (modelStream, error) {
		reader, err := cm.Stream(ctx, msgs)
		if err != nil {
			return nil, err
		}
		return einoStream{r: reader}, nil
	}, logger)

	if cfg.SystemPrompt != "" {
		b.history = append(b.history, &schema.Message{Role: schema.System, Content: cfg.SystemPrompt})
	}
	return b, nil
}

func newModelBackend(stream streamFunc, logger zerolog.Logger) *ModelBackend {
	return &ModelBackend{
		bc:     newBroadcaster(),
		logger: logger,
		stream: stream,
		state:  types.Idle(),
	}
}

func newChatModel(ctx context.Context, cfg ModelConfig) (model.ToolCallingChatModel, error) {
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	switch cfg.Provider {
	case "", "anthropic":
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
		modelID := cfg.Model
		if modelID == "" {
			modelID = "claude-sonnet-4-20250514"
		}
		c := &claude.Config{
			APIKey:    apiKey,
			Model:     modelID,
			MaxTokens: maxTokens,
		}
		if cfg.BaseURL != "" {
			c.BaseURL = &cfg.BaseURL
		}
		return claude.NewChatModel(ctx, c)

	case "openai":
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}
		modelID := cfg.Model
		if modelID == "" {
			modelID = "gpt-4o"
		}
		c := &openai.ChatModelConfig{
			APIKey:              apiKey,
			Model:               modelID,
			MaxCompletionTokens: &maxTokens,
		}
		if cfg.BaseURL != "" {
			c.BaseURL = cfg.BaseURL
		}
		if cfg.UseAzure {
			c.ByAzure = true
			c.APIVersion = cfg.APIVersion
			if c.APIVersion == "" {
				c.APIVersion = "2024-02-15-preview"
			}
		}
		return openai.NewChatModel(ctx, c)

	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}

func (b *ModelBackend) Send(ctx context.Context, input string) error {
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

	b.history = append(b.history, &schema.Message{Role: schema.User, Content: input})
	msgs := make([]*schema.Message, len(b.history))
	copy(msgs, b.history)

	turnCtx, cancel := context.WithCancel(context.Background())
	b.cancelTurn = cancel
	b.state = types.Processing()
	b.mu.Unlock()

	go b.runTurn(turnCtx, msgs)
	return nil
}

func (b *ModelBackend) runTurn(ctx context.Context, msgs []*schema.Message) {
	stream, err := b.stream(ctx, msgs)
	if err != nil {
		b.turnFailed("stream", err)
		return
	}
	defer stream.Close()

	var reply strings.Builder
	var usage types.Usage
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			b.turnFailed("recv", err)
			return
		}
		if msg == nil {
			continue
		}
		if msg.Content != "" {
			reply.WriteString(msg.Content)
			b.bc.emit(Event{Kind: KindDelta, Text: msg.Content})
		}
		if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
			usage = types.Usage{
				InputTokens:  uint32(msg.ResponseMeta.Usage.PromptTokens),
				OutputTokens: uint32(msg.ResponseMeta.Usage.CompletionTokens),
			}
		}
	}

	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return
	}
	b.history = append(b.history, &schema.Message{Role: schema.Assistant, Content: reply.String()})
	b.state = types.Idle()
	b.cancelTurn = nil
	b.mu.Unlock()

	b.bc.emit(Event{Kind: KindTurn, Usage: usage})
}

func (b *ModelBackend) turnFailed(op string, err error) {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return
	}
	// Drop the input of the failed turn so a retried Send does not double
	// it in the history.
	if n := len(b.history); n > 0 && b.history[n-1].Role == schema.User {
		b.history = b.history[:n-1]
	}
	msg := fmt.Sprintf("%s: %v", op, err)
	b.state = types.Failed(msg, true)
	b.cancelTurn = nil
	b.mu.Unlock()

	b.logger.Error().Err(err).Str("op", op).Msg("model stream failure")
	b.bc.emit(Event{Kind: KindError, Message: msg, Recoverable: true})
}

// RespondPermission always fails: a direct model stream has no tool gates.
func (b *ModelBackend) RespondPermission(ctx context.Context, requestID string, approved bool) error {
	return ErrNoPendingRequest
}

func (b *ModelBackend) Subscribe() (<-chan Event, func()) {
	return b.bc.subscribe()
}

func (b *ModelBackend) State() types.BackendState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *ModelBackend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return nil
	}
	b.shutdown = true
	b.state = types.Finished()
	cancel := b.cancelTurn
	b.cancelTurn = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.bc.close()
	return nil
}
