package headless

import (
	"time"

	"github.com/switchboard-ai/switchboard/internal/backend"
	"github.com/switchboard-ai/switchboard/pkg/types"
)

// OutputFormat selects how a run renders its events.
type OutputFormat string

const (
	// OutputText streams human-readable output.
	OutputText OutputFormat = "text"
	// OutputJSON prints a single JSON result when the run ends.
	OutputJSON OutputFormat = "json"
	// OutputJSONL streams every event envelope as one JSON line.
	OutputJSONL OutputFormat = "jsonl"
)

// ExitCode classifies how a run ended.
type ExitCode int

const (
	// ExitSuccess indicates the turn completed.
	ExitSuccess ExitCode = 0
	// ExitError indicates a general failure.
	ExitError ExitCode = 1
	// ExitTimeout indicates the run exceeded its time limit.
	ExitTimeout ExitCode = 2
	// ExitPermissionDenied indicates a permission request was denied and
	// the turn was abandoned.
	ExitPermissionDenied ExitCode = 3
	// ExitBackendError indicates the backend failed unrecoverably.
	ExitBackendError ExitCode = 4
	// ExitInvalidInput indicates the input was missing or unusable.
	ExitInvalidInput ExitCode = 5
)

// Config holds the settings for a one-shot run.
type Config struct {
	// Input is the text sent to the session as its single turn.
	Input string
	// Backend selects and configures the backend driver.
	Backend backend.Config
	// Name is the session name. Empty picks a default.
	Name string
	// AutoApprove answers every permission request with approval instead
	// of prompting on the terminal.
	AutoApprove bool
	// Format selects the output rendering.
	Format OutputFormat
	// Timeout bounds the whole run. Zero means no limit.
	Timeout time.Duration
	// Quiet suppresses everything except output text in text format.
	Quiet bool
	// Verbose renders events that are hidden by default.
	Verbose bool
}

// DefaultConfig returns a Config with the run command's defaults.
func DefaultConfig() *Config {
	return &Config{
		Format:  OutputText,
		Timeout: 10 * time.Minute,
	}
}

// Result is the outcome of a one-shot run.
type Result struct {
	SessionID  string      `json:"session_id"`
	Status     string      `json:"status"`
	Driver     string      `json:"driver,omitempty"`
	DurationMS int64       `json:"duration_ms"`
	Usage      types.Usage `json:"usage"`
	Output     string      `json:"output,omitempty"`
	Error      string      `json:"error,omitempty"`
	ExitCode   ExitCode    `json:"exit_code"`
}
