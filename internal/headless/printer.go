package headless

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/switchboard-ai/switchboard/internal/event"
)

// Printer renders event envelopes in the configured output format and
// accumulates the run result as they pass through.
type Printer struct {
	mu        sync.Mutex
	writer    io.Writer
	format    OutputFormat
	quiet     bool
	verbose   bool
	startTime time.Time
	output    strings.Builder
	result    Result
}

// NewPrinter creates a printer writing to w.
func NewPrinter(w io.Writer, format OutputFormat, quiet, verbose bool) *Printer {
	return &Printer{
		writer:    w,
		format:    format,
		quiet:     quiet,
		verbose:   verbose,
		startTime: time.Now(),
		result:    Result{Status: "running", ExitCode: ExitSuccess},
	}
}

// SetSessionID records the session the run drives.
func (p *Printer) SetSessionID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result.SessionID = id
}

// SetDriver records the backend driver name.
func (p *Printer) SetDriver(driver string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result.Driver = driver
}

// SetResult finalizes the run outcome.
func (p *Printer) SetResult(status string, code ExitCode, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result.Status = status
	p.result.ExitCode = code
	if err != nil {
		p.result.Error = err.Error()
	}
	p.result.DurationMS = time.Since(p.startTime).Milliseconds()
}

// Result returns a snapshot of the current result.
func (p *Printer) Result() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.result
	if r.DurationMS == 0 {
		r.DurationMS = time.Since(p.startTime).Milliseconds()
	}
	r.Output = p.output.String()
	return &r
}

// Handle renders one envelope. The json format renders nothing here, the
// result is printed once when the run ends.
func (p *Printer) Handle(env event.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.track(env)

	switch p.format {
	case OutputText:
		p.renderText(env)
	case OutputJSONL:
		p.renderJSONL(env)
	}
}

// PrintFinalResult prints the JSON result. Only the json format does this.
func (p *Printer) PrintFinalResult() {
	if p.format != OutputJSON {
		return
	}
	data, err := json.MarshalIndent(p.Result(), "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintln(p.writer, string(data))
}

// track folds the envelope into the result.
func (p *Printer) track(env event.Envelope) {
	switch pl := env.Payload.(type) {
	case event.OutputDeltaPayload:
		p.output.WriteString(pl.Text)
	case event.TurnCompletedPayload:
		p.result.Usage = p.result.Usage.Add(pl.Usage)
	}
}

func (p *Printer) renderText(env event.Envelope) {
	if p.quiet {
		if pl, ok := env.Payload.(event.OutputDeltaPayload); ok {
			fmt.Fprint(p.writer, pl.Text)
		}
		return
	}

	switch pl := env.Payload.(type) {
	case event.SessionCreatedPayload:
		fmt.Fprintf(p.writer, "[session:%s] started\n", shortID(env.SessionID))
	case event.OutputDeltaPayload:
		fmt.Fprint(p.writer, pl.Text)
	case event.PermissionRequestedPayload:
		if p.verbose {
			fmt.Fprintf(p.writer, "\n[permission] %s: %s\n", pl.Tool, pl.Title)
		}
	case event.PermissionResolvedPayload:
		if p.verbose {
			verdict := "denied"
			if pl.Approved {
				verdict = "approved"
			}
			fmt.Fprintf(p.writer, "[permission] %s\n", verdict)
		}
	case event.TurnCompletedPayload:
		fmt.Fprintf(p.writer, "\n[done] completed in %s (input: %d tokens, output: %d tokens)\n",
			formatDuration(time.Since(p.startTime)),
			p.result.Usage.InputTokens, p.result.Usage.OutputTokens)
	case event.BackendErrorPayload:
		fmt.Fprintf(p.writer, "[error] %s\n", pl.Message)
	case event.SessionClosedPayload:
		if p.verbose {
			fmt.Fprintf(p.writer, "[session:%s] closed\n", shortID(env.SessionID))
		}
	}
}

// renderJSONL writes the envelope itself as one JSON line. Envelopes are
// the wire format everywhere else, so scripted consumers see the same
// shape the API serves.
func (p *Printer) renderJSONL(env event.Envelope) {
	if !p.verbose && env.Type == event.SessionUpdated {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	fmt.Fprintln(p.writer, string(data))
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
