package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/internal/headless"
	"github.com/switchboard-ai/switchboard/internal/logging"
)

var (
	runDir         string
	runInput       string
	runStdin       bool
	runFiles       []string
	runName        string
	runAutoApprove bool
	runFormat      string
	runTimeout     string
	runQuiet       bool
	runVerbose     bool
)

var runCmd = &cobra.Command{
	Use:   "run [text...]",
	Short: "Run a one-shot session without the server",
	Long: `Run a one-shot session without the server.

The configured backend runs in process, the input is sent as a single
turn and output streams to stdout until the turn completes. Permission
requests are answered on the terminal, or approved automatically with
--auto-approve. Events live in memory only; nothing is archived.

Examples:
  switchboard run "summarize the build failure"
  switchboard run --auto-approve "install the missing dependency"
  switchboard run -o json "what changed" | jq .usage
  echo "explain this diff" | switchboard run --stdin
  switchboard run -f notes.md "review the attached notes"`,
	RunE: runOneShot,
}

func init() {
	runCmd.Flags().StringVarP(&runInput, "input", "i", "", "Input text to send")
	runCmd.Flags().BoolVar(&runStdin, "stdin", false, "Read input from stdin")
	runCmd.Flags().StringArrayVarP(&runFiles, "file", "f", nil, "File(s) to attach to the input")
	runCmd.Flags().StringVar(&runDir, "directory", "", "Project directory for config lookup")
	runCmd.Flags().StringVar(&runName, "name", "", "Session name")
	runCmd.Flags().BoolVarP(&runAutoApprove, "auto-approve", "y", false, "Approve every permission request")
	runCmd.Flags().StringVarP(&runFormat, "format", "o", "text", "Output format: text, json or jsonl")
	runCmd.Flags().StringVarP(&runTimeout, "timeout", "t", "10m", "Maximum run time (e.g. 30s, 5m)")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Only print output text")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Print events hidden by default")
}

func runOneShot(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(runDir)
	if err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
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

	timeout, err := time.ParseDuration(runTimeout)
	if err != nil {
		return fmt.Errorf("invalid timeout: %w", err)
	}

	var format headless.OutputFormat
	switch strings.ToLower(runFormat) {
	case "text":
		format = headless.OutputText
	case "json":
		format = headless.OutputJSON
	case "jsonl":
		format = headless.OutputJSONL
	default:
		return fmt.Errorf("invalid format %q (must be text, json or jsonl)", runFormat)
	}

	input, err := buildInput(args)
	if err != nil {
		return err
	}
	if input == "" {
		return fmt.Errorf("input required: pass it as an argument, with --input or over --stdin")
	}

	hcfg := headless.DefaultConfig()
	hcfg.Input = input
	hcfg.Backend = backendConfig(cfg)
	hcfg.Name = runName
	hcfg.AutoApprove = runAutoApprove
	hcfg.Format = format
	hcfg.Timeout = timeout
	hcfg.Quiet = runQuiet
	hcfg.Verbose = runVerbose

	runner := headless.NewRunner(hcfg, headless.WithLogger(logging.Component("headless")))
	result, err := runner.Run(cmd.Context(), os.Stdout)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
	}
	if result.ExitCode != headless.ExitSuccess {
		os.Exit(int(result.ExitCode))
	}
	return nil
}

// buildInput assembles the input text from arguments, the --input flag,
// piped stdin and attached files.
func buildInput(args []string) (string, error) {
	input := runInput
	if input == "" && len(args) > 0 {
		input = strings.Join(args, " ")
	}

	if runStdin {
		scanner := bufio.NewScanner(os.Stdin)
		var lines []string
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		piped := strings.Join(lines, "\n")
		switch {
		case input != "" && piped != "":
			input = input + "\n\n" + piped
		case piped != "":
			input = piped
		}
	}

	for _, file := range runFiles {
		content, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read file %s: %w", file, err)
		}
		input += fmt.Sprintf("\n\n--- File: %s ---\n%s", file, content)
	}

	return strings.TrimSpace(input), nil
}
