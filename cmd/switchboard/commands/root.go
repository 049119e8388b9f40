// Package commands provides the CLI commands for switchboard.
package commands

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	logLevel  string
	logPretty bool
)

var rootCmd = &cobra.Command{
	Use:   "switchboard",
	Short: "Switchboard - session orchestration for AI coding assistants",
	Long: `Switchboard runs interactive AI coding assistants behind an HTTP API.
Clients share sessions over live event streams, every event is sequenced
into a replayable log, and permission prompts can be answered by people,
policy rules or plugins.

Run 'switchboard serve' to start the server, or 'switchboard run' for a
one-shot session on the terminal.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	// Global flags available to all commands
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&logPretty, "pretty", false, "Human-readable log output")

	rootCmd.SetVersionTemplate(fmt.Sprintf("switchboard %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
}

// Execute runs the root command. A .env in the working directory feeds
// the environment lookups of the config layer before anything reads it.
func Execute() error {
	_ = godotenv.Load()
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}
