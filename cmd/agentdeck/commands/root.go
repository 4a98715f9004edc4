// Package commands provides the CLI commands for agentdeck.
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
	logLevel string
	dataDir  string
)

var rootCmd = &cobra.Command{
	Use:   "agentdeck",
	Short: "agentdeck - orchestration core for interactive coding agents",
	Long: `agentdeck hosts the orchestration core behind an interactive coding
agent: sessions and tabs, plan-first turns, approval gating, bounded
sub-agents, checkpoints, and durable rollouts.

Run 'agentdeck run' to host the core for one workspace: commands arrive as
JSON lines on stdin, the event stream leaves as JSON lines on stdout.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	// .env is optional; real environment wins over file entries.
	godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Override the data directory")

	rootCmd.SetVersionTemplate(fmt.Sprintf("agentdeck %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(runCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}
