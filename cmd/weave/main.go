package main

import (
	"errors"
	"log"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

// Exit codes: 0 success, 1 fatal startup error, 2 invalid configuration,
// 3 unrecoverable runtime failure.
const (
	exitStartup = 1
	exitConfig  = 2
	exitRuntime = 3
)

var configPath string

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	rootCmd := &cobra.Command{
		Use:   "weave",
		Short: "Weave keeps Huly, Vibe, and Beads issues in sync",
		Long: `Weave is a bidirectional issue sync engine for Huly, Vibe Kanban, and
Beads. The daemon serves the Huly webhook receiver, follows the Vibe event
stream, watches Beads repositories for JSONL changes, and runs every sync as
a durable Temporal workflow.`,
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newSyncCommand())
	rootCmd.AddCommand(newReconcileCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitError pins a process exit code onto an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var xe *exitError
	if errors.As(err, &xe) {
		return xe.code
	}
	return exitStartup
}
