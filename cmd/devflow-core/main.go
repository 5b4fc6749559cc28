// Package main provides the CLI entry point for the devflow-core server.
//
// devflow-core is a developer-workflow automation server reachable over
// MCP: a Tool Registry and Dynamic Persona Loader hand a workspace the
// right tool set, a Skill Engine runs multi-step automations against it,
// an Auto-Heal Core classifies and learns from tool failures, and a Live
// Execution Bus streams progress over WebSocket.
//
// # Basic Usage
//
// Start the server:
//
//	devflow-core serve --config devflow.yaml
//
// Run a skill once from the command line:
//
//	devflow-core skill run deploy --agent backend-engineer --inputs '{"env":"staging"}'
//
// Inspect or switch personas:
//
//	devflow-core persona list
//	devflow-core persona load backend-engineer
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes per the CLI surface: 0 normal, 2 bad flags/arguments, 3
// configuration error, 4 fatal initialization error (component wiring
// failed before the server could come up).
const (
	exitOK          = 0
	exitBadArgs     = 2
	exitConfigError = 3
	exitInitError   = 4
)

// rootLogger returns the process-wide logger every handler uses.
func rootLogger() *slog.Logger {
	return slog.Default()
}

// buildVersion reports the ldflags-populated version for traces and logs.
func buildVersion() string {
	return version
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return badArgs("%v", err)
	})
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a command error to one of the documented exit codes.
// cobra's own flag-parsing errors surface as *cobra.Command errors before
// RunE runs; everything that reaches here from a RunE is either a config
// load failure or a wiring failure, distinguished by cliError.code.
func exitCodeFor(err error) int {
	var ce *cliError
	if asCliError(err, &ce) {
		return ce.code
	}
	return exitInitError
}

// cliError carries an explicit exit code alongside the wrapped cause, so
// main can choose 2/3/4 without string-matching error messages.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func badArgs(format string, args ...any) error {
	return &cliError{code: exitBadArgs, err: fmt.Errorf(format, args...)}
}

func configError(err error) error {
	return &cliError{code: exitConfigError, err: err}
}

func initError(err error) error {
	return &cliError{code: exitInitError, err: err}
}

func asCliError(err error, target **cliError) bool {
	for err != nil {
		if ce, ok := err.(*cliError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
