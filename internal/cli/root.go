// Package cli implements the skyflow-tokenizer command line.
package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"skyflow-batch-tokenizer/pkg/types"
)

// Exit codes for CLI commands.
const (
	ExitSuccess     = 0
	ExitFailure     = 1 // run error: source, sink, vault auth or reconciliation
	ExitConfigError = 2 // invalid flags or configuration, nothing was processed
)

// ExitError carries the process exit code of a failed command
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Configuration errors map
// to ExitConfigError, everything else to ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if errors.Is(err, types.ErrConfig) {
		return ExitConfigError
	}
	return ExitFailure
}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	LogLevel string
	LogFile  string
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "skyflow-tokenizer",
		Short: "Batch tokenization of tabular data through a Skyflow vault",
		Long: `Reads records from CSV or a database table, tokenizes them through the
Skyflow vault insert API in parallel chunks and writes the tokens back in the
original row order. Records that cannot be tokenized go to a failures file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error), overrides config")
	cmd.PersistentFlags().StringVar(&opts.LogFile, "log-file", "", "JSON log file, overrides config")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewGenConfigCommand(opts))
	cmd.AddCommand(NewGenerateCommand(opts))
	cmd.AddCommand(NewMockVaultCommand(opts))
	cmd.AddCommand(NewClearCommand(opts))

	return cmd
}
