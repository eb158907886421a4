// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/openllm-chat/internal/chaterr"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0
	// ExitGeneralError indicates a general/unknown error
	ExitGeneralError = 1
	// ExitUsageError indicates invalid command usage or arguments
	ExitUsageError = 2
	// ExitConfigError indicates a configuration file or settings error
	ExitConfigError = 3
	// ExitNetworkError indicates the inference server could not be used
	ExitNetworkError = 5
	// ExitNotFoundError indicates a chat, model or endpoint was not found
	ExitNotFoundError = 7
	// ExitTimeoutError indicates an operation timed out
	ExitTimeoutError = 8
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// UsageError wraps a bad flag, argument or command name.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }

// ConfigError wraps a configuration that could not be loaded or saved.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("config %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("config: %v", e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func usageErrorf(format string, args ...any) error {
	return &UsageError{Err: fmt.Errorf(format, args...)}
}

// usageArgs marks positional argument failures as usage errors.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return &UsageError{Err: err}
		}
		return nil
	}
}

// =============================================================================
// EXIT CODE MAPPING
// =============================================================================

// GetExitCode maps err to a process exit code.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var usage *UsageError
	var cfgErr *ConfigError
	switch {
	case errors.As(err, &usage):
		return ExitUsageError
	case errors.As(err, &cfgErr):
		return ExitConfigError
	case errors.Is(err, context.DeadlineExceeded):
		return ExitTimeoutError
	// Model and endpoint 404s are transport errors too; not found wins.
	case errors.Is(err, chaterr.ErrNotFound):
		return ExitNotFoundError
	case errors.Is(err, chaterr.ErrTransport):
		return ExitNetworkError
	case errors.Is(err, chaterr.ErrValidation):
		return ExitUsageError
	case isCobraUsage(err):
		return ExitUsageError
	default:
		return ExitGeneralError
	}
}

// isCobraUsage recognizes the unknown-command errors cobra returns unwrapped.
func isCobraUsage(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown command") ||
		strings.HasPrefix(msg, "unknown flag") ||
		strings.HasPrefix(msg, "unknown shorthand flag")
}

// =============================================================================
// ERROR DISPLAY
// =============================================================================

// DisplayError prints err to w. In JSON mode the error envelope goes to w as
// well so scripted callers read a single stream.
func DisplayError(w io.Writer, command string, err error, jsonMode bool) {
	if err == nil {
		return
	}
	if jsonMode {
		_ = NewJSONErrorResponse(command, err).Write(w)
		return
	}

	fmt.Fprintf(w, "%s %s\n", errorStyle.Render("[ERROR]"), err.Error())
	if chaterr.KindOf(err) != chaterr.KindUnknown {
		fmt.Fprintf(w, "%s\n", dimStyle.Render(chaterr.Guidance(err)))
	}
	if GetExitCode(err) == ExitUsageError {
		fmt.Fprintf(w, "%s\n", dimStyle.Render("Run 'openchat --help' for usage."))
	}
}
