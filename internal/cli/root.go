// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set at build time.
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
	jsonOut    bool
	quiet      bool
}

// NewRootCommand builds the full command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&rootOptions{})
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "openchat",
		Short: "Chat with an OpenAI-compatible inference server",
		Long: `openchat streams chat completions from an OpenAI-compatible inference
server, stores conversations locally and serves them over a small HTTP API.`,
		Version:       Version + " (commit: " + GitCommit + ", built: " + BuildDate + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &UsageError{Err: err}
	})

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "config file path (default ~/.openchat/config.toml)")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&opts.jsonOut, "json", false, "print machine-readable JSON")
	pf.BoolVarP(&opts.quiet, "quiet", "q", false, "suppress informational output")

	root.AddCommand(
		newChatCommand(opts),
		newTUICommand(opts),
		newHistoryCommand(opts),
		newDeleteCommand(opts),
		newResetCommand(opts),
		newModelCommand(opts),
		newConfigCommand(opts),
		newServeCommand(opts),
	)
	return root
}

// Execute runs the command line of the current process and returns the
// exit code.
func Execute(ctx context.Context) int {
	return Run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
}

// Run executes args with the given streams and returns the exit code.
// Errors are printed to stderr, or to stdout as JSON with --json.
func Run(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) int {
	opts := &rootOptions{}
	root := newRootCommand(opts)
	root.SetArgs(args)
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)
	configureColor(errOut)

	cmd, err := root.ExecuteContextC(ctx)
	if err != nil {
		name := "openchat"
		if cmd != nil {
			name = cmd.Name()
		}
		if opts.jsonOut {
			DisplayError(out, name, err, true)
		} else {
			DisplayError(errOut, name, err, false)
		}
	}
	return GetExitCode(err)
}
