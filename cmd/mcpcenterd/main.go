// Command mcpcenterd runs the mcp-center daemon: it loads backend
// definitions for a root directory, dials and supervises each configured
// MCP server, and exposes the bridge and administrative sockets described
// in the daemon's process contract.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcpcenter/mcpcenter/internal/layout"
	"github.com/mcpcenter/mcpcenter/internal/logger"
	"github.com/mcpcenter/mcpcenter/internal/supervisor"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitErr, ok := err.(exitError); ok {
			os.Exit(exitErr.code)
		}
		os.Exit(2)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:               "mcpcenterd",
		DisableAutoGenTag: true,
		Short:             "mcpcenterd is the mcp-center multiplexing hub daemon",
		Long: `mcpcenterd loads backend server definitions from a root directory, keeps
one long-lived connection to each configured MCP server, and exposes a
merged tool surface to bridge clients over a local control socket.`,
	}
	root.SilenceUsage = true
	root.SilenceErrors = true
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var rootFlag string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon and block until shutdown",
		Long: `serve resolves the daemon root (via --root, the MCP_CENTER_ROOT
environment variable, or ~/.mcp-center by default), acquires the
root's pid file, boots every configured backend, and then accepts bridge
and administrative connections until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, rootFlag, debug)
		},
	}

	cmd.Flags().StringVar(&rootFlag, "root", "", "daemon root directory (default: $MCP_CENTER_ROOT or ~/.mcp-center)")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug-level logging")

	return cmd
}

func runServe(cmd *cobra.Command, rootFlag string, debug bool) error {
	l, err := layout.New(rootFlag)
	if err != nil {
		return exitError{code: 1, err: fmt.Errorf("resolving root: %w", err)}
	}

	log := logger.New(debug)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sup := supervisor.New(l, log)
	code := sup.Run(ctx)
	if code != supervisor.ExitClean {
		return exitError{code: int(code), err: fmt.Errorf("daemon exited: %s", code)}
	}
	return nil
}

// exitError lets RunE report a specific process exit code without cobra
// printing its own generic error wrapping on top.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
