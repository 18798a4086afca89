package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes follow sysexits where one fits.
const (
	exitOK          = 0
	exitUsage       = 64
	exitUnavailable = 69
	exitSoftware    = 70
	exitSignal      = 130
)

var flagConfig string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "dshield-mcp",
		Short:   "Security analysis MCP server over a SIEM event store",
		Version: version,
		// Running the binary bare starts the server; that is what MCP
		// clients spawning a stdio child expect.
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to the configuration file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newAPIKeyCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

// exitError carries a specific exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintln(os.Stderr, "error:", ee.err)
			}
			return ee.code
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitSoftware
	}
	return exitOK
}
