// Package cmd wires the cobra command tree for the service binary.
package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root command. Bare invocation behaves as
// "serve".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "claude-agent-http",
		Short: "HTTP front-end for per-session Claude Code agent subprocesses",
		Long: "claude-agent-http brokers multi-tenant access to long-lived Claude Code\n" +
			"CLI sessions: per-user working directories, persistent session metadata,\n" +
			"bounded concurrency and SSE/WebSocket streaming.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}
