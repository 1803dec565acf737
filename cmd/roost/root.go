package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the roost CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roost",
		Short: "Roost - a process host for plugins",
		Long: `Roost supervises plugins as child processes, speaking a framed
ndjson protocol over their stdio, and runs sandboxed Lua plugins
in-process.`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: XDG config dir)")

	// Add subcommands
	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewStatusCmd())
	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewSchemaCmd())

	return cmd
}
