// Package cli implements the approvals command line: the HTTP server, a
// one-shot automation sweep, and a dump of the normalized application types.
package cli

import (
	"github.com/spf13/cobra"
)

const serviceName = "approvals"

// RootOptions holds global flags and build information for all commands.
type RootOptions struct {
	ConfigPath string

	Version string
	Commit  string
}

// NewRootCommand creates the root command.
func NewRootCommand(version, commit string) *cobra.Command {
	opts := &RootOptions{Version: version, Commit: commit}

	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Approval workflow service",
		Long:          "Runs multi-step approval workflows over application types loaded from YAML definitions.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}} (" + commit + ")\n")

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "config.yaml", "path to configuration file")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewTypesCommand(opts))

	return cmd
}
