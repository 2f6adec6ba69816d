package cli

import (
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X kbconsole/internal/cli.Version=...".
var Version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand creates the root command for the feedd CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "feedd",
		Short: "Admin notification feed daemon",
		Long: `feedd merges the audit log, pending payments and pending support requests
into one live notification feed with read state and new-item alerts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "./config.json", "path to config file (json or yaml)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewReadStateCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}
