package cli

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"kbconsole/internal/app"
	"kbconsole/internal/config"
	"kbconsole/internal/readstate"
	logx "kbconsole/pkg/logx"
)

// NewReadStateCommand groups the offline read-state tools. They open the
// configured storage directly, so stop the daemon first when the driver
// takes an exclusive lock (badger).
func NewReadStateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "readstate",
		Short: "Inspect or edit the persisted read-state set",
	}
	cmd.AddCommand(newReadStateListCommand(rootOpts))
	cmd.AddCommand(newReadStateAddCommand(rootOpts))
	return cmd
}

func newReadStateListCommand(rootOpts *RootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print every acknowledged notification id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadState(rootOpts, func(ctx context.Context, rs *readstate.Store) error {
				ids := rs.GetAll(ctx).Sorted()
				out := cmd.OutOrStdout()
				if asJSON {
					return json.NewEncoder(out).Encode(ids)
				}
				for _, id := range ids {
					if _, err := fmt.Fprintln(out, id); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print a JSON array")
	return cmd
}

func newReadStateAddCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add <id>...",
		Short: "Mark notification ids as read",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]string, 0, len(args))
			for _, a := range args {
				if a = strings.TrimSpace(a); a != "" {
					ids = append(ids, a)
				}
			}
			if len(ids) == 0 {
				return fmt.Errorf("no ids given")
			}
			return withReadState(rootOpts, func(ctx context.Context, rs *readstate.Store) error {
				rs.Add(ctx, ids...)
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%d ids read\n", rs.Len(ctx))
				return err
			})
		},
	}
}

func withReadState(opts *RootOptions, fn func(ctx context.Context, rs *readstate.Store) error) error {
	log := logx.NewConsole("warn")
	cfg, err := config.NewManager(opts.ConfigPath, log).Load()
	if err != nil {
		return err
	}
	rs, closeFn, err := app.OpenReadState(cfg, log)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(context.Background(), rs)
}
