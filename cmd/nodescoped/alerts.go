package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xtxerr/nodescope/internal/alert"
	"github.com/xtxerr/nodescope/internal/loader"
	"github.com/xtxerr/nodescope/internal/store"
	"github.com/xtxerr/nodescope/internal/types"
)

// newAlertsCmd manages stored alerts. The database allows one writer, so
// these commands are meant for a stopped daemon or a copy of its database.
func newAlertsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List, acknowledge or resolve alerts",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List unresolved alerts, newest first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withAlerts(cmd.Context(), opts, func(cfg *loader.Config, m *alert.Manager) error {
					list, err := m.Active(cmd.Context(), cfg.NodeNames())
					if err != nil {
						return err
					}
					printAlerts(cmd.OutOrStdout(), list)
					return nil
				})
			},
		},
		alertMutation(opts, "ack", "Acknowledge an alert", (*alert.Manager).Acknowledge),
		alertMutation(opts, "resolve", "Resolve an alert", (*alert.Manager).Resolve),
	)
	return cmd
}

func alertMutation(opts *options, use, short string,
	fn func(*alert.Manager, context.Context, string) (*types.Alert, error)) *cobra.Command {

	return &cobra.Command{
		Use:   use + " <id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAlerts(cmd.Context(), opts, func(_ *loader.Config, m *alert.Manager) error {
				var done []*types.Alert
				for _, id := range args {
					a, err := fn(m, cmd.Context(), id)
					if err != nil {
						return fmt.Errorf("%s %s: %w", use, id, err)
					}
					done = append(done, a)
				}
				printAlerts(cmd.OutOrStdout(), done)
				return nil
			})
		},
	}
}

func withAlerts(ctx context.Context, opts *options, fn func(*loader.Config, *alert.Manager) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("alerts need a database path (store.path or --db)")
	}

	sc := store.DefaultConfig()
	sc.DSN = cfg.Store.Path
	st, err := store.New(sc)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Health(ctx); err != nil {
		return err
	}

	return fn(cfg, alert.New(st, alert.Config{Thresholds: cfg.Alerts.Thresholds}, alert.Deps{}))
}

func printAlerts(w io.Writer, list []*types.Alert) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNODE\tSEVERITY\tCATEGORY\tCREATED\tACK\tTITLE")
	for _, a := range list {
		ack := "-"
		if a.Acknowledged {
			ack = "yes"
		}
		if a.Resolved {
			ack = "resolved"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.Node, a.Severity, a.Category, a.CreatedAt.Local().Format("2006-01-02 15:04"), ack, a.Title)
	}
	tw.Flush()
}
