package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/xtxerr/nodescope/internal/client"
	"github.com/xtxerr/nodescope/internal/errors"
)

// newWatchCmd prints the live stream of a running daemon as JSON lines.
func newWatchCmd() *cobra.Command {
	cfg := client.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print live events, alerts, anomalies and status as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := client.Dial(ctx, cfg)
			if err != nil {
				return err
			}
			go func() {
				<-ctx.Done()
				c.Close()
			}()

			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				ev, err := c.Next()
				if err != nil {
					if errors.Is(err, client.ErrClientClosed) {
						return nil
					}
					return fmt.Errorf("stream ended after %d events: %w", c.Received(), err)
				}
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
		},
	}

	cmd.Flags().StringVarP(&cfg.Addr, "addr", "a", cfg.Addr, "stream server address")
	cmd.Flags().StringSliceVarP(&cfg.Topics, "topic", "t", nil, "topics to follow (events, alerts, anomalies, status); default all")
	return cmd
}
