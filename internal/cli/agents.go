package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// NewAgentsCmd lists the agents a daemon hosts.
func NewAgentsCmd(opts *Options) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List agents hosted by the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, logger, err := newClient(opts)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			runCtx, stopRun := context.WithCancel(ctx)
			defer stopRun()
			go c.Run(runCtx) //nolint:errcheck // ends with runCtx

			if err := c.WaitConnected(ctx); err != nil {
				return fmt.Errorf("connect to daemon: %w", err)
			}
			agents, err := c.ListAgents(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLABEL\tPROVIDER\tSTATE\tEPOCH\tHEAD")
			for _, a := range agents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", a.ID, a.Label, a.Provider, a.State, a.Epoch, a.HeadSeq)
			}
			return w.Flush()
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for the daemon")
	return cmd
}
