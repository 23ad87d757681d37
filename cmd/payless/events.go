package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newEventsCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "events <user-id>",
		Short: "Show a user's ledger events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, configPath, cmd.Flags().Changed("config"), func(a *app) error {
				events, err := a.ledger.Events(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(events) == 0 {
					fmt.Fprintln(out, "No ledger events found.")
					return nil
				}
				if limit > 0 && len(events) > limit {
					events = events[len(events)-limit:]
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tKIND\tAMOUNT\tRESERVATION\tCORRELATION")
				for _, ev := range events {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
						ev.CreatedAt.Format("2006-01-02T15:04:05"), ev.Kind, ev.Amount, dash(ev.ReservationID), dash(ev.CorrelationID))
				}
				return w.Flush()
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "only show the last N events")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
