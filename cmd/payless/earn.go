package main

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/pario-ai/payless/pkg/earn"
	"github.com/spf13/cobra"
)

func newEarnCmd() *cobra.Command {
	var (
		configPath    string
		correlationID string
		adSeconds     bool
	)

	cmd := &cobra.Command{
		Use:   "earn <user-id> <amount>",
		Short: "Credit a user, once per correlation id",
		Long: "Credit a user. Repeating a correlation id is a no-op.\n" +
			"With --ad-seconds, amount is seconds of ad time converted at the configured rate.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("parse amount: %w", err)
			}
			if correlationID == "" {
				correlationID = "cli:" + uuid.NewString()
			}

			ctx := cmd.Context()
			return withApp(ctx, configPath, cmd.Flags().Changed("config"), func(a *app) error {
				out := cmd.OutOrStdout()
				if adSeconds {
					res, err := a.accruer.Accrue(ctx, earn.Tick{UserID: args[0], TickID: correlationID, Seconds: int(amount)})
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "credited %d (applied=%t), balance %d\n", res.Credits, res.Applied, res.Balance)
					return nil
				}

				applied, err := a.ledger.Earn(ctx, args[0], amount, correlationID)
				if err != nil {
					return err
				}
				bal, err := a.ledger.Balance(ctx, args[0])
				if err != nil {
					return err
				}
				if !applied {
					fmt.Fprintf(out, "%s already applied, balance %d\n", correlationID, bal)
					return nil
				}
				fmt.Fprintf(out, "credited %d, balance %d\n", amount, bal)
				return nil
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&correlationID, "id", "", "correlation id (default: random)")
	cmd.Flags().BoolVar(&adSeconds, "ad-seconds", false, "treat amount as seconds of ad time")
	return cmd
}
