package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newBalanceCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "balance <user-id>",
		Short: "Show a user's credit balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, configPath, cmd.Flags().Changed("config"), func(a *app) error {
				bal, err := a.ledger.Balance(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d credits\n", args[0], bal)
				return nil
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
