package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVerifyCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "verify <user-id>...",
		Short: "Replay users' event logs and check them against stored balances",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, configPath, cmd.Flags().Changed("config"), func(a *app) error {
				out := cmd.OutOrStdout()
				failed := 0
				for _, user := range args {
					bal, err := a.ledger.Verify(ctx, user)
					if err != nil {
						failed++
						fmt.Fprintf(out, "FAIL\t%s\t%v\n", user, err)
						continue
					}
					fmt.Fprintf(out, "OK\t%s\t%d\n", user, bal)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d users failed verification", failed, len(args))
				}
				return nil
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
