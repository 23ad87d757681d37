package main

import (
	"fmt"
	"strings"

	"github.com/pario-ai/payless/pkg/pricing"
	"github.com/spf13/cobra"
)

func newPricingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pricing",
		Short: "Inspect pricing catalogs",
	}
	cmd.AddCommand(newPricingValidateCmd())
	return cmd
}

func newPricingValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a pricing catalog file before deploying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := pricing.LoadFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: version %s, %d priced models, providers %s\n",
				args[0], c.Version, len(c.Models), strings.Join(c.ProviderNames(), ", "))
			if unpriced := c.Unpriced(); len(unpriced) > 0 {
				fmt.Fprintf(out, "warning: billed at the fallback rate: %s\n", strings.Join(unpriced, ", "))
			}
			return nil
		},
	}
}
