package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "payless",
		Short:         "Payless: prepaid credit metering for LLM calls",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newBalanceCmd(),
		newEarnCmd(),
		newEstimateCmd(),
		newModelsCmd(),
		newEventsCmd(),
		newVerifyCmd(),
		newMCPCmd(),
		newPricingCmd(),
	)
	return root
}

// addConfigFlag registers the --config flag shared by every command.
func addConfigFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "config", "c", "payless.yaml", "path to config file")
}
