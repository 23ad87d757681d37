package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/pario-ai/payless/pkg/metering"
	"github.com/spf13/cobra"
)

func newEstimateCmd() *cobra.Command {
	var (
		configPath string
		req        metering.Request
	)

	cmd := &cobra.Command{
		Use:   "estimate <prompt...>",
		Short: "Show the credit ceiling for a prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Prompt = strings.Join(args, " ")
			return withApp(cmd.Context(), configPath, cmd.Flags().Changed("config"), func(a *app) error {
				_, est, err := a.meter.Estimate(req)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "PROVIDER\tMODEL\tINPUT\tOUTPUT (MAX)\tCREDITS")
				model := est.Model
				if est.Fallback {
					model += " (fallback price)"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n",
					est.Provider, model, est.InputTokens, est.AssumedOutputTokens, est.EstimatedCredits)
				return w.Flush()
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&req.Provider, "provider", "p", "", "provider name (default: implied by model)")
	cmd.Flags().StringVarP(&req.Model, "model", "m", "", "model id (default: provider default)")
	cmd.Flags().StringVar(&req.SystemPrompt, "system", "", "system prompt")
	cmd.Flags().IntVar(&req.MaxTokens, "max-tokens", 0, "maximum output tokens (default 1000)")
	return cmd
}
