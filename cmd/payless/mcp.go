package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pario-ai/payless/pkg/mcp"
	"github.com/spf13/cobra"
)

func newMCPCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start Payless as an MCP server on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Logs go to stderr or the configured file; stdout carries the protocol.
			return withApp(ctx, configPath, cmd.Flags().Changed("config"), func(a *app) error {
				srv := mcp.New(a.ledger, a.meter, a.registry, a.logger, version)
				return srv.Run(ctx, os.Stdin, os.Stdout)
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
