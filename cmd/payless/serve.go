package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/pario-ai/payless/pkg/pricing"
	"github.com/pario-ai/payless/pkg/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the credit metering HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return withApp(ctx, configPath, cmd.Flags().Changed("config"), func(a *app) error {
				gin.SetMode(gin.ReleaseMode)

				if a.cfg.Pricing.File != "" && a.cfg.Pricing.Watch {
					w := pricing.NewWatcher(a.cfg.Pricing.File, a.table, a.logger)
					w.OnReload(func(_ *pricing.Catalog, err error) { a.metrics.RecordPricingReload(err) })
					go func() {
						if err := w.Watch(ctx); err != nil && ctx.Err() == nil {
							a.logger.Error("pricing watcher stopped", zap.Error(err))
						}
					}()
				}

				srv := server.New(server.Options{
					Listen:         a.cfg.Listen,
					ReservationTTL: a.cfg.Ledger.ReservationTTL,
					Ledger:         a.ledger,
					Meter:          a.meter,
					Registry:       a.registry,
					Accruer:        a.accruer,
					Metrics:        a.metrics,
					Logger:         a.logger,
				})

				a.logger.Info("starting payless",
					zap.String("config", configPath),
					zap.String("ledger", a.cfg.Ledger.Backend),
					zap.String("pricing", a.table.Version()),
					zap.Strings("providers", a.registry.Providers()))
				if err := srv.ListenAndServe(ctx); err != nil {
					return fmt.Errorf("serve: %w", err)
				}
				return nil
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
