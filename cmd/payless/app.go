package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/pario-ai/payless/pkg/config"
	"github.com/pario-ai/payless/pkg/earn"
	"github.com/pario-ai/payless/pkg/ledger"
	ledgerredis "github.com/pario-ai/payless/pkg/ledger/redis"
	ledgersqlite "github.com/pario-ai/payless/pkg/ledger/sqlite"
	"github.com/pario-ai/payless/pkg/logging"
	"github.com/pario-ai/payless/pkg/metering"
	"github.com/pario-ai/payless/pkg/metrics"
	"github.com/pario-ai/payless/pkg/pricing"
	"github.com/pario-ai/payless/pkg/provider"
	"github.com/pario-ai/payless/pkg/provider/vendors"
	"go.uber.org/zap"
)

// app holds the components every command is built from.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	table    *pricing.Table
	calc     *pricing.Calculator
	registry *provider.Registry
	ledger   *ledger.Ledger
	meter    *metering.Meter
	accruer  *earn.Accruer
}

// loadConfig reads path. A missing file at the default path yields the
// defaults so one-off commands work without a config.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("load config: %w", err)
}

// newApp wires the pricing table, provider registry, ledger and meter.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := logging.New(cfg.LogOptions())
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(cfg.Metrics.Namespace)
	}

	catalog := pricing.DefaultCatalog()
	if cfg.Pricing.File != "" {
		catalog, err = pricing.LoadFile(cfg.Pricing.File)
		if err != nil {
			return nil, fmt.Errorf("load pricing: %w", err)
		}
	}
	a.table = pricing.NewTable(catalog)
	a.calc = pricing.NewCalculator(a.table)

	a.registry = provider.NewRegistry(a.table)
	if err := vendors.Register(a.registry, a.calc, logger, cfg.ProviderConfigs()...); err != nil {
		return nil, fmt.Errorf("register providers: %w", err)
	}
	for _, al := range cfg.Aliases {
		a.registry.SetAlias(al.Name, provider.Route{Provider: al.Provider, Model: al.Model})
	}

	store, err := openStore(ctx, cfg.Ledger)
	if err != nil {
		return nil, err
	}
	a.ledger = ledger.New(store,
		ledger.WithLogger(logger),
		ledger.WithMetrics(a.metrics),
		ledger.WithStartingGrant(cfg.Ledger.StartingGrant))

	a.meter = metering.New(a.registry, a.calc, a.ledger,
		metering.WithTimeout(cfg.Execute.Timeout),
		metering.WithLogger(logger),
		metering.WithMetrics(a.metrics))
	a.accruer = earn.New(a.ledger, cfg.Earn.CreditsPerMinute, cfg.Earn.MaxTickSeconds, earn.WithLogger(logger))
	return a, nil
}

func openStore(ctx context.Context, cfg config.LedgerConfig) (ledger.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return ledger.NewMemoryStore(), nil
	case config.BackendSQLite:
		s, err := ledgersqlite.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		return s, nil
	case config.BackendRedis:
		s, err := ledgerredis.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
		if err != nil {
			return nil, fmt.Errorf("open redis ledger: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

func (a *app) Close() error {
	err := a.ledger.Close()
	_ = a.logger.Sync()
	return err
}

// withApp loads config, wires the app and runs fn.
func withApp(ctx context.Context, configPath string, explicit bool, fn func(*app) error) error {
	cfg, err := loadConfig(configPath, explicit)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(a)
}
