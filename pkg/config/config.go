package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pario-ai/payless/pkg/logging"
	"github.com/pario-ai/payless/pkg/metering"
	"github.com/pario-ai/payless/pkg/provider"
	"gopkg.in/yaml.v3"
)

// Ledger backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config holds all Payless configuration.
type Config struct {
	Listen    string           `yaml:"listen"`
	Ledger    LedgerConfig     `yaml:"ledger"`
	Pricing   PricingConfig    `yaml:"pricing"`
	Providers []ProviderConfig `yaml:"providers"`
	Aliases   []AliasConfig    `yaml:"aliases"`
	Execute   ExecuteConfig    `yaml:"execute"`
	Earn      EarnConfig       `yaml:"earn"`
	Log       LogConfig        `yaml:"log"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// LedgerConfig selects and configures the credit store.
type LedgerConfig struct {
	Backend       string      `yaml:"backend"`
	DBPath        string      `yaml:"db_path"`
	Redis         RedisConfig `yaml:"redis"`
	StartingGrant int64       `yaml:"starting_grant"`
	// Reservations older than this are released by the janitor. Zero disables it.
	ReservationTTL time.Duration `yaml:"reservation_ttl"`
}

// RedisConfig locates the redis ledger.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// PricingConfig points at an optional pricing catalog file.
type PricingConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// ProviderConfig defines an upstream LLM vendor.
// Type is "openai", "anthropic" or "gemini"; empty means Name.
type ProviderConfig struct {
	Name       string        `yaml:"name"`
	Type       string        `yaml:"type"`
	URL        string        `yaml:"url"`
	APIKey     string        `yaml:"api_key"`
	APIVersion string        `yaml:"api_version"`
	Timeout    time.Duration `yaml:"timeout"`
}

// AliasConfig maps a client-facing model name to a provider and model.
type AliasConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// ExecuteConfig bounds vendor calls.
type ExecuteConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// EarnConfig sets the ad-watch accrual rate.
type EarnConfig struct {
	CreditsPerMinute int64 `yaml:"credits_per_minute"`
	MaxTickSeconds   int   `yaml:"max_tick_seconds"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Ledger: LedgerConfig{
			Backend:        BackendSQLite,
			DBPath:         "payless.db",
			Redis:          RedisConfig{Addr: "localhost:6379", Prefix: "payless"},
			StartingGrant:  100,
			ReservationTTL: 15 * time.Minute,
		},
		Execute: ExecuteConfig{
			Timeout: 60 * time.Second,
		},
		Earn: EarnConfig{
			CreditsPerMinute: 10,
			MaxTickSeconds:   300,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "payless",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports every problem it finds.
func (c *Config) Validate() error {
	var errs []error

	switch c.Ledger.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Ledger.DBPath == "" {
			errs = append(errs, errors.New("ledger.db_path is required for the sqlite backend"))
		}
	case BackendRedis:
		if c.Ledger.Redis.Addr == "" {
			errs = append(errs, errors.New("ledger.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.backend %q: want memory, sqlite or redis", c.Ledger.Backend))
	}
	if c.Ledger.StartingGrant < 0 {
		errs = append(errs, fmt.Errorf("ledger.starting_grant %d is negative", c.Ledger.StartingGrant))
	}
	if c.Ledger.ReservationTTL < 0 {
		errs = append(errs, fmt.Errorf("ledger.reservation_ttl %s is negative", c.Ledger.ReservationTTL))
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: name is required", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		switch p.kind() {
		case "openai", "anthropic", "gemini":
		default:
			errs = append(errs, fmt.Errorf("providers[%d]: unknown type %q", i, p.kind()))
		}
	}
	for i, a := range c.Aliases {
		if a.Name == "" || a.Provider == "" {
			errs = append(errs, fmt.Errorf("aliases[%d]: name and provider are required", i))
		}
	}

	if c.Execute.Timeout < 0 {
		errs = append(errs, fmt.Errorf("execute.timeout %s is negative", c.Execute.Timeout))
	}
	// The janitor must not release a hold while its call can still be running.
	if ttl, limit := c.Ledger.ReservationTTL, c.executeTimeout(); ttl > 0 && ttl <= limit {
		errs = append(errs, fmt.Errorf("ledger.reservation_ttl %s must exceed the execute timeout %s", ttl, limit))
	}
	if c.Earn.CreditsPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("earn.credits_per_minute must be positive, got %d", c.Earn.CreditsPerMinute))
	}
	if c.Earn.MaxTickSeconds <= 0 {
		errs = append(errs, fmt.Errorf("earn.max_tick_seconds must be positive, got %d", c.Earn.MaxTickSeconds))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// executeTimeout is the bound the meter applies to every vendor call.
func (c *Config) executeTimeout() time.Duration {
	if c.Execute.Timeout > 0 {
		return c.Execute.Timeout
	}
	return metering.DefaultExecuteTimeout
}

func (p ProviderConfig) kind() string {
	if p.Type != "" {
		return p.Type
	}
	return p.Name
}

// Binding converts the entry into a vendor binding config.
func (p ProviderConfig) Binding() provider.Config {
	return provider.Config{
		Name:       p.Name,
		Type:       p.kind(),
		URL:        p.URL,
		APIKey:     p.APIKey,
		APIVersion: p.APIVersion,
		Timeout:    p.Timeout,
	}
}

// builtinProviders is used when no providers are configured. Keys come from
// the vendors' usual environment variables.
func builtinProviders() []ProviderConfig {
	return []ProviderConfig{
		{Name: "openai", APIKey: os.Getenv("OPENAI_API_KEY")},
		{Name: "anthropic", APIKey: os.Getenv("ANTHROPIC_API_KEY")},
		{Name: "gemini", APIKey: os.Getenv("GEMINI_API_KEY")},
	}
}

// ProviderConfigs converts all configured providers, or the three built-in
// vendors when none are configured.
func (c *Config) ProviderConfigs() []provider.Config {
	providers := c.Providers
	if len(providers) == 0 {
		providers = builtinProviders()
	}
	out := make([]provider.Config, 0, len(providers))
	for _, p := range providers {
		out = append(out, p.Binding())
	}
	return out
}

// LogOptions converts the log section for logging.New.
func (c *Config) LogOptions() logging.Options {
	return logging.Options{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}
