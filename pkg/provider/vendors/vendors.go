// Package vendors builds provider bindings from configuration.
package vendors

import (
	"fmt"

	"github.com/pario-ai/payless/pkg/pricing"
	"github.com/pario-ai/payless/pkg/provider"
	"github.com/pario-ai/payless/pkg/provider/anthropic"
	"github.com/pario-ai/payless/pkg/provider/gemini"
	"github.com/pario-ai/payless/pkg/provider/openai"
	"go.uber.org/zap"
)

// New creates the binding for cfg.Type, which defaults to cfg.Name.
func New(cfg provider.Config, calc *pricing.Calculator, logger *zap.Logger) (provider.Provider, error) {
	kind := cfg.Type
	if kind == "" {
		kind = cfg.Name
	}
	switch kind {
	case "openai":
		return openai.New(cfg, calc, logger), nil
	case "anthropic":
		return anthropic.New(cfg, calc, logger), nil
	case "gemini":
		return gemini.New(cfg, calc, logger), nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %q for %s", provider.ErrUnknownProvider, kind, cfg.Name)
	}
}

// Register builds every binding in cfgs and adds it to reg.
func Register(reg *provider.Registry, calc *pricing.Calculator, logger *zap.Logger, cfgs ...provider.Config) error {
	for _, cfg := range cfgs {
		p, err := New(cfg, calc, logger)
		if err != nil {
			return err
		}
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return nil
}
