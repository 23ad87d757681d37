// Package pricing converts token counts into credits.
//
// Prices live in a versioned Catalog that ships with built-in defaults and
// can be replaced from a YAML file at runtime through Table.Swap.
package pricing

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/pario-ai/payless/pkg/models"
	"gopkg.in/yaml.v3"
)

// DefaultVersion identifies the built-in catalog.
const DefaultVersion = "builtin-2025-05"

// ErrInvalidCatalog is returned when a catalog fails validation.
var ErrInvalidCatalog = errors.New("invalid pricing catalog")

// Catalog is a versioned pricing table plus per-vendor model lists.
type Catalog struct {
	Version   string                               `yaml:"version" json:"version"`
	Models    map[string]models.PricingEntry       `yaml:"models" json:"models"`
	Providers map[string]models.ProviderDescriptor `yaml:"providers" json:"providers"`
}

// DefaultCatalog returns the built-in pricing table. Prices are credits per
// 1000 tokens where one credit is roughly $0.001 of inference.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Version: DefaultVersion,
		Models: map[string]models.PricingEntry{
			"gpt-4o":      {Input: 2.5, Output: 10},
			"gpt-4o-mini": {Input: 0.15, Output: 0.6},
			"o1":          {Input: 15, Output: 60},
			"o1-mini":     {Input: 3, Output: 12},
			"o3-mini":     {Input: 1.1, Output: 4.4},

			"claude-sonnet-4-20250514":   {Input: 3, Output: 15},
			"claude-3-5-sonnet-20241022": {Input: 3, Output: 15},
			"claude-3-5-haiku-20241022":  {Input: 0.8, Output: 4},
			"claude-3-opus-20240229":     {Input: 15, Output: 75},

			"gemini-2.0-flash":      {Input: 0.1, Output: 0.4},
			"gemini-2.0-flash-lite": {Input: 0.02, Output: 0.08},
			"gemini-1.5-pro":        {Input: 1.25, Output: 5},
			"gemini-1.5-flash":      {Input: 0.075, Output: 0.3},
		},
		Providers: map[string]models.ProviderDescriptor{
			"openai": {
				Name:            "openai",
				DefaultModel:    "gpt-4o",
				AvailableModels: []string{"gpt-4o", "gpt-4o-mini", "o1", "o1-mini", "o3-mini"},
			},
			"anthropic": {
				Name:         "anthropic",
				DefaultModel: "claude-sonnet-4-20250514",
				AvailableModels: []string{
					"claude-sonnet-4-20250514",
					"claude-3-5-sonnet-20241022",
					"claude-3-5-haiku-20241022",
					"claude-3-opus-20240229",
				},
			},
			"gemini": {
				Name:            "gemini",
				DefaultModel:    "gemini-2.0-flash",
				AvailableModels: []string{"gemini-2.0-flash", "gemini-2.0-flash-lite", "gemini-1.5-pro", "gemini-1.5-flash"},
			},
		},
	}
}

// LoadFile reads a YAML catalog, expanding environment variables first.
// Provider names default to their map keys.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing: %w", err)
	}

	var c Catalog
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &c); err != nil {
		return nil, fmt.Errorf("parse pricing: %w", err)
	}
	for name, d := range c.Providers {
		if d.Name == "" {
			d.Name = name
			c.Providers[name] = d
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// MaxPrice is the largest accepted price in credits per 1000 tokens.
const MaxPrice = 1_000_000

// Validate checks that every price is within [0, MaxPrice] and every vendor's
// default model is one of its available models.
func (c *Catalog) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("%w: missing version", ErrInvalidCatalog)
	}
	for id, p := range c.Models {
		if p.Input < 0 || p.Output < 0 {
			return fmt.Errorf("%w: negative price for %s", ErrInvalidCatalog, id)
		}
		if p.Input > MaxPrice || p.Output > MaxPrice {
			return fmt.Errorf("%w: price for %s above %d credits per 1K tokens", ErrInvalidCatalog, id, MaxPrice)
		}
	}
	for name, d := range c.Providers {
		if d.DefaultModel == "" {
			return fmt.Errorf("%w: provider %s has no default model", ErrInvalidCatalog, name)
		}
		if !d.HasModel(d.DefaultModel) {
			return fmt.Errorf("%w: provider %s default model %s not in available models", ErrInvalidCatalog, name, d.DefaultModel)
		}
	}
	return nil
}

// Unpriced lists available models with no pricing entry, sorted. Such
// models are billed at the fallback rate.
func (c *Catalog) Unpriced() []string {
	var out []string
	for _, d := range c.Providers {
		for _, m := range d.AvailableModels {
			if _, ok := c.Models[m]; !ok {
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out
}

// ProviderNames returns the vendor names in sorted order.
func (c *Catalog) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
