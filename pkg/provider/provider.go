// Package provider abstracts LLM vendors behind one interface.
//
// Every binding embeds Base, which supplies the shared cost estimate and a
// circuit-breaking HTTP client, so a binding only implements Execute.
package provider

import (
	"context"
	"time"

	"github.com/pario-ai/payless/pkg/models"
)

// ExecuteOptions tunes a single vendor call.
type ExecuteOptions struct {
	// MaxTokens caps output tokens. Zero means the pricing default.
	MaxTokens    int
	SystemPrompt string
}

// Provider is an executable LLM vendor.
type Provider interface {
	// Name returns the vendor name used for registry lookups.
	Name() string
	// EstimateCost returns the ceiling credit cost of prompt against model.
	EstimateCost(prompt, model string, maxTokens int) (int64, error)
	// Execute performs the vendor call. Failures are returned as-is; no
	// retries are attempted.
	Execute(ctx context.Context, prompt, model string, opts ExecuteOptions) (*models.LLMResponse, error)
}

// Config configures a vendor binding.
type Config struct {
	Name       string
	Type       string
	URL        string
	APIKey     string
	APIVersion string
	Timeout    time.Duration
}

// DefaultTimeout bounds a single HTTP round trip to a vendor.
const DefaultTimeout = 120 * time.Second
