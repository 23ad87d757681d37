// Package anthropic binds the Anthropic messages API.
package anthropic

import (
	"context"
	"strings"

	"github.com/pario-ai/payless/pkg/models"
	"github.com/pario-ai/payless/pkg/pricing"
	"github.com/pario-ai/payless/pkg/provider"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	// DefaultURL is the public Anthropic endpoint.
	DefaultURL = "https://api.anthropic.com"
	// DefaultAPIVersion is sent as the anthropic-version header.
	DefaultAPIVersion = "2023-06-01"
)

// Provider executes prompts against Anthropic.
type Provider struct {
	provider.Base
	version string
}

// New creates an Anthropic binding.
func New(cfg provider.Config, calc *pricing.Calculator, logger *zap.Logger) *Provider {
	if cfg.Name == "" {
		cfg.Name = "anthropic"
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	version := cfg.APIVersion
	if version == "" {
		version = DefaultAPIVersion
	}
	return &Provider{Base: provider.NewBase(cfg, calc, logger), version: version}
}

// Execute sends prompt as a single user turn.
func (p *Provider) Execute(ctx context.Context, prompt, model string, opts provider.ExecuteOptions) (*models.LLMResponse, error) {
	req := models.AnthropicRequest{
		Model:     model,
		Messages:  []models.ChatMessage{{Role: "user", Content: prompt}},
		System:    opts.SystemPrompt,
		MaxTokens: provider.MaxTokens(opts),
	}
	body, err := p.PostJSON(ctx, model, p.URL()+"/v1/messages", req, map[string]string{
		"x-api-key":         p.APIKey(),
		"anthropic-version": p.version,
	})
	if err != nil {
		return nil, err
	}

	res := gjson.ParseBytes(body)
	var text strings.Builder
	res.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			text.WriteString(block.Get("text").String())
		}
		return true
	})
	if m := res.Get("model").String(); m != "" {
		model = m
	}
	return p.Response(model, prompt, opts.SystemPrompt,
		text.String(),
		res.Get("stop_reason").String(),
		int(res.Get("usage.input_tokens").Int()),
		int(res.Get("usage.output_tokens").Int()),
	), nil
}
