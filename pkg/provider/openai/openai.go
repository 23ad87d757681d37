// Package openai binds the OpenAI chat completions API.
package openai

import (
	"context"

	"github.com/pario-ai/payless/pkg/models"
	"github.com/pario-ai/payless/pkg/pricing"
	"github.com/pario-ai/payless/pkg/provider"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// DefaultURL is the public OpenAI endpoint.
const DefaultURL = "https://api.openai.com"

// Provider executes prompts against OpenAI.
type Provider struct {
	provider.Base
}

// New creates an OpenAI binding.
func New(cfg provider.Config, calc *pricing.Calculator, logger *zap.Logger) *Provider {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	return &Provider{Base: provider.NewBase(cfg, calc, logger)}
}

// Execute sends prompt as a single user message.
func (p *Provider) Execute(ctx context.Context, prompt, model string, opts provider.ExecuteOptions) (*models.LLMResponse, error) {
	var msgs []models.ChatMessage
	if opts.SystemPrompt != "" {
		msgs = append(msgs, models.ChatMessage{Role: "system", Content: opts.SystemPrompt})
	}
	msgs = append(msgs, models.ChatMessage{Role: "user", Content: prompt})

	req := models.ChatCompletionRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: provider.MaxTokens(opts),
	}
	body, err := p.PostJSON(ctx, model, p.URL()+"/v1/chat/completions", req, map[string]string{
		"Authorization": "Bearer " + p.APIKey(),
	})
	if err != nil {
		return nil, err
	}

	res := gjson.ParseBytes(body)
	if m := res.Get("model").String(); m != "" {
		model = m
	}
	return p.Response(model, prompt, opts.SystemPrompt,
		res.Get("choices.0.message.content").String(),
		res.Get("choices.0.finish_reason").String(),
		int(res.Get("usage.prompt_tokens").Int()),
		int(res.Get("usage.completion_tokens").Int()),
	), nil
}
