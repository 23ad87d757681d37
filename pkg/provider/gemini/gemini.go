// Package gemini binds the Google Gemini generateContent API.
package gemini

import (
	"context"
	"net/url"
	"strings"

	"github.com/pario-ai/payless/pkg/models"
	"github.com/pario-ai/payless/pkg/pricing"
	"github.com/pario-ai/payless/pkg/provider"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// DefaultURL is the public Gemini endpoint.
const DefaultURL = "https://generativelanguage.googleapis.com"

// Provider executes prompts against Gemini.
type Provider struct {
	provider.Base
}

// New creates a Gemini binding.
func New(cfg provider.Config, calc *pricing.Calculator, logger *zap.Logger) *Provider {
	if cfg.Name == "" {
		cfg.Name = "gemini"
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	return &Provider{Base: provider.NewBase(cfg, calc, logger)}
}

// Execute sends prompt as a single user content block.
func (p *Provider) Execute(ctx context.Context, prompt, model string, opts provider.ExecuteOptions) (*models.LLMResponse, error) {
	req := models.GeminiRequest{
		Contents: []models.GeminiContent{{
			Role:  "user",
			Parts: []models.GeminiPart{{Text: prompt}},
		}},
		GenerationConfig: &models.GeminiGenerationConfig{MaxOutputTokens: provider.MaxTokens(opts)},
	}
	if opts.SystemPrompt != "" {
		req.SystemInstruction = &models.GeminiContent{Parts: []models.GeminiPart{{Text: opts.SystemPrompt}}}
	}

	endpoint := p.URL() + "/v1beta/models/" + url.PathEscape(model) + ":generateContent"
	body, err := p.PostJSON(ctx, model, endpoint, req, map[string]string{
		"x-goog-api-key": p.APIKey(),
	})
	if err != nil {
		return nil, err
	}

	res := gjson.ParseBytes(body)
	var text strings.Builder
	res.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		text.WriteString(part.Get("text").String())
		return true
	})
	return p.Response(model, prompt, opts.SystemPrompt,
		text.String(),
		res.Get("candidates.0.finishReason").String(),
		int(res.Get("usageMetadata.promptTokenCount").Int()),
		int(res.Get("usageMetadata.candidatesTokenCount").Int()),
	), nil
}
