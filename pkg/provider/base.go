package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pario-ai/payless/pkg/models"
	"github.com/pario-ai/payless/pkg/pricing"
	"github.com/pario-ai/payless/pkg/tokens"
	"github.com/sony/gobreaker/v2"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const maxResponseBytes = 8 << 20

// Base implements the vendor-agnostic half of Provider.
type Base struct {
	name    string
	url     string
	apiKey  string
	calc    *pricing.Calculator
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *zap.Logger
}

// NewBase creates a Base for cfg. A nil calc uses the default catalog.
func NewBase(cfg Config, calc *pricing.Calculator, logger *zap.Logger) Base {
	if calc == nil {
		calc = pricing.NewCalculator(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return Base{
		name:   cfg.Name,
		url:    strings.TrimRight(cfg.URL, "/"),
		apiKey: cfg.APIKey,
		calc:   calc,
		client: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:        cfg.Name,
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				return !countsAsFailure(err)
			},
		}),
		logger: logger.With(zap.String("provider", cfg.Name)),
	}
}

// Name returns the vendor name.
func (b *Base) Name() string { return b.name }

// URL returns the vendor base URL without a trailing slash.
func (b *Base) URL() string { return b.url }

// APIKey returns the configured credential.
func (b *Base) APIKey() string { return b.apiKey }

// EstimateCost delegates to the pricing calculator so every vendor bills
// the same way.
func (b *Base) EstimateCost(prompt, model string, maxTokens int) (int64, error) {
	return b.calc.EstimateCost(model, prompt, maxTokens)
}

// BreakerState reports the vendor's circuit breaker state.
func (b *Base) BreakerState() gobreaker.State { return b.breaker.State() }

// PostJSON sends payload to url and returns the response body. Non-2xx
// responses, transport failures and an open breaker all come back as
// *ExecutionError.
func (b *Base) PostJSON(ctx context.Context, model, url string, payload any, headers map[string]string) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", b.name, err)
	}

	start := time.Now()
	data, err := b.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := b.client.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &statusError{code: resp.StatusCode, body: data}
		}
		return data, nil
	})

	b.logger.Debug("vendor call",
		zap.String("model", model),
		zap.Duration("latency", time.Since(start)),
		zap.Error(err))

	if err != nil {
		return nil, b.executionError(model, err)
	}
	return data, nil
}

func (b *Base) executionError(model string, err error) *ExecutionError {
	ee := &ExecutionError{Provider: b.name, Model: model, Err: err}
	var se *statusError
	switch {
	case errors.As(err, &se):
		ee.StatusCode = se.code
		ee.Message = vendorMessage(se.body)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		ee.Message = "circuit open: " + err.Error()
	}
	return ee
}

// vendorMessage pulls a human readable message out of a vendor error body.
func vendorMessage(body []byte) string {
	for _, path := range []string{"error.message", "error", "message"} {
		if r := gjson.GetBytes(body, path); r.Exists() && r.Type == gjson.String {
			return r.String()
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// Response builds a normalised response. When the vendor reported no usage
// the counts are estimated from the prompt and output text.
func (b *Base) Response(model, prompt, systemPrompt, text, finish string, in, out int) *models.LLMResponse {
	resp := &models.LLMResponse{
		Provider:     b.name,
		Model:        model,
		Text:         text,
		FinishReason: finish,
		Usage:        models.Usage{PromptTokens: in, CompletionTokens: out},
	}
	if in == 0 && out == 0 {
		resp.Usage.PromptTokens = tokens.EstimateAll(systemPrompt, prompt)
		resp.Usage.CompletionTokens = tokens.Estimate(text)
		resp.Estimated = true
	}
	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	return resp
}

// MaxTokens returns opts.MaxTokens or the pricing default.
func MaxTokens(opts ExecuteOptions) int {
	if opts.MaxTokens > 0 {
		return opts.MaxTokens
	}
	return pricing.DefaultMaxOutputTokens
}
