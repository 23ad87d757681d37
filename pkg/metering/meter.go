// Package metering runs an LLM call against a user's credit balance:
// estimate, reserve, execute with a deadline, then commit or release.
package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/payless/pkg/ledger"
	"github.com/pario-ai/payless/pkg/metrics"
	"github.com/pario-ai/payless/pkg/models"
	"github.com/pario-ai/payless/pkg/pricing"
	"github.com/pario-ai/payless/pkg/provider"
	"github.com/pario-ai/payless/pkg/tokens"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultExecuteTimeout bounds a vendor call when no timeout is configured.
const DefaultExecuteTimeout = 60 * time.Second

// ErrTimeout is returned when a vendor call exceeds the execute timeout.
var ErrTimeout = errors.New("execution timed out")

// Request is a metered LLM call.
type Request struct {
	UserID       string `json:"user_id"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	Prompt       string `json:"prompt"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	MaxTokens    int    `json:"max_tokens,omitempty"`
}

// Result is the outcome of a successful Run.
type Result struct {
	Response   *models.LLMResponse `json:"response"`
	Estimate   models.CostEstimate `json:"estimate"`
	Settlement models.Settlement   `json:"settlement"`
}

// Meter ties the registry, pricing and ledger together.
type Meter struct {
	registry *provider.Registry
	calc     *pricing.Calculator
	ledger   *ledger.Ledger
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// Option configures a Meter.
type Option func(*Meter)

// WithTimeout sets the execute deadline. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(m *Meter) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Meter) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Meter) { m.metrics = mt }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(m *Meter) { m.tracer = t }
}

// New creates a Meter.
func New(reg *provider.Registry, calc *pricing.Calculator, l *ledger.Ledger, opts ...Option) *Meter {
	m := &Meter{
		registry: reg,
		calc:     calc,
		ledger:   l,
		timeout:  DefaultExecuteTimeout,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("github.com/pario-ai/payless/pkg/metering"),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("metering")
	return m
}

// Estimate resolves the provider and model and returns the ceiling cost.
// The system prompt counts as input.
func (m *Meter) Estimate(req Request) (provider.Provider, models.CostEstimate, error) {
	p, model, err := m.registry.Resolve(req.Provider, req.Model)
	if err != nil {
		return nil, models.CostEstimate{}, err
	}
	if req.MaxTokens < 0 {
		return nil, models.CostEstimate{}, fmt.Errorf("max tokens %d: %w", req.MaxTokens, pricing.ErrNegativeTokens)
	}
	if req.MaxTokens > pricing.MaxTokens {
		return nil, models.CostEstimate{}, fmt.Errorf("max tokens %d: %w", req.MaxTokens, pricing.ErrTooManyTokens)
	}

	input := req.SystemPrompt + req.Prompt
	credits, err := p.EstimateCost(input, model, req.MaxTokens)
	if err != nil {
		return nil, models.CostEstimate{}, fmt.Errorf("estimate cost: %w", err)
	}
	maxOut := req.MaxTokens
	if maxOut == 0 {
		maxOut = pricing.DefaultMaxOutputTokens
	}
	return p, models.CostEstimate{
		Provider:            p.Name(),
		Model:               model,
		InputTokens:         tokens.Estimate(input),
		AssumedOutputTokens: maxOut,
		EstimatedCredits:    credits,
		Fallback:            !m.calc.Known(model),
	}, nil
}

// Run meters one call. On insufficient balance nothing is dispatched. On a
// vendor failure, timeout or cancellation the reservation is released and
// the vendor error returned.
func (m *Meter) Run(ctx context.Context, req Request) (*Result, error) {
	ctx, span := m.tracer.Start(ctx, "metering.Run", trace.WithAttributes(
		attribute.String("payless.user_id", req.UserID),
		attribute.String("payless.provider", req.Provider),
		attribute.String("payless.model", req.Model),
	))
	defer span.End()

	res, err := m.run(ctx, span, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (m *Meter) run(ctx context.Context, span trace.Span, req Request) (*Result, error) {
	p, est, err := m.Estimate(req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("payless.provider", est.Provider),
		attribute.String("payless.model", est.Model),
		attribute.Int64("payless.estimated_credits", est.EstimatedCredits),
	)

	resID, err := m.ledger.Reserve(ctx, req.UserID, est.EstimatedCredits)
	if err != nil {
		return nil, err
	}
	log := m.logger.With(
		zap.String("user_id", req.UserID),
		zap.String("reservation_id", resID),
		zap.String("provider", est.Provider),
		zap.String("model", est.Model))

	resp, err := m.execute(ctx, p, est, req)
	if err != nil {
		// Release even if the caller's context is already cancelled.
		if _, rerr := m.ledger.Release(context.WithoutCancel(ctx), resID); rerr != nil {
			log.Error("release after failed execution", zap.Error(rerr))
		}
		log.Info("execution failed, reservation released", zap.Error(err))
		return nil, err
	}

	settleCtx := context.WithoutCancel(ctx)
	s, err := m.ledger.Settle(settleCtx, resID, func() (int64, error) {
		return m.calc.CalculateCost(est.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("settle reservation %s: %w", resID, err)
		}
		log.Warn("exact cost unavailable, charging reserved amount", zap.Error(err))
		s, err = m.ledger.Commit(settleCtx, resID, est.EstimatedCredits)
		if err != nil {
			return nil, fmt.Errorf("settle reservation %s: %w", resID, err)
		}
	}

	m.metrics.RecordTokens(est.Provider, est.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	span.SetAttributes(attribute.Int64("payless.charged_credits", s.Charged))
	log.Info("call metered",
		zap.Int("input_tokens", resp.Usage.PromptTokens),
		zap.Int("output_tokens", resp.Usage.CompletionTokens),
		zap.Int64("reserved", s.Reserved),
		zap.Int64("charged", s.Charged),
		zap.Int64("balance", s.Balance))

	return &Result{Response: resp, Estimate: est, Settlement: s}, nil
}

// execute calls the vendor under the execute deadline. Output is capped at
// the size the estimate assumed so the reservation stays a ceiling.
func (m *Meter) execute(ctx context.Context, p provider.Provider, est models.CostEstimate, req Request) (*models.LLMResponse, error) {
	execCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.Execute(execCtx, req.Prompt, est.Model, provider.ExecuteOptions{
		MaxTokens:    est.AssumedOutputTokens,
		SystemPrompt: req.SystemPrompt,
	})
	if err == nil && resp == nil {
		err = fmt.Errorf("%s returned no response", p.Name())
	}

	status := "ok"
	switch {
	case err == nil:
	case errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		status = "timeout"
		err = fmt.Errorf("%w after %s: %w", ErrTimeout, m.timeout, err)
	case ctx.Err() != nil:
		status = "cancelled"
	default:
		status = "error"
	}
	m.metrics.RecordExecution(est.Provider, est.Model, status, time.Since(start))
	return resp, err
}
