package metering

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pario-ai/payless/pkg/ledger"
	"github.com/pario-ai/payless/pkg/models"
	"github.com/pario-ai/payless/pkg/pricing"
	"github.com/pario-ai/payless/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	provider.Base
	calls atomic.Int32
	exec  func(ctx context.Context, prompt, model string, opts provider.ExecuteOptions) (*models.LLMResponse, error)
}

func (f *fakeProvider) Execute(ctx context.Context, prompt, model string, opts provider.ExecuteOptions) (*models.LLMResponse, error) {
	f.calls.Add(1)
	return f.exec(ctx, prompt, model, opts)
}

func usage(in, out int) func(context.Context, string, string, provider.ExecuteOptions) (*models.LLMResponse, error) {
	return func(_ context.Context, _, model string, _ provider.ExecuteOptions) (*models.LLMResponse, error) {
		return &models.LLMResponse{
			Provider: "openai",
			Model:    model,
			Text:     "hi",
			Usage:    models.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
		}, nil
	}
}

func newTestMeter(t *testing.T, grant int64, exec func(context.Context, string, string, provider.ExecuteOptions) (*models.LLMResponse, error), opts ...Option) (*Meter, *ledger.Ledger, *fakeProvider) {
	t.Helper()
	table := pricing.NewTable(nil)
	calc := pricing.NewCalculator(table)
	reg := provider.NewRegistry(table)
	fp := &fakeProvider{Base: provider.NewBase(provider.Config{Name: "openai"}, calc, nil), exec: exec}
	require.NoError(t, reg.Register(fp))

	l := ledger.New(ledger.NewMemoryStore(), ledger.WithStartingGrant(grant))
	t.Cleanup(func() { _ = l.Close() })
	return New(reg, calc, l, opts...), l, fp
}

// "hello world!" is 3 tokens; gpt-4o with 1000 assumed output tokens
// costs ceil(0.0075 + 10) = 11 credits.
const prompt = "hello world!"

func TestEstimate(t *testing.T) {
	m, _, _ := newTestMeter(t, 0, usage(0, 0))

	_, est, err := m.Estimate(Request{Provider: "openai", Prompt: prompt})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", est.Model)
	assert.Equal(t, 3, est.InputTokens)
	assert.Equal(t, pricing.DefaultMaxOutputTokens, est.AssumedOutputTokens)
	assert.Equal(t, int64(11), est.EstimatedCredits)
	assert.False(t, est.Fallback)

	_, est, err = m.Estimate(Request{Provider: "openai", Model: "gpt-9", SystemPrompt: "abcd", Prompt: prompt, MaxTokens: 500})
	require.NoError(t, err)
	assert.Equal(t, 4, est.InputTokens)
	assert.True(t, est.Fallback)
	assert.Equal(t, int64(2), est.EstimatedCredits) // (4+500)/1000*2 rounds up

	_, _, err = m.Estimate(Request{Provider: "openai", Prompt: prompt, MaxTokens: -1})
	assert.ErrorIs(t, err, pricing.ErrNegativeTokens)

	_, _, err = m.Estimate(Request{Provider: "mistral", Prompt: prompt})
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)
}

func TestRunCommitsExactCost(t *testing.T) {
	m, l, _ := newTestMeter(t, 100, usage(3, 100))
	ctx := context.Background()

	res, err := m.Run(ctx, Request{UserID: "u1", Provider: "openai", Prompt: prompt})
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Response.Text)
	assert.Equal(t, int64(11), res.Settlement.Reserved)
	assert.Equal(t, int64(2), res.Settlement.Charged)
	assert.Equal(t, int64(9), res.Settlement.Refunded)
	assert.False(t, res.Settlement.Capped)
	assert.Equal(t, int64(98), res.Settlement.Balance)

	bal, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(98), bal)

	events, err := l.Events(ctx, "u1")
	require.NoError(t, err)
	kinds := make([]models.EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []models.EventKind{models.EventEarn, models.EventReserve, models.EventCommit}, kinds)
}

func TestRunPassesAssumedOutputCap(t *testing.T) {
	var got provider.ExecuteOptions
	m, _, _ := newTestMeter(t, 100, func(ctx context.Context, p, model string, opts provider.ExecuteOptions) (*models.LLMResponse, error) {
		got = opts
		return usage(1, 1)(ctx, p, model, opts)
	})

	_, err := m.Run(context.Background(), Request{UserID: "u1", Provider: "openai", Prompt: prompt, SystemPrompt: "be brief"})
	require.NoError(t, err)
	assert.Equal(t, pricing.DefaultMaxOutputTokens, got.MaxTokens)
	assert.Equal(t, "be brief", got.SystemPrompt)
}

func TestRunInsufficientBalance(t *testing.T) {
	m, l, fp := newTestMeter(t, 5, usage(3, 100))
	ctx := context.Background()

	_, err := m.Run(ctx, Request{UserID: "u1", Provider: "openai", Prompt: prompt})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	var ie *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, int64(5), ie.Balance)
	assert.Equal(t, int64(11), ie.Required)
	assert.Zero(t, fp.calls.Load())

	bal, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal)
}

func TestRunReleasesOnVendorError(t *testing.T) {
	vendorErr := &provider.ExecutionError{Provider: "openai", Model: "gpt-4o", StatusCode: 500, Message: "boom"}
	m, l, _ := newTestMeter(t, 50, func(context.Context, string, string, provider.ExecuteOptions) (*models.LLMResponse, error) {
		return nil, vendorErr
	})
	ctx := context.Background()

	_, err := m.Run(ctx, Request{UserID: "u1", Provider: "openai", Prompt: prompt})
	require.ErrorIs(t, err, provider.ErrVendorExecution)

	bal, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal)

	events, err := l.Events(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, models.EventRelease, events[2].Kind)
	assert.Equal(t, int64(11), events[2].Amount)
}

func TestRunTimeout(t *testing.T) {
	m, l, _ := newTestMeter(t, 50, func(ctx context.Context, _, _ string, _ provider.ExecuteOptions) (*models.LLMResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, WithTimeout(20*time.Millisecond))
	ctx := context.Background()

	_, err := m.Run(ctx, Request{UserID: "u1", Provider: "openai", Prompt: prompt})
	require.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	bal, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal)
}

func TestRunCallerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m, l, _ := newTestMeter(t, 50, func(context.Context, string, string, provider.ExecuteOptions) (*models.LLMResponse, error) {
		cancel()
		return nil, context.Canceled
	})

	_, err := m.Run(ctx, Request{UserID: "u1", Provider: "openai", Prompt: prompt})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrTimeout))

	bal, err := l.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal)
}

func TestRunCapsOverrun(t *testing.T) {
	// 5000 output tokens cost 51 credits, well above the 11 reserved.
	m, l, _ := newTestMeter(t, 100, usage(3, 5000))
	ctx := context.Background()

	res, err := m.Run(ctx, Request{UserID: "u1", Provider: "openai", Prompt: prompt})
	require.NoError(t, err)
	assert.True(t, res.Settlement.Capped)
	assert.Equal(t, int64(11), res.Settlement.Charged)
	assert.Zero(t, res.Settlement.Refunded)

	bal, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(89), bal)
}

func TestRunNegativeUsageChargesReserved(t *testing.T) {
	m, l, _ := newTestMeter(t, 100, usage(-1, 10))
	ctx := context.Background()

	res, err := m.Run(ctx, Request{UserID: "u1", Provider: "openai", Prompt: prompt})
	require.NoError(t, err)
	assert.Equal(t, int64(11), res.Settlement.Charged)

	bal, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(89), bal)
}

func TestRunNilResponse(t *testing.T) {
	m, l, _ := newTestMeter(t, 100, func(context.Context, string, string, provider.ExecuteOptions) (*models.LLMResponse, error) {
		return nil, nil
	})
	ctx := context.Background()

	_, err := m.Run(ctx, Request{UserID: "u1", Provider: "openai", Prompt: prompt})
	require.Error(t, err)

	bal, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)
}

func TestRunRejectsOversizedMaxTokens(t *testing.T) {
	m, l, fp := newTestMeter(t, 0, usage(3, 10))
	ctx := context.Background()

	_, _, err := m.Estimate(Request{Provider: "openai", Prompt: prompt, MaxTokens: pricing.MaxTokens + 1})
	assert.ErrorIs(t, err, pricing.ErrTooManyTokens)

	_, err = m.Run(ctx, Request{UserID: "u1", Provider: "openai", Prompt: prompt, MaxTokens: 1 << 44})
	require.ErrorIs(t, err, pricing.ErrTooManyTokens)
	assert.Zero(t, fp.calls.Load())

	events, err := l.Events(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRunLargeMaxTokensNeedsBalance(t *testing.T) {
	m, _, fp := newTestMeter(t, 0, usage(3, 10))

	_, err := m.Run(context.Background(), Request{UserID: "u1", Provider: "openai", Prompt: prompt, MaxTokens: pricing.MaxTokens})
	var ie *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, int64(100_001), ie.Required)
	assert.Zero(t, fp.calls.Load())
}
