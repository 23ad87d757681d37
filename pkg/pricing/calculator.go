package pricing

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/pario-ai/payless/pkg/models"
	"github.com/pario-ai/payless/pkg/tokens"
)

// DefaultMaxOutputTokens is the assumed output size when the caller gives none.
const DefaultMaxOutputTokens = 1000

// MaxTokens bounds a single token count the calculator will price. It is
// well above any model's context window.
const MaxTokens = 10_000_000

var (
	// ErrNegativeTokens is returned for negative token counts.
	ErrNegativeTokens = errors.New("negative token count")
	// ErrTooManyTokens is returned for token counts above MaxTokens.
	ErrTooManyTokens = errors.New("token count over limit")
	// ErrCostOverflow is returned when a cost does not fit in an int64.
	ErrCostOverflow = errors.New("cost overflows int64")
)

// Calculator turns token counts into credits using a Table.
type Calculator struct {
	table *Table
}

// NewCalculator creates a Calculator over t. A nil t uses the default catalog.
func NewCalculator(t *Table) *Calculator {
	if t == nil {
		t = NewTable(nil)
	}
	return &Calculator{table: t}
}

// Table returns the table backing the calculator.
func (c *Calculator) Table() *Table { return c.table }

// Known reports whether model has its own pricing entry.
func (c *Calculator) Known(model string) bool {
	_, ok := c.table.rate(model)
	return ok
}

// CalculateCost returns ceil(in/1000*inputPrice + out/1000*outputPrice).
// Unknown models are billed at FallbackEntry.
func (c *Calculator) CalculateCost(model string, inputTokens, outputTokens int) (int64, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return 0, fmt.Errorf("calculate cost for %s (%d in, %d out): %w", model, inputTokens, outputTokens, ErrNegativeTokens)
	}
	if inputTokens > MaxTokens || outputTokens > MaxTokens {
		return 0, fmt.Errorf("calculate cost for %s (%d in, %d out): %w", model, inputTokens, outputTokens, ErrTooManyTokens)
	}
	r, _ := c.table.rate(model)
	scaled, ok := scaledCost(inputTokens, r.input, outputTokens, r.output)
	if !ok {
		return 0, fmt.Errorf("calculate cost for %s (%d in, %d out): %w", model, inputTokens, outputTokens, ErrCostOverflow)
	}
	return ceilCredits(scaled), nil
}

// scaledCost returns in*inRate + out*outRate, reporting false if the sum
// does not fit in an int64. Arguments are non-negative.
func scaledCost(in int, inRate int64, out int, outRate int64) (int64, bool) {
	hiIn, loIn := bits.Mul64(uint64(in), uint64(inRate))
	hiOut, loOut := bits.Mul64(uint64(out), uint64(outRate))
	sum, carry := bits.Add64(loIn, loOut, 0)
	if hiIn != 0 || hiOut != 0 || carry != 0 || sum > math.MaxInt64 {
		return 0, false
	}
	return int64(sum), true
}

// ceilCredits converts micro-credits per 1000 tokens into whole credits,
// rounding up.
func ceilCredits(scaled int64) int64 {
	const div = 1000 * microPerCredit
	if scaled <= 0 {
		return 0
	}
	credits := scaled / div
	if scaled%div != 0 {
		credits++
	}
	return credits
}

// EstimateCost is the ceiling estimate for prompt with up to maxOutputTokens
// of output. Zero maxOutputTokens means DefaultMaxOutputTokens.
func (c *Calculator) EstimateCost(model, prompt string, maxOutputTokens int) (int64, error) {
	est, err := c.Estimate(model, tokens.Estimate(prompt), maxOutputTokens)
	if err != nil {
		return 0, err
	}
	return est.EstimatedCredits, nil
}

// Estimate prices inputTokens plus the assumed output size.
func (c *Calculator) Estimate(model string, inputTokens, maxOutputTokens int) (models.CostEstimate, error) {
	if maxOutputTokens == 0 {
		maxOutputTokens = DefaultMaxOutputTokens
	}
	credits, err := c.CalculateCost(model, inputTokens, maxOutputTokens)
	if err != nil {
		return models.CostEstimate{}, err
	}
	return models.CostEstimate{
		Model:               model,
		InputTokens:         inputTokens,
		AssumedOutputTokens: maxOutputTokens,
		EstimatedCredits:    credits,
		Fallback:            !c.Known(model),
	}, nil
}
