package pricing

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/pario-ai/payless/pkg/models"
)

// microPerCredit scales decimal prices to integers so that cost arithmetic
// and ceiling rounding are exact.
const microPerCredit = 1_000_000

// rate is a price in micro-credits per 1000 tokens.
type rate struct {
	input  int64
	output int64
}

// FallbackEntry prices models missing from the catalog.
var FallbackEntry = models.PricingEntry{Input: 2, Output: 2}

var fallbackRate = toRate(FallbackEntry)

func toRate(p models.PricingEntry) rate {
	return rate{
		input:  int64(math.Round(p.Input * microPerCredit)),
		output: int64(math.Round(p.Output * microPerCredit)),
	}
}

type snapshot struct {
	catalog *Catalog
	rates   map[string]rate
}

func compile(c *Catalog) *snapshot {
	rates := make(map[string]rate, len(c.Models))
	for id, p := range c.Models {
		rates[id] = toRate(p)
	}
	return &snapshot{catalog: c, rates: rates}
}

// Table holds the active catalog. Reads are lock-free; Swap installs a new
// catalog atomically so in-flight calculations see either the old or the new
// table, never a mix.
type Table struct {
	cur atomic.Pointer[snapshot]
}

// NewTable creates a Table serving c, or the default catalog when c is nil.
func NewTable(c *Catalog) *Table {
	if c == nil {
		c = DefaultCatalog()
	}
	t := &Table{}
	t.cur.Store(compile(c))
	return t
}

// Catalog returns the active catalog. Callers must not mutate it.
func (t *Table) Catalog() *Catalog {
	return t.cur.Load().catalog
}

// Version returns the active catalog version.
func (t *Table) Version() string {
	return t.cur.Load().catalog.Version
}

// Swap validates c and makes it the active catalog, returning the previous one.
func (t *Table) Swap(c *Catalog) (*Catalog, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil catalog", ErrInvalidCatalog)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	prev := t.cur.Swap(compile(c))
	return prev.catalog, nil
}

// Lookup returns the pricing entry for model and whether it was found.
func (t *Table) Lookup(model string) (models.PricingEntry, bool) {
	p, ok := t.cur.Load().catalog.Models[model]
	return p, ok
}

func (t *Table) rate(model string) (rate, bool) {
	r, ok := t.cur.Load().rates[model]
	if !ok {
		return fallbackRate, false
	}
	return r, true
}
