// Package pricing computes the USD cost of a request from the model price
// table, the provider cost multiplier, and Anthropic-style cache tiers.
package pricing

import (
	"strings"
	"sync"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

const perMillion = 1_000_000.0

// PriceSource is the read-only price table contract. The production
// implementation reads the model_prices row store.
type PriceSource interface {
	Get(model string) (*types.ModelPrice, bool)
}

// Calculator computes request cost.
type Calculator struct {
	source PriceSource
	// defaultCacheTTL resolves a provider's "inherit" preference.
	defaultCacheTTL types.CacheTTLPreference
}

// NewCalculator creates a calculator over a price source. defaultCacheTTL
// must be CacheTTL5m or CacheTTL1h.
func NewCalculator(source PriceSource, defaultCacheTTL types.CacheTTLPreference) *Calculator {
	if defaultCacheTTL != types.CacheTTL1h {
		defaultCacheTTL = types.CacheTTL5m
	}
	return &Calculator{source: source, defaultCacheTTL: defaultCacheTTL}
}

// ResolveCacheTTL resolves a provider's cache tier preference against the
// global default.
func (c *Calculator) ResolveCacheTTL(pref types.CacheTTLPreference) types.CacheTTLPreference {
	switch pref {
	case types.CacheTTL5m, types.CacheTTL1h:
		return pref
	default:
		return c.defaultCacheTTL
	}
}

// CostResult is the outcome of a cost computation.
type CostResult struct {
	CostUSD         float64
	CacheTTLApplied types.CacheTTLPreference
	Context1M       bool
}

// Cost computes the USD cost of a merged response. A nil usage or an
// unknown model prices at zero. costMultiplier scales the full amount.
func (c *Calculator) Cost(model string, usage *types.Usage, costMultiplier float64, cacheTTL types.CacheTTLPreference) CostResult {
	res := CostResult{CacheTTLApplied: c.ResolveCacheTTL(cacheTTL)}
	if usage == nil {
		return res
	}
	price, ok := c.source.Get(model)
	if !ok {
		return res
	}
	if costMultiplier <= 0 {
		costMultiplier = 1
	}

	in := float64(usage.InputTokens)
	out := float64(usage.OutputTokens)

	cost := in*price.Input/perMillion +
		out*price.Output/perMillion +
		float64(usage.CacheCreation5m)*price.CacheWrite5m/perMillion +
		float64(usage.CacheCreation1h)*price.CacheWrite1h/perMillion +
		float64(usage.CacheRead)*price.CacheRead/perMillion

	// Long-context surcharge: the portion of input above the threshold is
	// re-priced with the 1M-context tier multipliers, and all output of a
	// long-context request uses the output tier.
	if price.Has1MContext && usage.ContextUsed > types.LongContextThreshold {
		res.Context1M = true
		over := float64(usage.ContextUsed - types.LongContextThreshold)
		if over > in {
			over = in
		}
		inMult := price.Input1MMult
		if inMult <= 0 {
			inMult = 2.0
		}
		outMult := price.Output1MMult
		if outMult <= 0 {
			outMult = 1.5
		}
		cost += over * price.Input * (inMult - 1) / perMillion
		cost += out * price.Output * (outMult - 1) / perMillion
	}

	res.CostUSD = cost * costMultiplier
	return res
}

// StaticTable is an in-memory PriceSource with wildcard support, used by
// tests and as a fallback when the row store has no entry. Patterns ending
// in "*" match by prefix; the longest prefix wins.
type StaticTable struct {
	mu     sync.RWMutex
	prices map[string]types.ModelPrice
}

// NewStaticTable creates a table from a price list.
func NewStaticTable(prices []types.ModelPrice) *StaticTable {
	t := &StaticTable{prices: make(map[string]types.ModelPrice, len(prices))}
	for _, p := range prices {
		t.prices[p.Model] = p
	}
	return t
}

// Set adds or replaces a price row.
func (t *StaticTable) Set(p types.ModelPrice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[p.Model] = p
}

// Get implements PriceSource.
func (t *StaticTable) Get(model string) (*types.ModelPrice, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if p, ok := t.prices[model]; ok {
		return &p, true
	}

	modelLower := strings.ToLower(model)
	var best *types.ModelPrice
	bestLen := -1
	for pattern, p := range t.prices {
		if !strings.HasSuffix(pattern, "*") {
			continue
		}
		prefix := strings.ToLower(strings.TrimSuffix(pattern, "*"))
		if strings.HasPrefix(modelLower, prefix) && len(prefix) > bestLen {
			pCopy := p
			best = &pCopy
			bestLen = len(prefix)
		}
	}
	if best != nil {
		return best, true
	}
	return nil, false
}
