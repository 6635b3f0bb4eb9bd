package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

func testTable() *StaticTable {
	return NewStaticTable([]types.ModelPrice{
		{
			Model:        "claude-sonnet-4*",
			Input:        3.0,
			Output:       15.0,
			CacheWrite5m: 3.75,
			CacheWrite1h: 6.0,
			CacheRead:    0.30,
			Has1MContext: true,
			Input1MMult:  2.0,
			Output1MMult: 1.5,
		},
		{
			Model:  "gpt-4o",
			Input:  2.5,
			Output: 10.0,
		},
	})
}

func TestCostBasic(t *testing.T) {
	c := NewCalculator(testTable(), types.CacheTTL5m)

	usage := &types.Usage{InputTokens: 1000, OutputTokens: 500}
	res := c.Cost("gpt-4o", usage, 1.0, types.CacheTTLInherit)

	// 1000 * 2.5/1M + 500 * 10/1M
	assert.InDelta(t, 0.0025+0.005, res.CostUSD, 1e-9)
	assert.False(t, res.Context1M)
	assert.Equal(t, types.CacheTTL5m, res.CacheTTLApplied)
}

func TestCostCacheTiers(t *testing.T) {
	c := NewCalculator(testTable(), types.CacheTTL5m)

	usage := &types.Usage{
		InputTokens:     100,
		OutputTokens:    0,
		CacheCreation5m: 2000,
		CacheCreation1h: 1000,
		CacheRead:       50000,
	}
	res := c.Cost("claude-sonnet-4-20250514", usage, 1.0, types.CacheTTL1h)

	want := 100*3.0/1e6 + 2000*3.75/1e6 + 1000*6.0/1e6 + 50000*0.30/1e6
	assert.InDelta(t, want, res.CostUSD, 1e-9)
	assert.Equal(t, types.CacheTTL1h, res.CacheTTLApplied)
}

func TestCostMultiplier(t *testing.T) {
	c := NewCalculator(testTable(), types.CacheTTL5m)

	usage := &types.Usage{InputTokens: 1000, OutputTokens: 1000}
	base := c.Cost("gpt-4o", usage, 1.0, types.CacheTTLInherit)
	scaled := c.Cost("gpt-4o", usage, 1.5, types.CacheTTLInherit)

	assert.InDelta(t, base.CostUSD*1.5, scaled.CostUSD, 1e-9)
}

func TestCostLongContextTier(t *testing.T) {
	c := NewCalculator(testTable(), types.CacheTTL5m)

	usage := &types.Usage{
		InputTokens:  300_000,
		OutputTokens: 1000,
		ContextUsed:  300_000,
	}
	res := c.Cost("claude-sonnet-4-20250514", usage, 1.0, types.CacheTTLInherit)

	base := 300_000*3.0/1e6 + 1000*15.0/1e6
	surcharge := 100_000*3.0*(2.0-1)/1e6 + 1000*15.0*(1.5-1)/1e6
	assert.InDelta(t, base+surcharge, res.CostUSD, 1e-9)
	assert.True(t, res.Context1M)
}

func TestCostNoLongContextTierForShortRequests(t *testing.T) {
	c := NewCalculator(testTable(), types.CacheTTL5m)

	usage := &types.Usage{InputTokens: 150_000, ContextUsed: 150_000}
	res := c.Cost("claude-sonnet-4-20250514", usage, 1.0, types.CacheTTLInherit)
	assert.False(t, res.Context1M)
	assert.InDelta(t, 150_000*3.0/1e6, res.CostUSD, 1e-9)
}

func TestCostUnknownModel(t *testing.T) {
	c := NewCalculator(testTable(), types.CacheTTL5m)
	res := c.Cost("totally-unknown", &types.Usage{InputTokens: 1000}, 1.0, types.CacheTTLInherit)
	assert.Zero(t, res.CostUSD)
}

func TestStaticTableWildcardLongestPrefixWins(t *testing.T) {
	table := NewStaticTable([]types.ModelPrice{
		{Model: "claude-*", Input: 1},
		{Model: "claude-sonnet-*", Input: 2},
	})

	p, ok := table.Get("claude-sonnet-4")
	assert.True(t, ok)
	assert.Equal(t, 2.0, p.Input)

	p, ok = table.Get("claude-opus-4")
	assert.True(t, ok)
	assert.Equal(t, 1.0, p.Input)
}

func TestResolveCacheTTL(t *testing.T) {
	c := NewCalculator(testTable(), types.CacheTTL1h)
	assert.Equal(t, types.CacheTTL1h, c.ResolveCacheTTL(types.CacheTTLInherit))
	assert.Equal(t, types.CacheTTL5m, c.ResolveCacheTTL(types.CacheTTL5m))
}
