package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proxyerr "github.com/blueberrycongee/llmgate/pkg/errors"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

func provider(id string, priority, weight int, mods ...func(*types.Provider)) *types.Provider {
	p := &types.Provider{
		ID:       id,
		Name:     id,
		Type:     types.ProviderClaude,
		Priority: priority,
		Weight:   weight,
		Enabled:  true,
	}
	for _, m := range mods {
		m(p)
	}
	return p
}

func wildcard() Input {
	return Input{Protocol: types.TargetAnthropic, Model: "claude-sonnet-4", Scope: []string{types.GroupWildcard}}
}

func TestProtocolFilter(t *testing.T) {
	providers := []*types.Provider{
		provider("claude", 1, 1),
		provider("oai", 1, 1, func(p *types.Provider) { p.Type = types.ProviderOpenAICompatible }),
	}
	s := New(1)

	picked, dc, err := s.Pick(providers, wildcard())
	require.NoError(t, err)
	assert.Equal(t, "claude", picked.ID)
	assert.Equal(t, types.FunnelStage{Name: StageProtocol, Count: 1}, dc.Funnel[0])
}

func TestClaudePoolOptIn(t *testing.T) {
	providers := []*types.Provider{
		provider("pool", 1, 1, func(p *types.Provider) {
			p.Type = types.ProviderOpenAICompatible
			p.JoinClaudePool = true
			p.GroupTags = []string{"default"}
		}),
	}
	s := New(1)

	// Pool opt-in admits the provider for Anthropic traffic, through the
	// implicit pool group tag.
	in := wildcard()
	in.Scope = []string{types.ClaudePoolTag}
	picked, _, err := s.Pick(providers, in)
	require.NoError(t, err)
	assert.Equal(t, "pool", picked.ID)
}

func TestGroupScopeFilter(t *testing.T) {
	providers := []*types.Provider{
		provider("a", 1, 1, func(p *types.Provider) { p.GroupTags = []string{"team-x"} }),
		provider("b", 1, 1, func(p *types.Provider) { p.GroupTags = []string{"team-y"} }),
	}
	s := New(1)

	in := wildcard()
	in.Scope = []string{"team-y"}
	picked, _, err := s.Pick(providers, in)
	require.NoError(t, err)
	assert.Equal(t, "b", picked.ID)

	in.Scope = nil
	_, _, err = s.Pick(providers, in)
	var npe *proxyerr.NoProviderError
	require.ErrorAs(t, err, &npe)
	assert.Equal(t, StageGroup, npe.Stage)
}

func TestModelAllowList(t *testing.T) {
	providers := []*types.Provider{
		provider("a", 1, 1, func(p *types.Provider) { p.AllowedModels = []string{"claude-opus-4"} }),
		provider("b", 1, 1),
	}
	s := New(1)

	picked, _, err := s.Pick(providers, wildcard())
	require.NoError(t, err)
	assert.Equal(t, "b", picked.ID)
}

func TestExclusionOnRetry(t *testing.T) {
	providers := []*types.Provider{
		provider("a", 1, 1),
		provider("b", 2, 1),
	}
	s := New(1)

	in := wildcard()
	in.Exclude = map[string]bool{"a": true}
	picked, _, err := s.Pick(providers, in)
	require.NoError(t, err)
	assert.Equal(t, "b", picked.ID)

	in.Exclude["b"] = true
	_, _, err = s.Pick(providers, in)
	var npe *proxyerr.NoProviderError
	require.ErrorAs(t, err, &npe)
	assert.Equal(t, StageExclusion, npe.Stage)
}

func TestHealthFilter(t *testing.T) {
	providers := []*types.Provider{
		provider("sick", 1, 1),
		provider("well", 2, 1),
	}
	s := New(1)

	in := wildcard()
	in.Healthy = func(p *types.Provider) bool { return p.ID != "sick" }
	picked, dc, err := s.Pick(providers, in)
	require.NoError(t, err)
	assert.Equal(t, "well", picked.ID)
	last := dc.Funnel[len(dc.Funnel)-1]
	assert.Equal(t, types.FunnelStage{Name: StageHealth, Count: 1}, last)
}

func TestPriorityDominatesWeight(t *testing.T) {
	providers := []*types.Provider{
		provider("low", 5, 1000),
		provider("high", 1, 1),
	}
	s := New(1)

	for i := 0; i < 20; i++ {
		picked, dc, err := s.Pick(providers, wildcard())
		require.NoError(t, err)
		assert.Equal(t, "high", picked.ID)
		assert.Equal(t, 1, dc.Priority)
	}
}

func TestWeightedDrawDistribution(t *testing.T) {
	providers := []*types.Provider{
		provider("a", 1, 3),
		provider("b", 1, 1),
	}
	s := New(42)

	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		picked, dc, err := s.Pick(providers, wildcard())
		require.NoError(t, err)
		counts[picked.ID]++
		require.Len(t, dc.Candidates, 2)
		assert.InDelta(t, 0.75, dc.Candidates[0].Probability, 1e-9)
	}
	// ~75/25 split with generous slack.
	assert.Greater(t, counts["a"], 1300)
	assert.Greater(t, counts["b"], 300)
}

func TestZeroWeightsDrawUniformly(t *testing.T) {
	providers := []*types.Provider{
		provider("a", 1, 0),
		provider("b", 1, 0),
	}
	s := New(7)

	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		picked, dc, err := s.Pick(providers, wildcard())
		require.NoError(t, err)
		counts[picked.ID]++
		assert.InDelta(t, 0.5, dc.Candidates[0].Probability, 1e-9)
	}
	assert.Greater(t, counts["a"], 800)
	assert.Greater(t, counts["b"], 800)
}

func TestSessionAffinity(t *testing.T) {
	providers := []*types.Provider{
		provider("a", 1, 1),
		provider("b", 1, 1),
	}
	s := New(1)

	in := wildcard()
	in.Pinned = "b"
	picked, dc, err := s.Pick(providers, in)
	require.NoError(t, err)
	assert.Equal(t, "b", picked.ID)
	require.Len(t, dc.Candidates, 1)
	assert.Equal(t, 1.0, dc.Candidates[0].Probability)
}

func TestPinnedProviderFilteredOutFallsThrough(t *testing.T) {
	providers := []*types.Provider{
		provider("a", 1, 1),
		provider("b", 1, 1),
	}
	s := New(1)

	// The pinned provider was already tried and excluded; affinity must
	// not resurrect it.
	in := wildcard()
	in.Pinned = "b"
	in.Exclude = map[string]bool{"b": true}
	picked, _, err := s.Pick(providers, in)
	require.NoError(t, err)
	assert.Equal(t, "a", picked.ID)
}

func TestFunnelRecordsEveryStage(t *testing.T) {
	providers := []*types.Provider{provider("a", 1, 1)}
	s := New(1)

	in := wildcard()
	in.Healthy = func(*types.Provider) bool { return true }
	_, dc, err := s.Pick(providers, in)
	require.NoError(t, err)

	names := make([]string, len(dc.Funnel))
	for i, f := range dc.Funnel {
		names[i] = f.Name
	}
	assert.Equal(t, []string{StageProtocol, StageEnabled, StageGroup, StageModel, StageExclusion, StageHealth}, names)
}
