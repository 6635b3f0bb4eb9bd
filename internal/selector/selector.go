// Package selector implements provider selection as a filter funnel
// followed by a weighted draw. Every pick carries a DecisionContext
// recording how many candidates survived each stage and the odds at the
// winning priority, so a routing decision can be explained after the fact.
package selector

import (
	"math/rand"
	"sync"

	proxyerr "github.com/blueberrycongee/llmgate/pkg/errors"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// Funnel stage names, in evaluation order.
const (
	StageProtocol  = "protocol"
	StageEnabled   = "enabled"
	StageGroup     = "group"
	StageModel     = "model_allowlist"
	StageExclusion = "retry_exclusion"
	StageHealth    = "health"
)

// Input describes one selection round.
type Input struct {
	Protocol types.TargetProtocol
	Model    string
	// Scope is the merged key/user group access scope. A scope containing
	// the wildcard admits every group.
	Scope []string
	// Pinned is the provider a live session is bound to, if any.
	Pinned string
	// Exclude holds providers already attempted in this request.
	Exclude map[string]bool
	// Healthy gates candidates on breaker state, provider budget, and
	// provider session capacity. Nil means no health filtering.
	Healthy func(p *types.Provider) bool
}

// Selector picks one provider per round.
type Selector struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// New creates a selector with its own random source.
func New(seed int64) *Selector {
	return &Selector{rnd: rand.New(rand.NewSource(seed))}
}

func (s *Selector) float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64()
}

// Pick runs the funnel over the catalog and draws one provider. It returns
// *errors.NoProviderError naming the stage that emptied the candidate set.
func (s *Selector) Pick(providers []*types.Provider, in Input) (*types.Provider, *types.DecisionContext, error) {
	dc := &types.DecisionContext{}
	stage := func(name string, keep func(p *types.Provider) bool) {
		out := providers[:0:0]
		for _, p := range providers {
			if keep(p) {
				out = append(out, p)
			}
		}
		providers = out
		dc.Funnel = append(dc.Funnel, types.FunnelStage{Name: name, Count: len(providers)})
	}

	stage(StageProtocol, func(p *types.Provider) bool {
		return types.CanServe(p.Type, in.Protocol, p.JoinClaudePool)
	})
	stage(StageEnabled, func(p *types.Provider) bool { return p.Enabled })
	stage(StageGroup, func(p *types.Provider) bool { return inScope(p, in.Scope) })
	// Requests with no model (catalog listings) skip the allow-list.
	stage(StageModel, func(p *types.Provider) bool {
		return in.Model == "" || p.AllowsModel(in.Model)
	})
	stage(StageExclusion, func(p *types.Provider) bool { return !in.Exclude[p.ID] })
	if in.Healthy != nil {
		stage(StageHealth, in.Healthy)
	}

	if len(providers) == 0 {
		return nil, dc, &proxyerr.NoProviderError{Stage: lastEmptyStage(dc.Funnel)}
	}

	// Session affinity: a pinned provider that survived every filter is
	// reused outright.
	if in.Pinned != "" {
		for _, p := range providers {
			if p.ID == in.Pinned {
				dc.Priority = p.Priority
				dc.Candidates = []types.CandidateOdds{{
					ProviderID:   p.ID,
					ProviderName: p.Name,
					Weight:       p.Weight,
					Probability:  1,
				}}
				return p, dc, nil
			}
		}
	}

	// Highest priority wins outright; weights only break ties within the
	// winning bucket. Lower numbers rank higher.
	best := providers[0].Priority
	for _, p := range providers[1:] {
		if p.Priority < best {
			best = p.Priority
		}
	}
	bucket := providers[:0:0]
	for _, p := range providers {
		if p.Priority == best {
			bucket = append(bucket, p)
		}
	}
	dc.Priority = best

	total := 0
	for _, p := range bucket {
		if p.Weight > 0 {
			total += p.Weight
		}
	}
	dc.Candidates = make([]types.CandidateOdds, len(bucket))
	for i, p := range bucket {
		odds := types.CandidateOdds{ProviderID: p.ID, ProviderName: p.Name, Weight: p.Weight}
		if total > 0 {
			if p.Weight > 0 {
				odds.Probability = float64(p.Weight) / float64(total)
			}
		} else {
			// All-zero weights draw uniformly.
			odds.Probability = 1 / float64(len(bucket))
		}
		dc.Candidates[i] = odds
	}

	r := s.float64()
	acc := 0.0
	for i, c := range dc.Candidates {
		acc += c.Probability
		if r < acc || i == len(dc.Candidates)-1 {
			return bucket[i], dc, nil
		}
	}
	return bucket[len(bucket)-1], dc, nil
}

func inScope(p *types.Provider, scope []string) bool {
	if types.ScopeHasWildcard(scope) {
		return true
	}
	if len(scope) == 0 {
		return false
	}
	for _, tag := range p.EffectiveGroupTags() {
		for _, g := range scope {
			if tag == g {
				return true
			}
		}
	}
	return false
}

func lastEmptyStage(funnel []types.FunnelStage) string {
	for _, f := range funnel {
		if f.Count == 0 {
			return f.Name
		}
	}
	if len(funnel) > 0 {
		return funnel[len(funnel)-1].Name
	}
	return StageProtocol
}
