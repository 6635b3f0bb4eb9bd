package types

import "time"

// ChainReason labels one step of the per-request provider decision chain.
type ChainReason string

const (
	ReasonInitialSelection        ChainReason = "initial_selection"
	ReasonSessionReuse            ChainReason = "session_reuse"
	ReasonRetryFailed             ChainReason = "retry_failed"
	ReasonRetrySuccess            ChainReason = "retry_success"
	ReasonRequestSuccess          ChainReason = "request_success"
	ReasonSystemError             ChainReason = "system_error"
	ReasonConcurrentLimitFailed   ChainReason = "concurrent_limit_failed"
	ReasonClientErrorNonRetryable ChainReason = "client_error_non_retryable"
)

// CandidateOdds records one candidate at the chosen priority together with
// its selection probability. Probability is always in [0,1]; rendering as a
// percentage is a formatter concern.
type CandidateOdds struct {
	ProviderID   string  `json:"provider_id"`
	ProviderName string  `json:"provider_name"`
	Weight       int     `json:"weight"`
	Probability  float64 `json:"probability"`
}

// FunnelStage records how many providers survived one selector filter.
type FunnelStage struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// DecisionContext is the selector's explanation for one pick: the filter
// funnel and the weighted candidate set at the winning priority.
type DecisionContext struct {
	Funnel     []FunnelStage   `json:"funnel"`
	Candidates []CandidateOdds `json:"candidates"`
	Priority   int             `json:"priority"`
}

// ChainItem is one step of the selection/attempt record for a request.
type ChainItem struct {
	ProviderID     string           `json:"provider_id"`
	ProviderName   string           `json:"provider_name"`
	Reason         ChainReason      `json:"reason"`
	StatusCode     int              `json:"status_code,omitempty"`
	CostMultiplier float64          `json:"cost_multiplier"`
	Priority       int              `json:"priority"`
	Decision       *DecisionContext `json:"decision_context,omitempty"`
	// FallbackReason is set when the attempt reached the provider only
	// after falling back from the egress proxy to a direct connection.
	FallbackReason string    `json:"fallback_reason,omitempty"`
	At             time.Time `json:"at"`
}

// ProviderChain is the ordered decision record attached to a request log
// row. Items are appended in happens-before order within one request.
type ProviderChain []ChainItem

// Append returns the chain with one more item, stamping the time if unset.
func (c ProviderChain) Append(item ChainItem) ProviderChain {
	if item.At.IsZero() {
		item.At = time.Now()
	}
	return append(c, item)
}

// Final returns the last chain item, or nil for an empty chain.
func (c ProviderChain) Final() *ChainItem {
	if len(c) == 0 {
		return nil
	}
	return &c[len(c)-1]
}
