package types

import "time"

// Usage is the token accounting extracted from a merged upstream response.
type Usage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	CacheCreation5m int `json:"cache_creation_5m_tokens"`
	CacheCreation1h int `json:"cache_creation_1h_tokens"`
	CacheRead       int `json:"cache_read_tokens"`
	// ContextUsed is the total prompt context consumed, used to decide
	// whether 1M-context pricing tiers apply.
	ContextUsed int `json:"context_used"`
}

// TotalTokens returns input+output for coarse TPM accounting.
func (u *Usage) TotalTokens() int {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.OutputTokens
}

// MergedResponse is the full logical response reconstructed on the
// accounting side-tap of a stream, or parsed from a non-streaming body.
// The client always receives the raw upstream bytes; this value never
// feeds the passthrough.
type MergedResponse struct {
	Protocol TargetProtocol `json:"protocol"`
	Model    string         `json:"model"`
	// Text is the concatenation of all textual content deltas.
	Text string `json:"text"`
	// Usage is the last non-null usage block seen on the stream.
	Usage *Usage `json:"usage,omitempty"`
	// SkippedChunks counts frames that failed to parse; parse failures
	// never abort the stream.
	SkippedChunks int `json:"skipped_chunks,omitempty"`
	StopReason    string `json:"stop_reason,omitempty"`
}

// ModelPrice is one row of the read-only price table. All prices are USD
// per one million tokens.
type ModelPrice struct {
	Model         string  `json:"model"`
	Input         float64 `json:"input"`
	Output        float64 `json:"output"`
	CacheWrite5m  float64 `json:"cache_write_5m"`
	CacheWrite1h  float64 `json:"cache_write_1h"`
	CacheRead     float64 `json:"cache_read"`
	// Has1MContext marks models with a long-context pricing tier. The
	// portion of a request above LongContextThreshold tokens is priced
	// with the tier multipliers below.
	Has1MContext     bool    `json:"has_1m_context"`
	Input1MMult      float64 `json:"input_1m_mult"`
	Output1MMult     float64 `json:"output_1m_mult"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// LongContextThreshold is the token count above which 1M-context pricing
// tiers apply.
const LongContextThreshold = 200_000

// UsageLog is one persisted request record.
type UsageLog struct {
	ID         string `json:"id"`
	KeyID      string `json:"key_id"`
	UserID     string `json:"user_id"`
	ProviderID string `json:"provider_id"`

	Model         string `json:"model"`
	OriginalModel string `json:"original_model,omitempty"`
	Endpoint      string `json:"endpoint"`
	Status        int    `json:"status"`

	Usage           Usage              `json:"usage"`
	CacheTTLApplied CacheTTLPreference `json:"cache_ttl_applied,omitempty"`
	Context1M       bool               `json:"context_1m_applied"`

	CostUSD    float64 `json:"cost_usd"`
	Billable   bool    `json:"billable"`
	DurationMs int64   `json:"duration_ms"`
	TTFBMs     int64   `json:"ttfb_ms"`

	Chain ProviderChain `json:"provider_chain"`

	BlockedBy     string `json:"blocked_by,omitempty"`
	BlockedReason string `json:"blocked_reason,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
