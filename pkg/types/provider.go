// Package types defines the domain model shared across the gateway:
// providers, keys, users, usage, pricing, and the per-request decision chain.
package types

import "time"

// ProviderType identifies the upstream protocol family a provider speaks.
type ProviderType string

const (
	ProviderClaude           ProviderType = "claude"
	ProviderClaudeAuth       ProviderType = "claude-auth"
	ProviderCodex            ProviderType = "codex"
	ProviderOpenAICompatible ProviderType = "openai-compatible"
	ProviderGemini           ProviderType = "gemini"
	ProviderGeminiCLI        ProviderType = "gemini-cli"
)

// TargetProtocol is the ingress protocol a client request arrived on.
type TargetProtocol string

const (
	TargetAnthropic       TargetProtocol = "anthropic"
	TargetOpenAIChat      TargetProtocol = "openai-chat"
	TargetOpenAIResponses TargetProtocol = "openai-responses"
	TargetGemini          TargetProtocol = "gemini"
)

// CanServe reports whether a provider of the given type can serve the target
// protocol. The proxy is protocol-preserving: no cross-family transformation.
// Providers that opted into the Claude pool are additionally admitted for
// Anthropic traffic regardless of their native type.
func CanServe(pt ProviderType, target TargetProtocol, joinClaudePool bool) bool {
	switch target {
	case TargetAnthropic:
		if pt == ProviderClaude || pt == ProviderClaudeAuth {
			return true
		}
		return joinClaudePool
	case TargetOpenAIChat:
		return pt == ProviderOpenAICompatible
	case TargetOpenAIResponses:
		return pt == ProviderCodex || pt == ProviderOpenAICompatible
	case TargetGemini:
		return pt == ProviderGemini || pt == ProviderGeminiCLI
	default:
		return false
	}
}

// DailyLimitMode selects how the daily USD window is evaluated.
type DailyLimitMode string

const (
	// DailyFixed anchors the window at a local time-of-day boundary.
	DailyFixed DailyLimitMode = "fixed"
	// DailyRolling evaluates the window over the trailing 24 hours.
	DailyRolling DailyLimitMode = "rolling"
)

// CacheTTLPreference selects the Anthropic prompt-cache pricing tier a
// provider prefers. "inherit" resolves against the global default.
type CacheTTLPreference string

const (
	CacheTTLInherit CacheTTLPreference = "inherit"
	CacheTTL5m      CacheTTLPreference = "5m"
	CacheTTL1h      CacheTTLPreference = "1h"
)

// BreakerConfig holds the per-provider circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold         int           `json:"failure_threshold"`
	OpenDuration             time.Duration `json:"open_duration"`
	HalfOpenSuccessThreshold int           `json:"half_open_success_threshold"`
	// FailureWindow bounds how long failures accumulate toward the
	// threshold before the count decays.
	FailureWindow time.Duration `json:"failure_window"`
}

// DefaultBreakerConfig returns the breaker thresholds used when a provider
// has no explicit configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:         5,
		OpenDuration:             60 * time.Second,
		HalfOpenSuccessThreshold: 1,
		FailureWindow:            5 * time.Minute,
	}
}

// TimeoutProfile groups the per-provider dispatch deadlines.
type TimeoutProfile struct {
	FirstByteStreaming time.Duration `json:"first_byte_streaming"`
	StreamingIdle      time.Duration `json:"streaming_idle"`
	NonStreamingTotal  time.Duration `json:"non_streaming_total"`
}

// DefaultTimeoutProfile returns the dispatch deadlines applied when a
// provider leaves them unset.
func DefaultTimeoutProfile() TimeoutProfile {
	return TimeoutProfile{
		FirstByteStreaming: 30 * time.Second,
		StreamingIdle:      30 * time.Second,
		NonStreamingTotal:  300 * time.Second,
	}
}

// USDLimits holds the multi-window spend ceilings for a provider or key.
// A nil entry means the window is unlimited.
type USDLimits struct {
	Limit5h      *float64       `json:"limit_5h_usd"`
	LimitDaily   *float64       `json:"limit_daily_usd"`
	LimitWeekly  *float64       `json:"limit_weekly_usd"`
	LimitMonthly *float64       `json:"limit_monthly_usd"`
	LimitTotal   *float64       `json:"limit_total_usd"`
	DailyMode    DailyLimitMode `json:"daily_limit_mode"`
	// DailyAnchor is the local time-of-day ("15:04") the fixed daily
	// window resets at, interpreted in DailyAnchorZone.
	DailyAnchor     string    `json:"daily_anchor"`
	DailyAnchorZone string    `json:"daily_anchor_zone"`
	TotalResetAt    time.Time `json:"total_reset_at"`
}

// Provider is one upstream LLM endpoint the proxy can dispatch to.
type Provider struct {
	ID   string       `json:"id"`
	Name string       `json:"name"`
	URL  string       `json:"url"`
	Type ProviderType `json:"type"`

	// Key is the upstream credential. It may be a literal secret, an
	// env:// or vault:// reference, a service-account JSON blob
	// (gemini), or an OAuth credential JSON blob (claude-auth).
	Key             string `json:"-"`
	UnifiedClientID string `json:"unified_client_id,omitempty"`

	Priority       int      `json:"priority"`
	Weight         int      `json:"weight"`
	CostMultiplier float64  `json:"cost_multiplier"`
	GroupTags      []string `json:"group_tags"`

	AllowedModels  []string          `json:"allowed_models,omitempty"`
	ModelRedirects map[string]string `json:"model_redirects,omitempty"`
	JoinClaudePool bool              `json:"join_claude_pool"`

	Limits             USDLimits     `json:"limits"`
	ConcurrentSessions int           `json:"limit_concurrent_sessions"`
	Breaker            BreakerConfig `json:"breaker"`

	ProxyURL              string `json:"proxy_url,omitempty"`
	ProxyFallbackToDirect bool   `json:"proxy_fallback_to_direct"`

	Timeouts TimeoutProfile `json:"timeouts"`

	TPMLimit int64 `json:"tpm_limit,omitempty"`
	RPMLimit int64 `json:"rpm_limit,omitempty"`
	RPDLimit int64 `json:"rpd_limit,omitempty"`

	CacheTTL         CacheTTLPreference `json:"cache_ttl_preference"`
	MaxRetryAttempts int                `json:"max_retry_attempts"`
	Enabled          bool               `json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ClaudePoolTag is the implicit group tag carried by providers that joined
// the Claude pool. Joining the pool adds this tag; it does not bypass group
// filtering.
const ClaudePoolTag = "claude-pool"

// EffectiveGroupTags returns the provider's group tags including the
// implicit pool tag when the provider opted in.
func (p *Provider) EffectiveGroupTags() []string {
	if !p.JoinClaudePool {
		return p.GroupTags
	}
	tags := make([]string, 0, len(p.GroupTags)+1)
	tags = append(tags, p.GroupTags...)
	for _, t := range tags {
		if t == ClaudePoolTag {
			return tags
		}
	}
	return append(tags, ClaudePoolTag)
}

// RedirectModel applies the provider's model redirect table. It returns the
// upstream model and whether a redirect was applied.
func (p *Provider) RedirectModel(model string) (string, bool) {
	if len(p.ModelRedirects) == 0 {
		return model, false
	}
	if to, ok := p.ModelRedirects[model]; ok && to != "" && to != model {
		return to, true
	}
	return model, false
}

// AllowsModel reports whether the model passes the provider allow-list.
// An empty allow-list admits every model.
func (p *Provider) AllowsModel(model string) bool {
	if len(p.AllowedModels) == 0 {
		return true
	}
	for _, m := range p.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// BreakerOrDefault returns the provider breaker config with zero fields
// filled from defaults.
func (p *Provider) BreakerOrDefault() BreakerConfig {
	cfg := p.Breaker
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = def.OpenDuration
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = def.HalfOpenSuccessThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	return cfg
}

// TimeoutsOrDefault returns the provider timeout profile with zero fields
// filled from defaults.
func (p *Provider) TimeoutsOrDefault() TimeoutProfile {
	t := p.Timeouts
	def := DefaultTimeoutProfile()
	if t.FirstByteStreaming <= 0 {
		t.FirstByteStreaming = def.FirstByteStreaming
	}
	if t.StreamingIdle <= 0 {
		t.StreamingIdle = def.StreamingIdle
	}
	if t.NonStreamingTotal <= 0 {
		t.NonStreamingTotal = def.NonStreamingTotal
	}
	return t
}

// Key is an API credential issued to a user of the proxy.
type Key struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	// Hash is the sha256 of the secret; the secret itself is never stored.
	Hash string `json:"-"`

	Limits             USDLimits `json:"limits"`
	ConcurrentSessions int       `json:"limit_concurrent_sessions"`
	// ProviderGroups scopes which provider group tags this key may reach.
	ProviderGroups []string  `json:"provider_groups"`
	Enabled        bool      `json:"enabled"`
	CreatedAt      time.Time `json:"created_at"`
}

// User owns keys and carries its own spend and rate ceilings.
type User struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Limits USDLimits `json:"limits"`
	RPM    int64     `json:"rpm"`
	// ProviderGroups may contain the wildcard "all".
	ProviderGroups []string  `json:"provider_groups"`
	Enabled        bool      `json:"enabled"`
	CreatedAt      time.Time `json:"created_at"`
}

// GroupWildcard in an access scope disables group filtering.
const GroupWildcard = "all"

// AccessScope merges key and user provider groups into the scope used by the
// selector's group filter.
func AccessScope(key *Key, user *User) []string {
	seen := make(map[string]struct{})
	var scope []string
	add := func(groups []string) {
		for _, g := range groups {
			if _, ok := seen[g]; ok {
				continue
			}
			seen[g] = struct{}{}
			scope = append(scope, g)
		}
	}
	if key != nil {
		add(key.ProviderGroups)
	}
	if user != nil {
		add(user.ProviderGroups)
	}
	return scope
}

// ScopeHasWildcard reports whether the access scope contains "all".
func ScopeHasWildcard(scope []string) bool {
	for _, g := range scope {
		if g == GroupWildcard {
			return true
		}
	}
	return false
}
