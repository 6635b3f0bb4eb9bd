// Package breaker implements a per-provider circuit breaker whose state
// lives in redis, so every replica sees the same circuit and a provider
// tripped by one replica is avoided by all. Transitions run inside Lua
// scripts to stay atomic under concurrent replicas; each replica keeps a
// short-lived local snapshot to keep the closed-state fast path off the
// network.
package breaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/llmgate/internal/metrics"
	"github.com/blueberrycongee/llmgate/internal/observability"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// State is the breaker state machine position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

func (s State) gauge() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// localSnapshotTTL bounds how long a replica may act on a cached closed
// state. A circuit opened elsewhere is honored within this window.
const localSnapshotTTL = 2 * time.Second

// allowScript decides admission and performs the open -> half-open
// transition when the open duration has elapsed. At most one caller holds
// the half-open probe slot at a time; a claim older than the open duration
// is treated as abandoned (the claiming replica died mid-request) and
// handed to the next caller.
//
// KEYS[1] = breaker hash
// ARGV[1] = now (unix ms), ARGV[2] = open duration (ms)
// Returns: {verdict, state} where verdict is "allow", "probe", or "deny".
var allowScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state or state == 'closed' then
    return {'allow', 'closed'}
end
local now = tonumber(ARGV[1])
if state == 'open' then
    local opened = tonumber(redis.call('HGET', KEYS[1], 'opened_at') or '0')
    if now - opened >= tonumber(ARGV[2]) then
        redis.call('HSET', KEYS[1], 'state', 'half_open', 'successes', '0', 'probe', '1', 'probe_at', ARGV[1])
        return {'probe', 'half_open'}
    end
    return {'deny', 'open'}
end
-- half_open: one in-flight probe at a time
local probe = redis.call('HGET', KEYS[1], 'probe')
if probe == '1' then
    local claimed = tonumber(redis.call('HGET', KEYS[1], 'probe_at') or '0')
    if now - claimed < tonumber(ARGV[2]) then
        return {'deny', 'half_open'}
    end
end
redis.call('HSET', KEYS[1], 'probe', '1', 'probe_at', ARGV[1])
return {'probe', 'half_open'}
`)

// failureScript records a breaker-counted failure. Failures accumulate in a
// sliding window; crossing the threshold or failing a half-open probe opens
// the circuit.
//
// KEYS[1] = breaker hash
// ARGV[1] = now (ms), ARGV[2] = threshold, ARGV[3] = window (ms)
// Returns: {prevState, newState}.
var failureScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then state = 'closed' end
local now = tonumber(ARGV[1])
redis.call('HSET', KEYS[1], 'last_failure', ARGV[1])
if state == 'half_open' then
    redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', ARGV[1], 'probe', '0', 'failures', '0')
    return {state, 'open'}
end
if state == 'open' then
    return {state, state}
end
local winStart = tonumber(redis.call('HGET', KEYS[1], 'window_start') or '0')
local failures = tonumber(redis.call('HGET', KEYS[1], 'failures') or '0')
if now - winStart > tonumber(ARGV[3]) then
    failures = 1
    redis.call('HSET', KEYS[1], 'window_start', ARGV[1])
else
    failures = failures + 1
end
if failures >= tonumber(ARGV[2]) then
    redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', ARGV[1], 'failures', '0', 'probe', '0')
    return {state, 'open'}
end
redis.call('HSET', KEYS[1], 'state', 'closed', 'failures', tostring(failures))
return {state, state}
`)

// successScript records a success. Enough half-open successes close the
// circuit; a success while closed clears the failure count.
//
// KEYS[1] = breaker hash
// ARGV[1] = half-open success threshold
// Returns: {prevState, newState}.
var successScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state or state == 'closed' then
    redis.call('HSET', KEYS[1], 'state', 'closed', 'failures', '0')
    return {'closed', 'closed'}
end
if state == 'open' then
    return {state, state}
end
local successes = tonumber(redis.call('HGET', KEYS[1], 'successes') or '0') + 1
redis.call('HSET', KEYS[1], 'probe', '0')
if successes >= tonumber(ARGV[1]) then
    redis.call('HSET', KEYS[1], 'state', 'closed', 'failures', '0', 'successes', '0')
    return {state, 'closed'}
end
redis.call('HSET', KEYS[1], 'successes', tostring(successes))
return {state, state}
`)

// releaseScript frees the half-open probe slot without counting an
// outcome. The circuit stays half-open and the next caller takes the slot.
//
// KEYS[1] = breaker hash
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') == 'half_open' then
    redis.call('HSET', KEYS[1], 'probe', '0')
end
return 'ok'
`)

// Breaker manages circuits for all providers over one redis client.
type Breaker struct {
	rdb    redis.UniversalClient
	prefix string
	log    *observability.Logger
	local  *gocache.Cache
	now    func() time.Time
}

// New creates a breaker with the given key prefix.
func New(rdb redis.UniversalClient, prefix string, log *observability.Logger) *Breaker {
	return &Breaker{
		rdb:    rdb,
		prefix: prefix,
		log:    log,
		local:  gocache.New(localSnapshotTTL, time.Minute),
		now:    time.Now,
	}
}

func (b *Breaker) key(providerID string) string {
	return b.prefix + ":cb:" + providerID
}

// Verdict is the admission decision for one dispatch attempt.
type Verdict struct {
	Allowed bool
	// Probe marks the single half-open trial request. The caller must
	// report its outcome so the circuit can settle.
	Probe bool
	State State
}

// Allow reports whether a dispatch to the provider may proceed. A cached
// closed state short-circuits without touching redis; any other state runs
// the transition script.
func (b *Breaker) Allow(ctx context.Context, p *types.Provider) (Verdict, error) {
	if s, ok := b.local.Get(p.ID); ok && s.(State) == StateClosed {
		return Verdict{Allowed: true, State: StateClosed}, nil
	}

	cfg := p.BreakerOrDefault()
	res, err := allowScript.Run(ctx, b.rdb, []string{b.key(p.ID)},
		b.now().UnixMilli(), cfg.OpenDuration.Milliseconds()).StringSlice()
	if err != nil {
		// Redis down must not take routing down with it.
		b.log.RedactedWarn("breaker check failed, failing open", "provider", p.ID, "error", err)
		return Verdict{Allowed: true, State: StateClosed}, nil
	}

	verdict, state := res[0], State(res[1])
	b.observe(p.ID, state)
	switch verdict {
	case "allow":
		return Verdict{Allowed: true, State: state}, nil
	case "probe":
		return Verdict{Allowed: true, Probe: true, State: state}, nil
	default:
		return Verdict{Allowed: false, State: state}, nil
	}
}

// RecordFailure counts one breaker-eligible failure against the provider.
func (b *Breaker) RecordFailure(ctx context.Context, p *types.Provider) error {
	cfg := p.BreakerOrDefault()
	res, err := failureScript.Run(ctx, b.rdb, []string{b.key(p.ID)},
		b.now().UnixMilli(), cfg.FailureThreshold, cfg.FailureWindow.Milliseconds()).StringSlice()
	if err != nil {
		return fmt.Errorf("breaker record failure: %w", err)
	}
	b.transition(p.ID, State(res[0]), State(res[1]))
	return nil
}

// RecordSuccess counts one success toward recovery.
func (b *Breaker) RecordSuccess(ctx context.Context, p *types.Provider) error {
	cfg := p.BreakerOrDefault()
	res, err := successScript.Run(ctx, b.rdb, []string{b.key(p.ID)},
		cfg.HalfOpenSuccessThreshold).StringSlice()
	if err != nil {
		return fmt.Errorf("breaker record success: %w", err)
	}
	b.transition(p.ID, State(res[0]), State(res[1]))
	return nil
}

// Release frees the half-open probe slot when the probed request ended in
// an outcome that says nothing about provider health, such as a client 4xx
// or an aborted request. Without it that outcome would wedge the slot and
// the provider would stay half-open with no way to recover.
func (b *Breaker) Release(ctx context.Context, p *types.Provider) error {
	if err := releaseScript.Run(ctx, b.rdb, []string{b.key(p.ID)}).Err(); err != nil {
		return fmt.Errorf("breaker release: %w", err)
	}
	return nil
}

// Reset force-closes a provider's circuit. Admin surface only.
func (b *Breaker) Reset(ctx context.Context, providerID string) error {
	if err := b.rdb.Del(ctx, b.key(providerID)).Err(); err != nil {
		return fmt.Errorf("breaker reset: %w", err)
	}
	b.local.Delete(providerID)
	metrics.BreakerState.WithLabelValues(providerID).Set(StateClosed.gauge())
	return nil
}

// Health is one provider's breaker snapshot for the admin surface.
type Health struct {
	ProviderID    string    `json:"provider_id"`
	State         State     `json:"state"`
	Failures      int       `json:"failures"`
	OpenedAt      time.Time `json:"opened_at,omitempty"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
	// OpenUntil is when an open circuit becomes half-open eligible; zero
	// unless the circuit is open.
	OpenUntil time.Time `json:"open_until,omitempty"`
	// RecoveryMinutes is the remaining open time rounded up to minutes.
	RecoveryMinutes int `json:"recovery_minutes,omitempty"`
}

// HealthSnapshot reads the circuit state for the given providers in one
// pipelined round trip. Missing circuits report closed.
func (b *Breaker) HealthSnapshot(ctx context.Context, providers []*types.Provider) ([]Health, error) {
	pipe := b.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(providers))
	for i, p := range providers {
		cmds[i] = pipe.HGetAll(ctx, b.key(p.ID))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("breaker snapshot: %w", err)
	}

	out := make([]Health, len(providers))
	for i, p := range providers {
		h := Health{ProviderID: p.ID, State: StateClosed}
		fields := cmds[i].Val()
		if s, ok := fields["state"]; ok && s != "" {
			h.State = State(s)
		}
		if f, ok := fields["failures"]; ok {
			h.Failures, _ = strconv.Atoi(f)
		}
		if t := fieldTime(fields, "opened_at"); !t.IsZero() {
			h.OpenedAt = t
		}
		if t := fieldTime(fields, "last_failure"); !t.IsZero() {
			h.LastFailureAt = t
		}
		if h.State == StateOpen && !h.OpenedAt.IsZero() {
			h.OpenUntil = h.OpenedAt.Add(p.BreakerOrDefault().OpenDuration)
			if remain := h.OpenUntil.Sub(b.now()); remain > 0 {
				h.RecoveryMinutes = int((remain + time.Minute - 1) / time.Minute)
			}
		}
		out[i] = h
	}
	return out, nil
}

func fieldTime(fields map[string]string, name string) time.Time {
	ms, ok := fields[name]
	if !ok || ms == "" || ms == "0" {
		return time.Time{}
	}
	n, _ := strconv.ParseInt(ms, 10, 64)
	return time.UnixMilli(n)
}

func (b *Breaker) observe(providerID string, s State) {
	b.local.SetDefault(providerID, s)
	metrics.BreakerState.WithLabelValues(providerID).Set(s.gauge())
}

func (b *Breaker) transition(providerID string, from, to State) {
	b.observe(providerID, to)
	if from == to {
		return
	}
	metrics.BreakerTransitions.WithLabelValues(providerID, string(from), string(to)).Inc()
	b.log.RedactedInfo("breaker transition",
		"provider", providerID, "from", string(from), "to", string(to))
}
