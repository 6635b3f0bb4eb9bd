package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmgate/internal/breaker"
	"github.com/blueberrycongee/llmgate/internal/config"
	"github.com/blueberrycongee/llmgate/internal/observability"
	"github.com/blueberrycongee/llmgate/internal/ratelimit"
	"github.com/blueberrycongee/llmgate/internal/registry"
	"github.com/blueberrycongee/llmgate/internal/upstream"
	proxyerr "github.com/blueberrycongee/llmgate/pkg/errors"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// AdminStore is the slice of the row store the admin surface reads.
type AdminStore interface {
	ListProviders(ctx context.Context) ([]*types.Provider, error)
	GetProvider(ctx context.Context, id string) (*types.Provider, error)
	ResetTotalCost(ctx context.Context, id string, now time.Time) error
}

// Admin serves the operational contract endpoints: health and cost
// snapshots, connectivity tests, breaker and total-cost resets. The
// consuming UI lives elsewhere.
type Admin struct {
	token       string
	store       AdminStore
	brk         *breaker.Breaker
	limiter     *ratelimit.Limiter
	auth        *upstream.Authenticator
	dispatch    *upstream.Dispatcher
	invalidator *registry.Invalidator
	log         *observability.Logger
}

// NewAdmin wires the admin surface. An empty token disables it.
func NewAdmin(token string, store AdminStore, brk *breaker.Breaker,
	limiter *ratelimit.Limiter, auth *upstream.Authenticator,
	dispatch *upstream.Dispatcher, invalidator *registry.Invalidator,
	log *observability.Logger) *Admin {
	return &Admin{
		token:       token,
		store:       store,
		brk:         brk,
		limiter:     limiter,
		auth:        auth,
		dispatch:    dispatch,
		invalidator: invalidator,
		log:         log,
	}
}

// Register mounts the admin routes on the mux.
func (a *Admin) Register(mux *http.ServeMux) {
	mux.Handle("GET /admin/providers/health", a.guarded(a.health))
	mux.Handle("GET /admin/providers/cost", a.guarded(a.cost))
	mux.Handle("POST /admin/providers/{id}/test", a.guarded(a.test))
	mux.Handle("POST /admin/providers/{id}/breaker/reset", a.guarded(a.resetBreaker))
	mux.Handle("POST /admin/providers/{id}/cost/reset", a.guarded(a.resetTotalCost))
}

func (a *Admin) guarded(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token == "" {
			WriteError(w, http.StatusForbidden, "forbidden", "admin surface disabled")
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) != 1 {
			WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid admin token")
			return
		}
		next(w, r)
	})
}

type providerHealth struct {
	ProviderID      string        `json:"provider_id"`
	Name            string        `json:"name"`
	Enabled         bool          `json:"enabled"`
	State           breaker.State `json:"state"`
	Failures        int           `json:"failures"`
	OpenedAt        *time.Time    `json:"opened_at,omitempty"`
	LastFailureAt   *time.Time    `json:"last_failure_at,omitempty"`
	OpenUntil       *time.Time    `json:"open_until,omitempty"`
	RecoveryMinutes int           `json:"recovery_minutes,omitempty"`
}

func (a *Admin) health(w http.ResponseWriter, r *http.Request) {
	providers, err := a.store.ListProviders(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	snap, err := a.brk.HealthSnapshot(r.Context(), providers)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	out := make([]providerHealth, len(providers))
	for i, p := range providers {
		out[i] = providerHealth{
			ProviderID:      p.ID,
			Name:            p.Name,
			Enabled:         p.Enabled,
			State:           snap[i].State,
			Failures:        snap[i].Failures,
			OpenedAt:        timePtr(snap[i].OpenedAt),
			LastFailureAt:   timePtr(snap[i].LastFailureAt),
			OpenUntil:       timePtr(snap[i].OpenUntil),
			RecoveryMinutes: snap[i].RecoveryMinutes,
		}
	}
	writeJSON(w, out)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

type providerCost struct {
	ProviderID string          `json:"provider_id"`
	Name       string          `json:"name"`
	Usage      costWindows     `json:"usage"`
	Limits     types.USDLimits `json:"limits"`
}

type costWindows struct {
	Cost5h      float64 `json:"cost_5h_usd"`
	CostDaily   float64 `json:"cost_daily_usd"`
	CostWeekly  float64 `json:"cost_weekly_usd"`
	CostMonthly float64 `json:"cost_monthly_usd"`
	CostTotal   float64 `json:"cost_total_usd"`
}

func (a *Admin) cost(w http.ResponseWriter, r *http.Request) {
	providers, err := a.store.ListProviders(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	checks := make([]ratelimit.Check, len(providers))
	for i, p := range providers {
		checks[i] = ratelimit.Check{
			Subject: ratelimit.Subject{Kind: ratelimit.SubjectProvider, ID: p.ID},
			Limits:  p.Limits,
		}
	}
	usages, err := a.limiter.UsageBatch(r.Context(), checks)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	out := make([]providerCost, len(providers))
	for i, p := range providers {
		u := usages[i]
		out[i] = providerCost{
			ProviderID: p.ID,
			Name:       p.Name,
			Usage: costWindows{
				Cost5h:      u.Cost5h,
				CostDaily:   u.CostDaily,
				CostWeekly:  u.CostWeekly,
				CostMonthly: u.CostMonthly,
				CostTotal:   u.CostTotal,
			},
			Limits: p.Limits,
		}
	}
	writeJSON(w, out)
}

type testResult struct {
	ProviderID string `json:"provider_id"`
	OK         bool   `json:"ok"`
	Status     int    `json:"status,omitempty"`
	Kind       string `json:"kind,omitempty"`
	LatencyMs  int64  `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
}

// test issues one minimal upstream call through the real credential and
// dispatch path, bounded by the connectivity test timeout.
func (a *Admin) test(w http.ResponseWriter, r *http.Request) {
	p, err := a.store.GetProvider(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	timeout := config.TestTimeout()
	if p.Type == types.ProviderGemini || p.Type == types.ProviderGeminiCLI {
		timeout = config.GeminiTestTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	start := time.Now()
	res := testResult{ProviderID: p.ID}
	status, err := a.probe(ctx, p)
	res.LatencyMs = time.Since(start).Milliseconds()
	res.Status = status
	if err != nil {
		res.Error = err.Error()
		var pe *proxyerr.ProxyError
		if errors.As(err, &pe) {
			res.Kind = string(pe.Kind)
			res.Status = pe.StatusCode
		}
	} else {
		res.OK = true
	}
	writeJSON(w, res)
}

// probe performs the per-type minimal request.
func (a *Admin) probe(ctx context.Context, p *types.Provider) (int, error) {
	protocol, method, path, body := testPlan(p.Type)
	cred, err := a.auth.Credential(ctx, p, protocol)
	if err != nil {
		return 0, err
	}
	plan := &upstream.Plan{
		Provider: p,
		Method:   method,
		URL:      strings.TrimSuffix(p.URL, "/") + path,
		Header:   cred.Header,
		Body:     body,
		QueryKey: cred.QueryKey,
	}
	res, err := a.dispatch.Do(ctx, plan)
	if err != nil {
		return 0, err
	}
	defer res.Response.Body.Close()
	return res.Response.StatusCode, nil
}

func testPlan(pt types.ProviderType) (types.TargetProtocol, string, string, []byte) {
	switch pt {
	case types.ProviderClaude, types.ProviderClaudeAuth:
		return types.TargetAnthropic, http.MethodPost, "/v1/messages",
			[]byte(`{"model":"claude-3-5-haiku-20241022","max_tokens":1,"messages":[{"role":"user","content":"ping"}]}`)
	case types.ProviderGemini, types.ProviderGeminiCLI:
		return types.TargetGemini, http.MethodPost,
			"/v1beta/models/gemini-2.0-flash:generateContent",
			[]byte(`{"contents":[{"parts":[{"text":"ping"}]}],"generationConfig":{"maxOutputTokens":1}}`)
	default:
		return types.TargetOpenAIChat, http.MethodGet, "/v1/models", nil
	}
}

func (a *Admin) resetBreaker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.brk.Reset(r.Context(), id); err != nil {
		WriteError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	a.log.RedactedInfo("breaker manually reset", "provider", id)
	writeJSON(w, map[string]string{"provider_id": id, "state": "closed"})
}

// resetTotalCost re-anchors the provider's total spend window and broadcasts
// the config change so every instance reloads the provider.
func (a *Admin) resetTotalCost(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	now := time.Now().UTC()
	if err := a.store.ResetTotalCost(r.Context(), id, now); err != nil {
		WriteError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if err := a.invalidator.Publish(r.Context(), id); err != nil {
		a.log.RedactedWarn("invalidation publish failed", "provider", id, "error", err)
	}
	writeJSON(w, map[string]any{"provider_id": id, "total_reset_at": now})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
