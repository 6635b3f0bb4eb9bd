package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

const providerColumns = `id, name, url, type, credential, unified_client_id,
	priority, weight, cost_multiplier, group_tags, allowed_models,
	model_redirects, join_claude_pool, limits, concurrent_sessions, breaker,
	proxy_url, proxy_fallback_to_direct, timeouts, tpm_limit, rpm_limit,
	rpd_limit, cache_ttl_preference, max_retry_attempts, enabled,
	created_at, updated_at`

// ListProviders returns every provider row, enabled or not. The registry
// filters on Enabled; the admin surface needs the full set.
func (s *Store) ListProviders(ctx context.Context) ([]*types.Provider, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+providerColumns+` FROM providers ORDER BY priority, name`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var providers []*types.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// GetProvider returns one provider by id.
func (s *Store) GetProvider(ctx context.Context, id string) (*types.Provider, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = $1`, id)
	p, err := scanProvider(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// UpdateProvider persists mutable provider fields. It is the admin-surface
// contract; callers publish a cache invalidation afterwards.
func (s *Store) UpdateProvider(ctx context.Context, p *types.Provider) error {
	groupTags, _ := json.Marshal(p.GroupTags)
	allowed, _ := json.Marshal(p.AllowedModels)
	redirects, _ := json.Marshal(p.ModelRedirects)
	limits, _ := json.Marshal(p.Limits)
	breaker, _ := json.Marshal(p.Breaker)
	timeouts, _ := json.Marshal(p.Timeouts)

	_, err := s.db.ExecContext(ctx, `
		UPDATE providers SET
			name=$2, url=$3, type=$4, credential=$5, unified_client_id=$6,
			priority=$7, weight=$8, cost_multiplier=$9, group_tags=$10,
			allowed_models=$11, model_redirects=$12, join_claude_pool=$13,
			limits=$14, concurrent_sessions=$15, breaker=$16, proxy_url=$17,
			proxy_fallback_to_direct=$18, timeouts=$19, tpm_limit=$20,
			rpm_limit=$21, rpd_limit=$22, cache_ttl_preference=$23,
			max_retry_attempts=$24, enabled=$25, updated_at=now()
		WHERE id=$1`,
		p.ID, p.Name, p.URL, string(p.Type), p.Key, p.UnifiedClientID,
		p.Priority, p.Weight, p.CostMultiplier, groupTags,
		allowed, redirects, p.JoinClaudePool,
		limits, p.ConcurrentSessions, breaker, p.ProxyURL,
		p.ProxyFallbackToDirect, timeouts, p.TPMLimit,
		p.RPMLimit, p.RPDLimit, string(p.CacheTTL),
		p.MaxRetryAttempts, p.Enabled)
	if err != nil {
		return fmt.Errorf("update provider %s: %w", p.ID, err)
	}
	return nil
}

// InsertProvider creates a provider row.
func (s *Store) InsertProvider(ctx context.Context, p *types.Provider) error {
	groupTags, _ := json.Marshal(p.GroupTags)
	allowed, _ := json.Marshal(p.AllowedModels)
	redirects, _ := json.Marshal(p.ModelRedirects)
	limits, _ := json.Marshal(p.Limits)
	breaker, _ := json.Marshal(p.Breaker)
	timeouts, _ := json.Marshal(p.Timeouts)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO providers (`+providerColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,now(),now())`,
		p.ID, p.Name, p.URL, string(p.Type), p.Key, p.UnifiedClientID,
		p.Priority, p.Weight, p.CostMultiplier, groupTags, allowed,
		redirects, p.JoinClaudePool, limits, p.ConcurrentSessions, breaker,
		p.ProxyURL, p.ProxyFallbackToDirect, timeouts, p.TPMLimit,
		p.RPMLimit, p.RPDLimit, string(p.CacheTTL), p.MaxRetryAttempts,
		p.Enabled)
	if err != nil {
		return fmt.Errorf("insert provider %s: %w", p.ID, err)
	}
	return nil
}

// DeleteProvider removes a provider row.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete provider %s: %w", id, err)
	}
	return nil
}

// ResetTotalCost moves the provider's total-window anchor to now. The
// caller clears the redis total counter separately.
func (s *Store) ResetTotalCost(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE providers SET limits = jsonb_set(limits, '{total_reset_at}', to_jsonb($2::timestamptz)), updated_at=now() WHERE id = $1`,
		id, now)
	if err != nil {
		return fmt.Errorf("reset total cost %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(row rowScanner) (*types.Provider, error) {
	var (
		p         types.Provider
		ptype     string
		cacheTTL  string
		groupTags []byte
		allowed   []byte
		redirects []byte
		limits    []byte
		breaker   []byte
		timeouts  []byte
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.URL, &ptype, &p.Key, &p.UnifiedClientID,
		&p.Priority, &p.Weight, &p.CostMultiplier, &groupTags, &allowed,
		&redirects, &p.JoinClaudePool, &limits, &p.ConcurrentSessions,
		&breaker, &p.ProxyURL, &p.ProxyFallbackToDirect, &timeouts,
		&p.TPMLimit, &p.RPMLimit, &p.RPDLimit, &cacheTTL,
		&p.MaxRetryAttempts, &p.Enabled, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Type = types.ProviderType(ptype)
	p.CacheTTL = types.CacheTTLPreference(cacheTTL)
	if err := json.Unmarshal(groupTags, &p.GroupTags); err != nil {
		return nil, fmt.Errorf("provider %s: group_tags: %w", p.ID, err)
	}
	if err := json.Unmarshal(allowed, &p.AllowedModels); err != nil {
		return nil, fmt.Errorf("provider %s: allowed_models: %w", p.ID, err)
	}
	if err := json.Unmarshal(redirects, &p.ModelRedirects); err != nil {
		return nil, fmt.Errorf("provider %s: model_redirects: %w", p.ID, err)
	}
	if err := json.Unmarshal(limits, &p.Limits); err != nil {
		return nil, fmt.Errorf("provider %s: limits: %w", p.ID, err)
	}
	if err := json.Unmarshal(breaker, &p.Breaker); err != nil {
		return nil, fmt.Errorf("provider %s: breaker: %w", p.ID, err)
	}
	if err := json.Unmarshal(timeouts, &p.Timeouts); err != nil {
		return nil, fmt.Errorf("provider %s: timeouts: %w", p.ID, err)
	}
	return &p, nil
}
