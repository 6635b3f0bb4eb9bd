package store

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

// InsertUsageLog appends one request record. The id is assigned by the
// recorder so the cost commit can be made idempotent on retry.
func (s *Store) InsertUsageLog(ctx context.Context, log *types.UsageLog) error {
	usage, _ := json.Marshal(log.Usage)
	chain, _ := json.Marshal(log.Chain)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_logs (
			id, key_id, user_id, provider_id, model, original_model,
			endpoint, status, usage, cache_ttl_applied, context_1m,
			cost_usd, billable, duration_ms, ttfb_ms, provider_chain,
			blocked_by, blocked_reason, error_message, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,now())
		ON CONFLICT (id) DO NOTHING`,
		log.ID, log.KeyID, log.UserID, log.ProviderID, log.Model,
		log.OriginalModel, log.Endpoint, log.Status, usage,
		string(log.CacheTTLApplied), log.Context1M, log.CostUSD,
		log.Billable, log.DurationMs, log.TTFBMs, chain,
		log.BlockedBy, log.BlockedReason, log.ErrorMessage)
	if err != nil {
		return fmt.Errorf("insert usage log %s: %w", log.ID, err)
	}
	return nil
}
