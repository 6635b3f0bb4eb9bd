package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

// PriceTable is a read-through view over the model_prices rows. Prices are
// admin-maintained and change rarely, so the whole table is cached and
// refreshed on an interval.
type PriceTable struct {
	store *Store

	mu        sync.RWMutex
	prices    map[string]types.ModelPrice
	loadedAt  time.Time
	refreshIn time.Duration
}

// NewPriceTable creates a price table over the store, refreshing at the
// given interval (default 5 minutes).
func NewPriceTable(store *Store, refreshIn time.Duration) *PriceTable {
	if refreshIn <= 0 {
		refreshIn = 5 * time.Minute
	}
	return &PriceTable{
		store:     store,
		prices:    make(map[string]types.ModelPrice),
		refreshIn: refreshIn,
	}
}

// Load reads all price rows into memory.
func (t *PriceTable) Load(ctx context.Context) error {
	rows, err := t.store.db.QueryContext(ctx, `
		SELECT model, input, output, cache_write_5m, cache_write_1h, cache_read,
		       has_1m_context, input_1m_mult, output_1m_mult, updated_at
		FROM model_prices`)
	if err != nil {
		return fmt.Errorf("load model prices: %w", err)
	}
	defer rows.Close()

	prices := make(map[string]types.ModelPrice)
	for rows.Next() {
		var p types.ModelPrice
		if err := rows.Scan(&p.Model, &p.Input, &p.Output, &p.CacheWrite5m,
			&p.CacheWrite1h, &p.CacheRead, &p.Has1MContext,
			&p.Input1MMult, &p.Output1MMult, &p.UpdatedAt); err != nil {
			return fmt.Errorf("scan model price: %w", err)
		}
		prices[p.Model] = p
	}
	if err := rows.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	t.prices = prices
	t.loadedAt = time.Now()
	t.mu.Unlock()
	return nil
}

// Get implements pricing.PriceSource. Stale tables are refreshed lazily;
// a failed refresh keeps serving the previous snapshot.
func (t *PriceTable) Get(model string) (*types.ModelPrice, bool) {
	t.mu.RLock()
	stale := time.Since(t.loadedAt) > t.refreshIn
	p, ok := t.prices[model]
	t.mu.RUnlock()

	if stale {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := t.Load(ctx); err == nil {
			t.mu.RLock()
			p, ok = t.prices[model]
			t.mu.RUnlock()
		}
		cancel()
	}

	if !ok {
		return nil, false
	}
	return &p, true
}

// UpsertPrice writes one price row, for seeding and tests.
func (s *Store) UpsertPrice(ctx context.Context, p types.ModelPrice) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_prices (model, input, output, cache_write_5m, cache_write_1h,
		                          cache_read, has_1m_context, input_1m_mult, output_1m_mult, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
		ON CONFLICT (model) DO UPDATE SET
			input=EXCLUDED.input, output=EXCLUDED.output,
			cache_write_5m=EXCLUDED.cache_write_5m, cache_write_1h=EXCLUDED.cache_write_1h,
			cache_read=EXCLUDED.cache_read, has_1m_context=EXCLUDED.has_1m_context,
			input_1m_mult=EXCLUDED.input_1m_mult, output_1m_mult=EXCLUDED.output_1m_mult,
			updated_at=now()`,
		p.Model, p.Input, p.Output, p.CacheWrite5m, p.CacheWrite1h,
		p.CacheRead, p.Has1MContext, p.Input1MMult, p.Output1MMult)
	if err != nil {
		return fmt.Errorf("upsert price %s: %w", p.Model, err)
	}
	return nil
}
