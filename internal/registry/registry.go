// Package registry caches the provider catalog in memory. The cache is
// refreshed on a TTL and invalidated eagerly through a redis pub/sub channel
// so admin edits propagate across replicas without waiting out the TTL.
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/llmgate/internal/observability"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// Source loads the provider catalog from durable storage. Implemented by
// the postgres store.
type Source interface {
	ListProviders(ctx context.Context) ([]*types.Provider, error)
}

type snapshot struct {
	providers []*types.Provider
	byID      map[string]*types.Provider
	loadedAt  time.Time
}

// Registry is the read path for provider configuration. Reads are lock-free
// against an atomic snapshot; refreshes are serialized so a stampede of
// stale readers triggers one database load.
type Registry struct {
	source Source
	ttl    time.Duration
	log    *observability.Logger
	now    func() time.Time

	cur     atomic.Pointer[snapshot]
	refresh sync.Mutex
}

// New creates a registry over the source with the given snapshot TTL.
func New(source Source, ttl time.Duration, log *observability.Logger) *Registry {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	r := &Registry{source: source, ttl: ttl, log: log, now: time.Now}
	r.cur.Store(&snapshot{byID: map[string]*types.Provider{}})
	return r
}

// All returns every enabled provider, refreshing the snapshot if stale. On
// refresh failure the previous snapshot keeps serving; the gateway prefers
// stale routing data over no routing data.
func (r *Registry) All(ctx context.Context) ([]*types.Provider, error) {
	s, err := r.fresh(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out, nil
}

// AllIncludingDisabled returns the complete catalog for the admin surface.
func (r *Registry) AllIncludingDisabled(ctx context.Context) ([]*types.Provider, error) {
	s, err := r.fresh(ctx)
	if err != nil {
		return nil, err
	}
	return s.providers, nil
}

// ByID returns one provider or nil.
func (r *Registry) ByID(ctx context.Context, id string) (*types.Provider, error) {
	s, err := r.fresh(ctx)
	if err != nil {
		return nil, err
	}
	return s.byID[id], nil
}

// Invalidate marks the snapshot stale; the next read reloads.
func (r *Registry) Invalidate() {
	s := r.cur.Load()
	r.cur.Store(&snapshot{providers: s.providers, byID: s.byID})
}

// Refresh forces a reload regardless of age.
func (r *Registry) Refresh(ctx context.Context) error {
	_, err := r.load(ctx)
	return err
}

func (r *Registry) fresh(ctx context.Context) (*snapshot, error) {
	s := r.cur.Load()
	if !s.loadedAt.IsZero() && r.now().Sub(s.loadedAt) < r.ttl {
		return s, nil
	}
	return r.load(ctx)
}

func (r *Registry) load(ctx context.Context) (*snapshot, error) {
	r.refresh.Lock()
	defer r.refresh.Unlock()

	// Another goroutine may have loaded while we waited on the lock.
	if s := r.cur.Load(); !s.loadedAt.IsZero() && r.now().Sub(s.loadedAt) < r.ttl {
		return s, nil
	}

	providers, err := r.source.ListProviders(ctx)
	if err != nil {
		if s := r.cur.Load(); len(s.providers) > 0 {
			r.log.RedactedWarn("provider refresh failed, serving stale snapshot", "error", err)
			return s, nil
		}
		return nil, fmt.Errorf("load providers: %w", err)
	}

	byID := make(map[string]*types.Provider, len(providers))
	for _, p := range providers {
		byID[p.ID] = p
	}
	s := &snapshot{providers: providers, byID: byID, loadedAt: r.now()}
	r.cur.Store(s)
	r.log.RedactedDebug("provider snapshot refreshed", "count", len(providers))
	return s, nil
}
