package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/blueberrycongee/llmgate/internal/observability"
)

// Invalidator bridges the redis pub/sub invalidation channel to the
// registry. Admin writes publish on the channel; every replica subscribed
// marks its snapshot stale and reloads on the next read.
type Invalidator struct {
	rdb     redis.UniversalClient
	channel string
	reg     *Registry
	log     *observability.Logger

	// limiter coalesces bursts of invalidation messages (bulk admin edits
	// publish once per row) into at most one eager reload per second. The
	// stale mark itself is unconditional, so correctness never depends on
	// the eager reload happening.
	limiter *rate.Limiter
}

// NewInvalidator creates an invalidator for the given channel.
func NewInvalidator(rdb redis.UniversalClient, channel string, reg *Registry, log *observability.Logger) *Invalidator {
	return &Invalidator{
		rdb:     rdb,
		channel: channel,
		reg:     reg,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Publish notifies all replicas that provider configuration changed. The
// payload names the changed provider for logging; subscribers invalidate
// the whole snapshot either way.
func (inv *Invalidator) Publish(ctx context.Context, providerID string) error {
	if err := inv.rdb.Publish(ctx, inv.channel, providerID).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// Run subscribes and processes invalidation messages until the context is
// canceled. The redis client reconnects the subscription on failure.
func (inv *Invalidator) Run(ctx context.Context) {
	sub := inv.rdb.Subscribe(ctx, inv.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			inv.reg.Invalidate()
			inv.log.RedactedDebug("provider cache invalidated", "provider", msg.Payload)
			if inv.limiter.Allow() {
				reloadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				if err := inv.reg.Refresh(reloadCtx); err != nil {
					inv.log.RedactedWarn("eager reload after invalidation failed", "error", err)
				}
				cancel()
			}
		}
	}
}
