// Package session tracks live client sessions in redis sorted sets, scored
// by expiry. Counts drive the concurrency limits and the selector's
// session-affinity stage.
package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long an idle session stays pinned before it lapses.
const DefaultTTL = 30 * time.Minute

// Tracker maintains the session sets. Expired members are collected lazily
// on read rather than by a background sweeper.
type Tracker struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// New creates a tracker with the given idle TTL.
func New(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{rdb: rdb, prefix: prefix, ttl: ttl, now: time.Now}
}

func (t *Tracker) providerKey(providerID string) string {
	return t.prefix + ":sess:provider:" + providerID
}

func (t *Tracker) keyKey(keyID string) string {
	return t.prefix + ":sess:key:" + keyID
}

func (t *Tracker) pinKey(sessionID string) string {
	return t.prefix + ":sess:pin:" + sessionID
}

// Touch records session activity: the session is added to (or refreshed in)
// the provider and key sets and pinned to the provider. Re-touching an
// existing session is idempotent apart from the refreshed expiry.
func (t *Tracker) Touch(ctx context.Context, sessionID, keyID, providerID string) error {
	if sessionID == "" {
		return nil
	}
	expiry := float64(t.now().Add(t.ttl).UnixMilli())
	pipe := t.rdb.Pipeline()
	pipe.ZAdd(ctx, t.providerKey(providerID), redis.Z{Score: expiry, Member: sessionID})
	pipe.Expire(ctx, t.providerKey(providerID), t.ttl+time.Minute)
	pipe.ZAdd(ctx, t.keyKey(keyID), redis.Z{Score: expiry, Member: sessionID})
	pipe.Expire(ctx, t.keyKey(keyID), t.ttl+time.Minute)
	pipe.Set(ctx, t.pinKey(sessionID), providerID, t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touch session %s: %w", sessionID, err)
	}
	return nil
}

// Close removes a session from its sets and clears the pin.
func (t *Tracker) Close(ctx context.Context, sessionID, keyID, providerID string) error {
	if sessionID == "" {
		return nil
	}
	pipe := t.rdb.Pipeline()
	pipe.ZRem(ctx, t.providerKey(providerID), sessionID)
	pipe.ZRem(ctx, t.keyKey(keyID), sessionID)
	pipe.Del(ctx, t.pinKey(sessionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("close session %s: %w", sessionID, err)
	}
	return nil
}

// CountByProvider returns live sessions on a provider, collecting expired
// members first.
func (t *Tracker) CountByProvider(ctx context.Context, providerID string) (int64, error) {
	return t.count(ctx, t.providerKey(providerID))
}

// CountByKey returns live sessions attributed to a key.
func (t *Tracker) CountByKey(ctx context.Context, keyID string) (int64, error) {
	return t.count(ctx, t.keyKey(keyID))
}

func (t *Tracker) count(ctx context.Context, key string) (int64, error) {
	nowMs := strconv.FormatInt(t.now().UnixMilli(), 10)
	pipe := t.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", nowMs)
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return card.Val(), nil
}

// PinnedProvider returns the provider a session is pinned to, or "" when
// the session is unknown or lapsed.
func (t *Tracker) PinnedProvider(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", nil
	}
	v, err := t.rdb.Get(ctx, t.pinKey(sessionID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session pin %s: %w", sessionID, err)
	}
	return v, nil
}
