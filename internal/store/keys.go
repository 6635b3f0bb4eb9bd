package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

// HashKey returns the sha256 hex digest used to look up a key secret.
func HashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// GetKeyBySecret resolves an API key secret to the key and its owning user.
// Returns (nil, nil, nil) when no enabled key matches.
func (s *Store) GetKeyBySecret(ctx context.Context, secret string) (*types.Key, *types.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT k.id, k.user_id, k.name, k.hash, k.limits, k.concurrent_sessions,
		       k.provider_groups, k.enabled, k.created_at,
		       u.id, u.name, u.limits, u.rpm, u.provider_groups, u.enabled, u.created_at
		FROM keys k
		JOIN users u ON u.id = k.user_id
		WHERE k.hash = $1`, HashKey(secret))

	var (
		k            types.Key
		u            types.User
		kLimits      []byte
		kGroups      []byte
		uLimits      []byte
		uGroups      []byte
	)
	err := row.Scan(
		&k.ID, &k.UserID, &k.Name, &k.Hash, &kLimits, &k.ConcurrentSessions,
		&kGroups, &k.Enabled, &k.CreatedAt,
		&u.ID, &u.Name, &uLimits, &u.RPM, &uGroups, &u.Enabled, &u.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get key by secret: %w", err)
	}

	if err := json.Unmarshal(kLimits, &k.Limits); err != nil {
		return nil, nil, fmt.Errorf("key %s: limits: %w", k.ID, err)
	}
	if err := json.Unmarshal(kGroups, &k.ProviderGroups); err != nil {
		return nil, nil, fmt.Errorf("key %s: provider_groups: %w", k.ID, err)
	}
	if err := json.Unmarshal(uLimits, &u.Limits); err != nil {
		return nil, nil, fmt.Errorf("user %s: limits: %w", u.ID, err)
	}
	if err := json.Unmarshal(uGroups, &u.ProviderGroups); err != nil {
		return nil, nil, fmt.Errorf("user %s: provider_groups: %w", u.ID, err)
	}

	if !k.Enabled || !u.Enabled {
		return nil, nil, nil
	}
	return &k, &u, nil
}
