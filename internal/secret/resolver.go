// Package secret resolves provider credentials that use indirection.
// A credential of the form "env://NAME" reads an environment variable and
// "vault://path/to/secret#field" reads from HashiCorp Vault; anything else
// is treated as a literal secret.
package secret

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"
	gocache "github.com/patrickmn/go-cache"
)

const (
	envScheme   = "env://"
	vaultScheme = "vault://"
)

// Resolver turns credential references into secret values.
type Resolver struct {
	vault *vault.Client
	// Resolved values are cached briefly so the hot path does not hit
	// Vault per request.
	cache *gocache.Cache
	mu    sync.Mutex
}

// VaultConfig holds connection settings for the optional Vault backend.
type VaultConfig struct {
	Address  string
	Token    string
	RoleID   string
	SecretID string
}

// NewResolver creates a resolver. Vault is optional; without it only
// env:// and literal credentials resolve.
func NewResolver(cfg *VaultConfig) (*Resolver, error) {
	r := &Resolver{
		cache: gocache.New(5*time.Minute, 10*time.Minute),
	}
	if cfg == nil || cfg.Address == "" {
		return r, nil
	}

	vConfig := vault.DefaultConfig()
	vConfig.Address = cfg.Address
	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	switch {
	case cfg.Token != "":
		client.SetToken(cfg.Token)
	case cfg.RoleID != "":
		secret, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
		if err != nil {
			return nil, fmt.Errorf("vault approle login: %w", err)
		}
		if secret == nil || secret.Auth == nil {
			return nil, fmt.Errorf("vault login returned no auth info")
		}
		client.SetToken(secret.Auth.ClientToken)
	default:
		return nil, fmt.Errorf("vault configured without token or approle credentials")
	}

	r.vault = client
	return r, nil
}

// Resolve returns the secret value for a credential reference.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, envScheme):
		name := strings.TrimPrefix(ref, envScheme)
		val, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("environment variable %q not set", name)
		}
		return val, nil

	case strings.HasPrefix(ref, vaultScheme):
		if cached, ok := r.cache.Get(ref); ok {
			return cached.(string), nil
		}
		val, err := r.resolveVault(ctx, strings.TrimPrefix(ref, vaultScheme))
		if err != nil {
			return "", err
		}
		r.cache.Set(ref, val, gocache.DefaultExpiration)
		return val, nil

	default:
		// Literal secret.
		return ref, nil
	}
}

// resolveVault reads "path/to/secret#field" from Vault KV.
func (r *Resolver) resolveVault(ctx context.Context, path string) (string, error) {
	if r.vault == nil {
		return "", fmt.Errorf("vault credential %q but vault is not configured", path)
	}

	field := "value"
	if idx := strings.LastIndex(path, "#"); idx >= 0 {
		field = path[idx+1:]
		path = path[:idx]
	}

	secret, err := r.vault.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("vault read %q: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault secret %q not found", path)
	}

	data := secret.Data
	// KV v2 nests the payload under "data".
	if nested, ok := secret.Data["data"].(map[string]interface{}); ok {
		data = nested
	}

	val, ok := data[field].(string)
	if !ok {
		return "", fmt.Errorf("vault secret %q has no string field %q", path, field)
	}
	return val, nil
}
