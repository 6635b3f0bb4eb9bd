package secret

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLiteral(t *testing.T) {
	r, err := NewResolver(nil)
	require.NoError(t, err)

	val, err := r.Resolve(context.Background(), "sk-plain-secret")
	require.NoError(t, err)
	assert.Equal(t, "sk-plain-secret", val)
}

func TestResolveEnv(t *testing.T) {
	t.Setenv("GW_TEST_KEY", "from-env")
	r, err := NewResolver(nil)
	require.NoError(t, err)

	val, err := r.Resolve(context.Background(), "env://GW_TEST_KEY")
	require.NoError(t, err)
	assert.Equal(t, "from-env", val)
}

func TestResolveEnvMissing(t *testing.T) {
	r, err := NewResolver(nil)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "env://GW_DOES_NOT_EXIST")
	assert.Error(t, err)
}

func TestResolveVaultUnconfigured(t *testing.T) {
	r, err := NewResolver(nil)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "vault://secret/data/upstream#key")
	assert.ErrorContains(t, err, "vault is not configured")
}
