package upstream

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmgate/internal/observability"
	"github.com/blueberrycongee/llmgate/internal/secret"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

func testAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	resolver, err := secret.NewResolver(nil)
	require.NoError(t, err)
	log := observability.NewLogger(observability.LoggerConfig{
		Level:  slog.LevelError,
		Output: io.Discard,
	}, nil)
	return NewAuthenticator(resolver, log)
}

func TestAnthropicHeaderSelection(t *testing.T) {
	a := testAuthenticator(t)

	cases := []struct {
		name       string
		url        string
		wantAPIKey bool
		wantBearer bool
	}{
		{"official api", "https://api.anthropic.com", true, false},
		{"regional subdomain", "https://api.eu.anthropic.com", true, false},
		{"apex domain", "https://anthropic.com", true, false},
		{"claude ai", "https://claude.ai/api", true, false},
		{"claude ai subdomain", "https://api.claude.ai", true, false},
		{"gateway host", "https://claude-relay.example.com", false, true},
		{"openrouter", "https://openrouter.ai/api", false, true},
		{"unknown host", "https://claude.internal.corp", true, true},
		{"lookalike suffix", "https://notanthropic.com.evil.example", true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &types.Provider{ID: "p1", Type: types.ProviderClaude, URL: tc.url, Key: "sk-test"}
			cred, err := a.Credential(context.Background(), p, types.TargetAnthropic)
			require.NoError(t, err)

			assert.Equal(t, anthropicVersion, cred.Header.Get("anthropic-version"))
			if tc.wantAPIKey {
				assert.Equal(t, "sk-test", cred.Header.Get("x-api-key"))
			} else {
				assert.Empty(t, cred.Header.Get("x-api-key"))
			}
			if tc.wantBearer {
				assert.Equal(t, "Bearer sk-test", cred.Header.Get("Authorization"))
			} else {
				assert.Empty(t, cred.Header.Get("Authorization"))
			}
		})
	}
}

func TestOpenAIBearer(t *testing.T) {
	a := testAuthenticator(t)
	p := &types.Provider{ID: "p1", Type: types.ProviderOpenAICompatible, URL: "https://api.openai.com", Key: "sk-proj-x"}

	cred, err := a.Credential(context.Background(), p, types.TargetOpenAIChat)
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-proj-x", cred.Header.Get("Authorization"))
	assert.Empty(t, cred.QueryKey)
}

func TestGeminiAPIKey(t *testing.T) {
	a := testAuthenticator(t)
	p := &types.Provider{ID: "p1", Type: types.ProviderGemini, URL: "https://generativelanguage.googleapis.com", Key: "AIzaTest"}

	cred, err := a.Credential(context.Background(), p, types.TargetGemini)
	require.NoError(t, err)
	assert.Equal(t, "AIzaTest", cred.Header.Get("x-goog-api-key"))
	assert.Equal(t, "AIzaTest", cred.QueryKey)
}

func TestEnvCredentialResolution(t *testing.T) {
	t.Setenv("UPSTREAM_TEST_KEY", "resolved-secret")
	a := testAuthenticator(t)
	p := &types.Provider{ID: "p1", Type: types.ProviderOpenAICompatible, URL: "https://api.openai.com", Key: "env://UPSTREAM_TEST_KEY"}

	cred, err := a.Credential(context.Background(), p, types.TargetOpenAIChat)
	require.NoError(t, err)
	assert.Equal(t, "Bearer resolved-secret", cred.Header.Get("Authorization"))
}

func TestIsServiceAccount(t *testing.T) {
	assert.True(t, isServiceAccount(`{"type":"service_account","client_email":"x@y.iam"}`))
	assert.False(t, isServiceAccount("AIzaPlainKey"))
	assert.False(t, isServiceAccount(`{"access_token":"x"}`))
}

func TestUserAgentPerProtocol(t *testing.T) {
	a := testAuthenticator(t)
	p := &types.Provider{ID: "p1", Type: types.ProviderClaude, URL: "https://api.anthropic.com", Key: "sk-test"}

	cred, err := a.Credential(context.Background(), p, types.TargetAnthropic)
	require.NoError(t, err)
	assert.Contains(t, cred.Header.Get("User-Agent"), "claude-cli")
}
