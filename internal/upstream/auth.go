// Package upstream handles the provider-facing half of a relay: credential
// resolution into wire headers, and dispatch through optional egress
// proxies with failure classification.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"

	proxyerr "github.com/blueberrycongee/llmgate/pkg/errors"
	"github.com/blueberrycongee/llmgate/pkg/types"

	"github.com/blueberrycongee/llmgate/internal/observability"
	"github.com/blueberrycongee/llmgate/internal/secret"
)

const (
	anthropicVersion = "2023-06-01"
	// Anthropic OAuth sessions require the beta opt-in on every request.
	anthropicOAuthBeta = "oauth-2025-04-20"
	anthropicTokenURL  = "https://console.anthropic.com/v1/oauth/token"
	anthropicClientID  = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

	googleTokenURL = "https://oauth2.googleapis.com/token"
	geminiScope    = "https://www.googleapis.com/auth/generative-language https://www.googleapis.com/auth/cloud-platform"
)

// Third-party Anthropic-compatible gateways generally expect a Bearer
// token; the first-party hosts expect x-api-key. Hosts matching this
// pattern get Bearer, anthropic.com/claude.ai hosts get x-api-key,
// anything else gets both.
var gatewayHostPattern = regexp.MustCompile(`(?i)proxy|relay|gateway|router|worker|openai|openrouter|api2d|gpt`)

// Upstreams see the same client identity a native CLI would present.
var userAgents = map[types.TargetProtocol]string{
	types.TargetAnthropic:       "claude-cli/1.0.119 (external, cli)",
	types.TargetOpenAIChat:      "OpenAI/NodeJS/4.52.0",
	types.TargetOpenAIResponses: "codex_cli_rs/0.20.0",
	types.TargetGemini:          "google-genai-sdk/0.14.0 gl-node/20.11.0",
}

// Credential is the resolved wire identity for one dispatch.
type Credential struct {
	Header http.Header
	// QueryKey holds a Gemini API key that may be retried as a ?key=
	// query parameter when header auth is rejected with 401/403.
	QueryKey string
}

// Authenticator resolves provider credentials into request headers,
// performing OAuth refreshes and service-account token exchanges as needed.
type Authenticator struct {
	secrets *secret.Resolver
	log     *observability.Logger
	// tokens caches exchanged bearer tokens keyed by provider ID.
	tokens *gocache.Cache
	client *http.Client
	now    func() time.Time
}

// NewAuthenticator creates an authenticator. The http client is used only
// for token endpoints, never for relay traffic.
func NewAuthenticator(secrets *secret.Resolver, log *observability.Logger) *Authenticator {
	return &Authenticator{
		secrets: secrets,
		log:     log,
		tokens:  gocache.New(time.Minute, 5*time.Minute),
		client:  &http.Client{Timeout: 30 * time.Second},
		now:     time.Now,
	}
}

// Credential resolves the provider's credential into headers for the given
// target protocol.
func (a *Authenticator) Credential(ctx context.Context, p *types.Provider, target types.TargetProtocol) (*Credential, error) {
	raw, err := a.secrets.Resolve(ctx, p.Key)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindAuth, p.ID, fmt.Errorf("resolve credential: %w", err))
	}

	h := http.Header{}
	if ua, ok := userAgents[target]; ok {
		h.Set("User-Agent", ua)
	}

	cred := &Credential{Header: h}
	switch p.Type {
	case types.ProviderClaude:
		a.anthropicHeaders(h, p.URL, raw)
	case types.ProviderClaudeAuth:
		tok, err := a.anthropicOAuthToken(ctx, p, raw)
		if err != nil {
			return nil, err
		}
		h.Set("Authorization", "Bearer "+tok)
		h.Set("anthropic-version", anthropicVersion)
		h.Set("anthropic-beta", anthropicOAuthBeta)
	case types.ProviderCodex, types.ProviderOpenAICompatible:
		h.Set("Authorization", "Bearer "+raw)
	case types.ProviderGemini:
		if isServiceAccount(raw) {
			tok, err := a.serviceAccountToken(ctx, p, raw)
			if err != nil {
				return nil, err
			}
			h.Set("Authorization", "Bearer "+tok)
		} else {
			h.Set("x-goog-api-key", raw)
			cred.QueryKey = raw
		}
	case types.ProviderGeminiCLI:
		tok, err := a.googleOAuthToken(ctx, p, raw)
		if err != nil {
			return nil, err
		}
		h.Set("Authorization", "Bearer "+tok)
	default:
		return nil, proxyerr.New(proxyerr.KindInternal, p.ID, fmt.Sprintf("unknown provider type %q", p.Type))
	}
	return cred, nil
}

// anthropicHeaders picks the auth header scheme by hostname.
func (a *Authenticator) anthropicHeaders(h http.Header, rawURL, key string) {
	h.Set("anthropic-version", anthropicVersion)

	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Hostname()
	}
	switch {
	case isAnthropicHost(host):
		h.Set("x-api-key", key)
	case gatewayHostPattern.MatchString(host):
		h.Set("Authorization", "Bearer "+key)
	default:
		// Unknown host: send both, one of them will match.
		h.Set("x-api-key", key)
		h.Set("Authorization", "Bearer "+key)
	}
}

// isAnthropicHost matches the first-party domains and any of their
// subdomains, which all take x-api-key.
func isAnthropicHost(host string) bool {
	for _, domain := range []string{"anthropic.com", "claude.ai"} {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// oauthCredential is the stored credential shape for OAuth-based providers.
type oauthCredential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

func (a *Authenticator) cachedToken(providerID string) (string, bool) {
	if v, ok := a.tokens.Get(providerID); ok {
		return v.(string), true
	}
	return "", false
}

func (a *Authenticator) cacheToken(providerID, token string, expiry time.Time) {
	ttl := time.Until(expiry) - time.Minute
	if ttl <= 0 {
		ttl = time.Minute
	}
	a.tokens.Set(providerID, token, ttl)
}

// anthropicOAuthToken returns a live access token for a claude-auth
// provider, refreshing through the Anthropic OAuth endpoint when the stored
// token has expired.
func (a *Authenticator) anthropicOAuthToken(ctx context.Context, p *types.Provider, raw string) (string, error) {
	if tok, ok := a.cachedToken(p.ID); ok {
		return tok, nil
	}

	var cred oauthCredential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return "", proxyerr.Wrap(proxyerr.KindAuth, p.ID, fmt.Errorf("parse oauth credential: %w", err))
	}

	clientID := cred.ClientID
	if clientID == "" {
		clientID = anthropicClientID
	}
	conf := &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{TokenURL: anthropicTokenURL},
	}
	return a.refresh(ctx, p, conf, &cred)
}

// googleOAuthToken refreshes a gemini-cli OAuth credential.
func (a *Authenticator) googleOAuthToken(ctx context.Context, p *types.Provider, raw string) (string, error) {
	if tok, ok := a.cachedToken(p.ID); ok {
		return tok, nil
	}

	var cred oauthCredential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return "", proxyerr.Wrap(proxyerr.KindAuth, p.ID, fmt.Errorf("parse oauth credential: %w", err))
	}
	conf := &oauth2.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: googleTokenURL},
	}
	return a.refresh(ctx, p, conf, &cred)
}

func (a *Authenticator) refresh(ctx context.Context, p *types.Provider, conf *oauth2.Config, cred *oauthCredential) (string, error) {
	seed := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       time.Unix(cred.ExpiresAt, 0),
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.client)
	tok, err := conf.TokenSource(ctx, seed).Token()
	if err != nil {
		return "", proxyerr.Wrap(proxyerr.KindAuth, p.ID, fmt.Errorf("oauth refresh: %w", err))
	}
	a.cacheToken(p.ID, tok.AccessToken, tok.Expiry)
	if tok.AccessToken != cred.AccessToken {
		a.log.RedactedDebug("refreshed oauth token", "provider", p.ID)
	}
	return tok.AccessToken, nil
}

// serviceAccount is the subset of a Google service-account JSON blob the
// token exchange needs.
type serviceAccount struct {
	Type        string `json:"type"`
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

func isServiceAccount(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	var sa serviceAccount
	return json.Unmarshal([]byte(trimmed), &sa) == nil && sa.Type == "service_account"
}

// serviceAccountToken exchanges a signed JWT assertion for a bearer token.
func (a *Authenticator) serviceAccountToken(ctx context.Context, p *types.Provider, raw string) (string, error) {
	if tok, ok := a.cachedToken(p.ID); ok {
		return tok, nil
	}

	var sa serviceAccount
	if err := json.Unmarshal([]byte(raw), &sa); err != nil {
		return "", proxyerr.Wrap(proxyerr.KindAuth, p.ID, fmt.Errorf("parse service account: %w", err))
	}
	tokenURI := sa.TokenURI
	if tokenURI == "" {
		tokenURI = googleTokenURL
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return "", proxyerr.Wrap(proxyerr.KindAuth, p.ID, fmt.Errorf("parse private key: %w", err))
	}

	now := a.now()
	claims := jwt.MapClaims{
		"iss":   sa.ClientEmail,
		"scope": geminiScope,
		"aud":   tokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", proxyerr.Wrap(proxyerr.KindAuth, p.ID, fmt.Errorf("sign assertion: %w", err))
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", proxyerr.Wrap(proxyerr.KindInternal, p.ID, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", proxyerr.Wrap(proxyerr.KindAuth, p.ID, fmt.Errorf("token exchange: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", proxyerr.New(proxyerr.KindAuth, p.ID,
			fmt.Sprintf("token exchange returned %d", resp.StatusCode))
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", proxyerr.Wrap(proxyerr.KindAuth, p.ID, fmt.Errorf("decode token response: %w", err))
	}
	if body.AccessToken == "" {
		return "", proxyerr.New(proxyerr.KindAuth, p.ID, "token exchange returned no access token")
	}

	a.cacheToken(p.ID, body.AccessToken, now.Add(time.Duration(body.ExpiresIn)*time.Second))
	return body.AccessToken, nil
}
