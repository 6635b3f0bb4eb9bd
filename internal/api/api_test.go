package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmgate/internal/observability"
	proxyerr "github.com/blueberrycongee/llmgate/pkg/errors"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

type fakeKeys struct {
	secret string
	key    *types.Key
	user   *types.User
	err    error
}

func (f *fakeKeys) GetKeyBySecret(_ context.Context, secret string) (*types.Key, *types.User, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	if secret != f.secret {
		return nil, nil, nil
	}
	return f.key, f.user, nil
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LoggerConfig{
		Level:  slog.LevelError,
		Output: io.Discard,
	}, nil)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestAuthMissingKey(t *testing.T) {
	h := NewHandler(nil, &fakeKeys{}, testLogger())
	called := false
	handler := h.authenticated(func(http.ResponseWriter, *http.Request, *types.Key, *types.User) {
		called = true
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", nil))

	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Type)
}

func TestAuthUnknownKey(t *testing.T) {
	h := NewHandler(nil, &fakeKeys{secret: "sk-good"}, testLogger())
	handler := h.authenticated(func(http.ResponseWriter, *http.Request, *types.Key, *types.User) {
		t.Fatal("handler must not run")
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("x-api-key", "sk-bad")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthAcceptsEachCarrier(t *testing.T) {
	keys := &fakeKeys{
		secret: "sk-good",
		key:    &types.Key{ID: "k1"},
		user:   &types.User{ID: "u1"},
	}
	h := NewHandler(nil, keys, testLogger())

	for name, set := range map[string]func(r *http.Request){
		"x-api-key": func(r *http.Request) { r.Header.Set("x-api-key", "sk-good") },
		"bearer":    func(r *http.Request) { r.Header.Set("Authorization", "Bearer sk-good") },
		"x-goog":    func(r *http.Request) { r.Header.Set("x-goog-api-key", "sk-good") },
		"query":     func(r *http.Request) { r.URL.RawQuery = "key=sk-good" },
	} {
		t.Run(name, func(t *testing.T) {
			var gotKey *types.Key
			handler := h.authenticated(func(_ http.ResponseWriter, _ *http.Request, k *types.Key, _ *types.User) {
				gotKey = k
			})
			req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
			set(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.NotNil(t, gotKey)
			assert.Equal(t, "k1", gotKey.ID)
		})
	}
}

func TestAuthLookupError(t *testing.T) {
	h := NewHandler(nil, &fakeKeys{err: errors.New("db down")}, testLogger())
	handler := h.authenticated(func(http.ResponseWriter, *http.Request, *types.Key, *types.User) {
		t.Fatal("handler must not run")
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("x-api-key", "sk-any")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRenderRateLimitError(t *testing.T) {
	rec := httptest.NewRecorder()
	RenderRelayError(rec, &proxyerr.RateLimitError{
		LimitType:    "usd_daily",
		Subject:      "key:k1",
		CurrentUsage: 10,
		LimitValue:   10,
	})

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, "rate_limit_usd_daily", detail.Type)
	require.NotNil(t, detail.CurrentUsage)
	assert.Equal(t, 10.0, *detail.CurrentUsage)
	require.NotNil(t, detail.LimitValue)
	assert.Equal(t, 10.0, *detail.LimitValue)
}

func TestRenderConcurrencyLimit(t *testing.T) {
	rec := httptest.NewRecorder()
	RenderRelayError(rec, &proxyerr.RateLimitError{LimitType: "concurrent_sessions"})

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "concurrent_sessions", decodeError(t, rec).Type)
}

func TestRenderNoProvider(t *testing.T) {
	rec := httptest.NewRecorder()
	RenderRelayError(rec, &proxyerr.NoProviderError{Stage: "health"})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "no_available_provider", decodeError(t, rec).Type)
}

func TestRenderRetryableExhausted(t *testing.T) {
	rec := httptest.NewRecorder()
	RenderRelayError(rec, proxyerr.New(proxyerr.KindNetwork, "p1", "connection refused"))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "upstream_unreachable", decodeError(t, rec).Type)
}

func TestRenderUpstreamPassthrough(t *testing.T) {
	pe := &proxyerr.ProxyError{
		Kind:       proxyerr.KindBadRequest,
		StatusCode: http.StatusBadRequest,
		Body:       []byte(`{"error":{"message":"bad model"}}`),
		Header:     http.Header{"Content-Type": []string{"application/json"}, "X-Upstream": []string{"yes"}},
	}
	rec := httptest.NewRecorder()
	RenderRelayError(rec, pe)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":{"message":"bad model"}}`, rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
}

func TestRenderStreamBound(t *testing.T) {
	rec := httptest.NewRecorder()
	RenderRelayError(rec, proxyerr.New(proxyerr.KindStreamParse, "p1", "stream exceeded byte bound"))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "stream_error", decodeError(t, rec).Type)
}

func TestRenderInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	RenderRelayError(rec, errors.New("boom"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal", decodeError(t, rec).Type)
}

func TestSplitGeminiAction(t *testing.T) {
	model, action := splitGeminiAction("gemini-2.0-flash:streamGenerateContent")
	assert.Equal(t, "gemini-2.0-flash", model)
	assert.Equal(t, "streamGenerateContent", action)

	model, action = splitGeminiAction("gemini-2.0-flash")
	assert.Equal(t, "gemini-2.0-flash", model)
	assert.Empty(t, action)
}

func TestStripQueryKey(t *testing.T) {
	assert.Equal(t, "alt=sse", stripQueryKey("alt=sse&key=secret"))
	assert.Equal(t, "alt=sse", stripQueryKey("key=secret&alt=sse"))
	assert.Empty(t, stripQueryKey("key=secret"))
	assert.Empty(t, stripQueryKey(""))
}

func TestSessionIDPrecedence(t *testing.T) {
	f := parseBody([]byte(`{"model":"m","metadata":{"user_id":"meta-user"},"user":"body-user"}`))
	assert.Equal(t, "meta-user", f.sessionID("header-user"))

	f = parseBody([]byte(`{"model":"m","user":"body-user"}`))
	assert.Equal(t, "body-user", f.sessionID("header-user"))

	f = parseBody([]byte(`{"model":"m"}`))
	assert.Equal(t, "header-user", f.sessionID("header-user"))
}

func TestCatalogProtocol(t *testing.T) {
	mk := func(hdr http.Header) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		r.Header = hdr
		return r
	}

	assert.Equal(t, types.TargetAnthropic,
		catalogProtocol(mk(http.Header{"X-Api-Key": []string{"sk-ant"}})))
	assert.Equal(t, types.TargetAnthropic,
		catalogProtocol(mk(http.Header{
			"Authorization":     []string{"Bearer sk-ant"},
			"Anthropic-Version": []string{"2023-06-01"},
		})))
	assert.Equal(t, types.TargetOpenAIChat,
		catalogProtocol(mk(http.Header{"Authorization": []string{"Bearer sk-proj"}})))
}

func TestParseBodyMalformed(t *testing.T) {
	f := parseBody([]byte(`not json`))
	assert.Empty(t, f.Model)
	assert.False(t, f.Stream)
}

func TestAdminGuard(t *testing.T) {
	a := &Admin{token: "secret", log: testLogger()}
	called := false
	handler := a.guarded(func(http.ResponseWriter, *http.Request) { called = true })

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/providers/health", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)

	req := httptest.NewRequest(http.MethodGet, "/admin/providers/health", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.True(t, called)
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	a := &Admin{log: testLogger()}
	handler := a.guarded(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	})

	req := httptest.NewRequest(http.MethodGet, "/admin/providers/health", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
