// Package api is the gateway ingress: route registration, key
// authentication, per-protocol request parsing, and error rendering. The
// body is treated as an opaque passthrough; only the routing fields are
// inspected.
package api

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/blueberrycongee/llmgate/internal/observability"
	"github.com/blueberrycongee/llmgate/internal/relay"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// maxBodyBytes bounds how much of a client request body is buffered. Bodies
// are buffered whole so retries can replay them.
const maxBodyBytes = 20 << 20

// KeySource resolves a client secret to its key and owning user. Implemented
// by the postgres store.
type KeySource interface {
	GetKeyBySecret(ctx context.Context, secret string) (*types.Key, *types.User, error)
}

// Handler serves the protocol-preserving relay endpoints.
type Handler struct {
	relay *relay.Relay
	keys  KeySource
	log   *observability.Logger
}

// NewHandler wires the ingress handler.
func NewHandler(r *relay.Relay, keys KeySource, log *observability.Logger) *Handler {
	return &Handler{relay: r, keys: keys, log: log}
}

// Register mounts the relay routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /v1/messages", h.authenticated(h.messages))
	mux.Handle("POST /v1/messages/count_tokens", h.authenticated(h.countTokens))
	mux.Handle("POST /v1/chat/completions", h.authenticated(h.chatCompletions))
	mux.Handle("POST /v1/responses", h.authenticated(h.responses))
	mux.Handle("POST /v1beta/models/{model}", h.authenticated(h.gemini))
	mux.Handle("GET /v1/models", h.authenticated(h.listModels))
	mux.Handle("GET /v1beta/models", h.authenticated(h.geminiListModels))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

type relayFunc func(w http.ResponseWriter, r *http.Request, key *types.Key, user *types.User)

// authenticated resolves the client secret before the handler runs. A
// missing or unknown secret is rejected with 401 in the shared envelope.
func (h *Handler) authenticated(next relayFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := clientSecret(r)
		if secret == "" {
			WriteError(w, http.StatusUnauthorized, "unauthorized", "missing API key")
			return
		}
		key, user, err := h.keys.GetKeyBySecret(r.Context(), secret)
		if err != nil {
			h.log.WithRequestID(r.Context()).RedactedError("key lookup failed", "error", err)
			WriteError(w, http.StatusInternalServerError, "internal", "authentication unavailable")
			return
		}
		if key == nil {
			WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid API key")
			return
		}
		next(w, r, key, user)
	})
}

// clientSecret extracts the key secret from the supported credential
// carriers, in precedence order.
func clientSecret(r *http.Request) string {
	if v := r.Header.Get("x-api-key"); v != "" {
		return v
	}
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
		return strings.TrimPrefix(v, "Bearer ")
	}
	if v := r.Header.Get("x-goog-api-key"); v != "" {
		return v
	}
	return r.URL.Query().Get("key")
}

func (h *Handler) messages(w http.ResponseWriter, r *http.Request, key *types.Key, user *types.User) {
	h.serve(w, r, key, user, types.TargetAnthropic, false)
}

func (h *Handler) countTokens(w http.ResponseWriter, r *http.Request, key *types.Key, user *types.User) {
	h.serve(w, r, key, user, types.TargetAnthropic, true)
}

func (h *Handler) chatCompletions(w http.ResponseWriter, r *http.Request, key *types.Key, user *types.User) {
	h.serve(w, r, key, user, types.TargetOpenAIChat, false)
}

func (h *Handler) responses(w http.ResponseWriter, r *http.Request, key *types.Key, user *types.User) {
	h.serve(w, r, key, user, types.TargetOpenAIResponses, false)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, key *types.Key,
	user *types.User, protocol types.TargetProtocol, countTokens bool) {

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	fields := parseBody(body)

	req := &relay.Request{
		Protocol:    protocol,
		Path:        r.URL.Path,
		RawQuery:    r.URL.RawQuery,
		Method:      r.Method,
		Body:        body,
		Header:      forwardHeaders(r.Header),
		Model:       fields.Model,
		Streaming:   fields.Stream,
		SessionID:   fields.sessionID(r.Header.Get(SessionHeader)),
		CountTokens: countTokens,
		Key:         key,
		User:        user,
	}
	if err := h.relay.Serve(r.Context(), w, req); err != nil {
		RenderRelayError(w, err)
	}
}

// gemini serves both generate actions; the path segment carries model and
// action as {model}:{action}.
func (h *Handler) gemini(w http.ResponseWriter, r *http.Request, key *types.Key, user *types.User) {
	model, action := splitGeminiAction(r.PathValue("model"))
	var streaming bool
	switch action {
	case "streamGenerateContent":
		streaming = true
	case "generateContent", "countTokens":
	default:
		WriteError(w, http.StatusNotFound, "not_found", "unknown model action: "+action)
		return
	}

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	req := &relay.Request{
		Protocol:    types.TargetGemini,
		Path:        r.URL.Path,
		RawQuery:    stripQueryKey(r.URL.RawQuery),
		Method:      r.Method,
		Body:        body,
		Header:      forwardHeaders(r.Header),
		Model:       model,
		Streaming:   streaming,
		SessionID:   r.Header.Get(SessionHeader),
		CountTokens: action == "countTokens",
		Key:         key,
		User:        user,
	}
	if err := h.relay.Serve(r.Context(), w, req); err != nil {
		RenderRelayError(w, err)
	}
}

// listModels forwards the model catalog request to a selected upstream with
// the usual auth rewriting. No model constrains selection. The path is
// shared by the Anthropic and OpenAI surfaces; the caller's credential
// carrier tells the families apart.
func (h *Handler) listModels(w http.ResponseWriter, r *http.Request, key *types.Key, user *types.User) {
	h.forwardGet(w, r, key, user, catalogProtocol(r))
}

// catalogProtocol picks the catalog family for GET /v1/models: Anthropic
// clients present x-api-key and anthropic-version, OpenAI clients a bearer
// token.
func catalogProtocol(r *http.Request) types.TargetProtocol {
	if r.Header.Get("anthropic-version") != "" || r.Header.Get("x-api-key") != "" {
		return types.TargetAnthropic
	}
	return types.TargetOpenAIChat
}

func (h *Handler) geminiListModels(w http.ResponseWriter, r *http.Request, key *types.Key, user *types.User) {
	h.forwardGet(w, r, key, user, types.TargetGemini)
}

func (h *Handler) forwardGet(w http.ResponseWriter, r *http.Request, key *types.Key,
	user *types.User, protocol types.TargetProtocol) {

	req := &relay.Request{
		Protocol: protocol,
		Path:     r.URL.Path,
		RawQuery: stripQueryKey(r.URL.RawQuery),
		Method:   http.MethodGet,
		Header:   forwardHeaders(r.Header),
		Key:      key,
		User:     user,
		// Catalog responses carry no usage; nothing is billed.
		CountTokens: true,
	}
	if err := h.relay.Serve(r.Context(), w, req); err != nil {
		RenderRelayError(w, err)
	}
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", "read request body: "+err.Error())
		return nil, false
	}
	if len(body) > maxBodyBytes {
		WriteError(w, http.StatusRequestEntityTooLarge, "bad_request", "request body too large")
		return nil, false
	}
	return body, true
}

// forwardHeaders copies the client headers that may cross the proxy. Client
// credentials never do; the upstream credential layer sets its own.
func forwardHeaders(h http.Header) http.Header {
	out := h.Clone()
	for _, k := range []string{
		"Authorization", "X-Api-Key", "X-Goog-Api-Key",
		"Host", "Cookie", SessionHeader,
	} {
		out.Del(k)
	}
	return out
}
