// Package relay orchestrates one proxied request end to end: admission,
// provider selection, credential resolution, dispatch, streaming
// passthrough, retry across alternate providers, and settlement.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/llmgate/internal/breaker"
	"github.com/blueberrycongee/llmgate/internal/config"
	"github.com/blueberrycongee/llmgate/internal/metrics"
	"github.com/blueberrycongee/llmgate/internal/observability"
	"github.com/blueberrycongee/llmgate/internal/ratelimit"
	"github.com/blueberrycongee/llmgate/internal/registry"
	"github.com/blueberrycongee/llmgate/internal/selector"
	"github.com/blueberrycongee/llmgate/internal/session"
	"github.com/blueberrycongee/llmgate/internal/streaming"
	"github.com/blueberrycongee/llmgate/internal/upstream"
	"github.com/blueberrycongee/llmgate/internal/usage"
	proxyerr "github.com/blueberrycongee/llmgate/pkg/errors"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// Request is one client request after ingress parsing and key auth.
type Request struct {
	Protocol types.TargetProtocol
	// Path is the client's request path, forwarded to the provider base
	// URL. For Gemini it embeds the model.
	Path     string
	RawQuery string
	Method   string
	Body     []byte
	// Header carries the forwardable client headers; auth headers are
	// already stripped.
	Header http.Header

	Model     string
	Streaming bool
	SessionID string
	// CountTokens marks the zero-cost token counting operation.
	CountTokens bool

	Key  *types.Key
	User *types.User
}

// Relay runs the dispatch pipeline.
type Relay struct {
	cfg      config.RelayConfig
	registry *registry.Registry
	breaker  *breaker.Breaker
	sessions *session.Tracker
	limiter  *ratelimit.Limiter
	guard    *ratelimit.Guard
	selector *selector.Selector
	auth     *upstream.Authenticator
	dispatch *upstream.Dispatcher
	recorder *usage.Recorder
	tracer   trace.Tracer
	log      *observability.Logger
}

// New wires a relay from its collaborators.
func New(cfg config.RelayConfig, reg *registry.Registry, brk *breaker.Breaker,
	sessions *session.Tracker, limiter *ratelimit.Limiter, guard *ratelimit.Guard,
	sel *selector.Selector, auth *upstream.Authenticator, dispatch *upstream.Dispatcher,
	recorder *usage.Recorder, tracer trace.Tracer, log *observability.Logger) *Relay {
	return &Relay{
		cfg:      cfg,
		registry: reg,
		breaker:  brk,
		sessions: sessions,
		limiter:  limiter,
		guard:    guard,
		selector: sel,
		auth:     auth,
		dispatch: dispatch,
		recorder: recorder,
		tracer:   tracer,
		log:      log,
	}
}

// Serve relays one request. An error return means nothing has been written
// to the client yet and the caller renders it; once bytes have gone out the
// relay owns the outcome and returns nil.
func (r *Relay) Serve(ctx context.Context, w http.ResponseWriter, req *Request) error {
	ctx, span := r.tracer.Start(ctx, "relay.serve",
		trace.WithAttributes(
			attribute.String("gen_ai.request.model", req.Model),
			attribute.String("llmgate.protocol", string(req.Protocol)),
		))
	defer span.End()

	start := time.Now()
	requestID := observability.RequestIDFromContext(ctx)
	log := r.log.WithRequestID(ctx)

	entry := &usage.Entry{
		RequestID: requestID,
		Key:       req.Key,
		User:      req.User,
		Protocol:  req.Protocol,
		Endpoint:  req.Path,
		Model:     req.Model,
		Billable:  !req.CountTokens,
	}
	defer func() {
		entry.DurationMs = time.Since(start).Milliseconds()
		r.recorder.Record(ctx, entry)
	}()

	if err := r.guard.Check(ctx, req.Key, req.User); err != nil {
		var rle *proxyerr.RateLimitError
		if errors.As(err, &rle) {
			metrics.LimiterRejections.WithLabelValues(rle.LimitType).Inc()
			entry.Status = http.StatusTooManyRequests
			entry.BlockedBy = "rate_limit"
			entry.BlockedReason = rle.LimitType
			entry.ErrorMessage = rle.Error()
			entry.Chain = entry.Chain.Append(types.ChainItem{
				Reason: blockReason(rle.LimitType),
			})
			log.RedactedInfo("request blocked by limiter",
				"limit_type", rle.LimitType, "subject", rle.Subject)
			return err
		}
		entry.Status = http.StatusInternalServerError
		entry.ErrorMessage = err.Error()
		return proxyerr.Wrap(proxyerr.KindInternal, "", err)
	}

	providers, err := r.registry.All(ctx)
	if err != nil {
		entry.Status = http.StatusInternalServerError
		entry.ErrorMessage = err.Error()
		return proxyerr.Wrap(proxyerr.KindInternal, "", err)
	}

	pinned := ""
	if req.SessionID != "" {
		if pinned, err = r.sessions.PinnedProvider(ctx, req.SessionID); err != nil {
			log.RedactedWarn("session pin lookup failed", "error", err)
			pinned = ""
		}
	}

	return r.attemptLoop(ctx, w, req, entry, providers, pinned, start, log)
}

func (r *Relay) attemptLoop(ctx context.Context, w http.ResponseWriter, req *Request,
	entry *usage.Entry, providers []*types.Provider, pinned string,
	start time.Time, log *observability.Logger) error {

	healthy := r.healthFilter(ctx, providers, log)
	exclude := make(map[string]bool)
	maxAttempts := r.cfg.MaxRetryAttempts + 1
	var lastErr *proxyerr.ProxyError

	for attempt := 0; attempt < maxAttempts; attempt++ {
		in := selector.Input{
			Protocol: req.Protocol,
			Model:    req.Model,
			Scope:    types.AccessScope(req.Key, req.User),
			Exclude:  exclude,
			Healthy:  healthy,
		}
		if attempt == 0 {
			in.Pinned = pinned
		}
		p, dc, err := r.selector.Pick(providers, in)
		if err != nil {
			if lastErr != nil {
				// Retries exhausted the candidate set.
				return r.finishFailure(entry, lastErr)
			}
			var npe *proxyerr.NoProviderError
			if errors.As(err, &npe) {
				entry.Status = http.StatusServiceUnavailable
				entry.ErrorMessage = err.Error()
				entry.Chain = entry.Chain.Append(types.ChainItem{Reason: types.ReasonSystemError})
				log.RedactedWarn("no available provider", "stage", npe.Stage, "model", req.Model)
			}
			return err
		}

		verdict, _ := r.breaker.Allow(ctx, p)
		if !verdict.Allowed {
			exclude[p.ID] = true
			attempt-- // a tripped circuit is not a dispatch attempt
			continue
		}

		// First pick decides the retry budget when the provider sets one.
		if attempt == 0 && p.MaxRetryAttempts > 0 {
			maxAttempts = p.MaxRetryAttempts + 1
		}

		reason := types.ReasonInitialSelection
		if attempt == 0 && p.ID == pinned {
			reason = types.ReasonSessionReuse
		}
		entry.Provider = p
		entry.Chain = entry.Chain.Append(types.ChainItem{
			ProviderID:     p.ID,
			ProviderName:   p.Name,
			Reason:         reason,
			CostMultiplier: p.CostMultiplier,
			Priority:       p.Priority,
			Decision:       dc,
		})

		res, perr := r.dispatchOnce(ctx, req, p, entry)
		if perr != nil {
			lastErr = perr
			if perr.Kind.BreakerFailure() {
				if err := r.breaker.RecordFailure(ctx, p); err != nil {
					log.RedactedWarn("breaker record failure", "provider", p.ID, "error", err)
				}
			} else if verdict.Probe {
				// A 4xx or client abort says nothing about provider
				// health; hand the half-open slot to the next request.
				if err := r.breaker.Release(ctx, p); err != nil {
					log.RedactedWarn("breaker release", "provider", p.ID, "error", err)
				}
			}
			metrics.RelayFailures.WithLabelValues(string(req.Protocol), p.ID, string(perr.Kind)).Inc()

			if perr.Retryable() && attempt+1 < maxAttempts {
				entry.Chain = entry.Chain.Append(types.ChainItem{
					ProviderID:   p.ID,
					ProviderName: p.Name,
					Reason:       types.ReasonRetryFailed,
					StatusCode:   perr.StatusCode,
					Priority:     p.Priority,
				})
				metrics.RelayRetries.WithLabelValues(string(req.Protocol), p.ID).Inc()
				exclude[p.ID] = true
				log.RedactedWarn("attempt failed, retrying on alternate provider",
					"provider", p.ID, "kind", string(perr.Kind), "status", perr.StatusCode)
				continue
			}
			return r.finishFailure(entry, perr)
		}

		if err := r.breaker.RecordSuccess(ctx, p); err != nil {
			log.RedactedWarn("breaker record success", "provider", p.ID, "error", err)
		}
		return r.finishSuccess(ctx, w, req, entry, p, res, attempt, start, log)
	}

	if lastErr != nil {
		return r.finishFailure(entry, lastErr)
	}
	return proxyerr.New(proxyerr.KindInternal, "", "retry loop exited without outcome")
}

// finishFailure closes the entry for a failed request and hands the error
// to the transport layer.
func (r *Relay) finishFailure(entry *usage.Entry, perr *proxyerr.ProxyError) error {
	entry.Status = perr.StatusCode
	if entry.Status == 0 {
		entry.Status = http.StatusBadGateway
	}
	entry.ErrorMessage = perr.Message

	reason := types.ReasonSystemError
	switch {
	case perr.Retryable():
		// Every alternate was tried or excluded before landing here.
		reason = types.ReasonRetryFailed
	case perr.StatusCode >= 400 && perr.StatusCode < 500:
		reason = types.ReasonClientErrorNonRetryable
	}
	item := types.ChainItem{Reason: reason, StatusCode: perr.StatusCode}
	if entry.Provider != nil {
		item.ProviderID = entry.Provider.ID
		item.ProviderName = entry.Provider.Name
	}
	entry.Chain = entry.Chain.Append(item)
	return perr
}

// dispatchOnce builds and executes one dispatch plan against one provider.
func (r *Relay) dispatchOnce(ctx context.Context, req *Request, p *types.Provider,
	entry *usage.Entry) (*upstream.Result, *proxyerr.ProxyError) {

	cred, err := r.auth.Credential(ctx, p, req.Protocol)
	if err != nil {
		var pe *proxyerr.ProxyError
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, proxyerr.Wrap(proxyerr.KindAuth, p.ID, err)
	}

	upstreamModel, redirected := p.RedirectModel(req.Model)
	entry.Model = upstreamModel
	entry.OriginalModel = ""
	if redirected {
		entry.OriginalModel = req.Model
	}

	body := req.Body
	path := req.Path
	if redirected {
		if req.Protocol == types.TargetGemini {
			path = strings.Replace(path, "/"+req.Model+":", "/"+upstreamModel+":", 1)
		} else if body, err = rewriteModel(req.Body, upstreamModel); err != nil {
			return nil, proxyerr.Wrap(proxyerr.KindInternal, p.ID, err)
		}
	}

	header := mergeHeaders(req.Header, cred.Header)
	plan := &upstream.Plan{
		Provider:  p,
		Method:    req.Method,
		URL:       joinURL(p.URL, path, req.RawQuery),
		Header:    header,
		Body:      body,
		Streaming: req.Streaming,
		QueryKey:  cred.QueryKey,
	}

	res, err := r.dispatch.Do(ctx, plan)
	if err != nil {
		var pe *proxyerr.ProxyError
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, proxyerr.Wrap(proxyerr.KindInternal, p.ID, err)
	}
	return res, nil
}

// finishSuccess commits the upstream response to the client and settles.
func (r *Relay) finishSuccess(ctx context.Context, w http.ResponseWriter, req *Request,
	entry *usage.Entry, p *types.Provider, res *upstream.Result, attempt int,
	start time.Time, log *observability.Logger) error {

	resp := res.Response
	defer resp.Body.Close()

	if req.SessionID != "" && !req.CountTokens {
		if err := r.sessions.Touch(ctx, req.SessionID, req.Key.ID, p.ID); err != nil {
			log.RedactedWarn("session touch failed", "error", err)
		}
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	entry.Status = resp.StatusCode

	upstreamModel := entry.Model
	var merged *types.MergedResponse
	var streamErr error

	if req.Streaming {
		tap := streaming.NewTap(req.Protocol, upstreamModel, streamFormat(req))
		_, streamErr = streaming.Forward(w, resp.Body, tap)
		merged = tap.Finish()
	} else {
		body, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			streamErr = rerr
		}
		if _, werr := w.Write(body); werr != nil && streamErr == nil {
			streamErr = &streaming.DestError{Err: werr}
		}
		if req.CountTokens {
			merged = &types.MergedResponse{
				Protocol: req.Protocol,
				Model:    upstreamModel,
				Usage:    streaming.ParseCountTokens(body),
			}
		} else {
			merged = streaming.ParseResponse(req.Protocol, upstreamModel, body)
		}
	}
	entry.Merged = merged
	entry.TTFBMs = res.TTFB().Milliseconds()

	if streamErr != nil {
		r.noteStreamFailure(ctx, entry, p, streamErr, log)
	} else {
		reason := types.ReasonRequestSuccess
		if attempt > 0 {
			reason = types.ReasonRetrySuccess
		}
		entry.Chain = entry.Chain.Append(types.ChainItem{
			ProviderID:     p.ID,
			ProviderName:   p.Name,
			Reason:         reason,
			StatusCode:     resp.StatusCode,
			Priority:       p.Priority,
			FallbackReason: res.FallbackReason,
		})
	}

	metrics.RelayRequests.WithLabelValues(string(req.Protocol), p.ID,
		strconv.Itoa(entry.Status)).Inc()
	metrics.RequestLatency.WithLabelValues(string(req.Protocol), p.ID).
		Observe(time.Since(start).Seconds())
	if req.Streaming {
		if ttfb := res.TTFB(); ttfb > 0 {
			metrics.TimeToFirstByte.WithLabelValues(string(req.Protocol), p.ID).
				Observe(ttfb.Seconds())
		}
	}
	// Bytes are already on the wire: the relay owns the outcome.
	return nil
}

// noteStreamFailure classifies a mid-stream failure after the response was
// committed. A broken client is not a provider fault; a broken upstream is.
func (r *Relay) noteStreamFailure(ctx context.Context, entry *usage.Entry,
	p *types.Provider, streamErr error, log *observability.Logger) {

	entry.ErrorMessage = streamErr.Error()

	var de *streaming.DestError
	if errors.As(streamErr, &de) {
		entry.Chain = entry.Chain.Append(types.ChainItem{
			ProviderID: p.ID, ProviderName: p.Name, Reason: types.ReasonSystemError,
		})
		log.RedactedInfo("client disconnected mid-stream", "provider", p.ID)
		return
	}

	var pe *proxyerr.ProxyError
	if errors.As(streamErr, &pe) && pe.Kind.BreakerFailure() {
		if err := r.breaker.RecordFailure(ctx, p); err != nil {
			log.RedactedWarn("breaker record failure", "provider", p.ID, "error", err)
		}
		metrics.RelayFailures.WithLabelValues(string(entry.Protocol), p.ID, string(pe.Kind)).Inc()
	}
	entry.Chain = entry.Chain.Append(types.ChainItem{
		ProviderID: p.ID, ProviderName: p.Name, Reason: types.ReasonSystemError,
	})
	log.RedactedWarn("stream failed after response committed",
		"provider", p.ID, "error", streamErr)
}

// healthFilter builds the selector health stage: circuit not open, provider
// budget not exhausted, provider session capacity available. All redis
// reads happen once up front.
func (r *Relay) healthFilter(ctx context.Context, providers []*types.Provider,
	log *observability.Logger) func(p *types.Provider) bool {

	open := make(map[string]bool)
	if snap, err := r.breaker.HealthSnapshot(ctx, providers); err == nil {
		for _, h := range snap {
			// An expired open circuit is half-open eligible, not dead.
			if h.State == breaker.StateOpen && time.Now().Before(h.OpenUntil) {
				open[h.ProviderID] = true
			}
		}
	} else {
		log.RedactedWarn("breaker snapshot failed, skipping breaker health filter", "error", err)
	}

	overBudget := make(map[string]bool)
	var budgeted []ratelimit.Check
	for _, p := range providers {
		if hasAnyLimit(p.Limits) {
			budgeted = append(budgeted, ratelimit.Check{
				Subject: ratelimit.Subject{Kind: ratelimit.SubjectProvider, ID: p.ID},
				Limits:  p.Limits,
			})
		}
	}
	if len(budgeted) > 0 {
		if usages, err := r.limiter.UsageBatch(ctx, budgeted); err == nil {
			for i, c := range budgeted {
				if _, _, _, over := ratelimit.OverLimit(usages[i], c.Limits); over {
					overBudget[c.Subject.ID] = true
				}
			}
		} else {
			log.RedactedWarn("provider budget read failed, skipping budget filter", "error", err)
		}
	}

	return func(p *types.Provider) bool {
		if open[p.ID] || overBudget[p.ID] {
			return false
		}
		if p.ConcurrentSessions > 0 {
			n, err := r.sessions.CountByProvider(ctx, p.ID)
			if err == nil && n >= int64(p.ConcurrentSessions) {
				return false
			}
		}
		return true
	}
}

func hasAnyLimit(l types.USDLimits) bool {
	return l.Limit5h != nil || l.LimitDaily != nil || l.LimitWeekly != nil ||
		l.LimitMonthly != nil || l.LimitTotal != nil
}

func blockReason(limitType string) types.ChainReason {
	if limitType == "concurrent_sessions" {
		return types.ReasonConcurrentLimitFailed
	}
	return types.ReasonSystemError
}

// streamFormat picks the tap framing: Gemini streams NDJSON unless the
// client asked for SSE; everything else is SSE.
func streamFormat(req *Request) streaming.Format {
	if req.Protocol == types.TargetGemini && !strings.Contains(req.RawQuery, "alt=sse") {
		return streaming.FormatNDJSON
	}
	return streaming.FormatSSE
}

// rewriteModel replaces the top-level model field in a JSON request body.
func rewriteModel(body []byte, model string) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("rewrite model: %w", err)
	}
	enc, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	m["model"] = enc
	return json.Marshal(m)
}

func joinURL(base, path, query string) string {
	u := strings.TrimSuffix(base, "/") + path
	if query != "" {
		u += "?" + query
	}
	return u
}

// hopHeaders never cross the proxy in either direction.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Content-Length",
}

func mergeHeaders(client, cred http.Header) http.Header {
	out := client.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, h := range hopHeaders {
		out.Del(h)
	}
	for k, vs := range cred {
		out.Del(k)
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if k == "Content-Length" || k == "Connection" || k == "Transfer-Encoding" {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
