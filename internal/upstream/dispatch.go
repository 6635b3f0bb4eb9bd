package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"

	"github.com/blueberrycongee/llmgate/internal/metrics"
	"github.com/blueberrycongee/llmgate/internal/observability"
	proxyerr "github.com/blueberrycongee/llmgate/pkg/errors"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// maxErrorBody bounds how much of an upstream error body is retained for
// passthrough and logging.
const maxErrorBody = 64 << 10

// gatewayStatuses are the statuses a CDN or tunnel edge produces when the
// egress proxy, not the provider, is the failing hop.
var gatewayStatuses = map[int]bool{
	502: true, 504: true,
	520: true, 521: true, 522: true, 523: true,
	524: true, 525: true, 526: true, 527: true,
	530: true,
}

// Plan is one fully-resolved dispatch attempt.
type Plan struct {
	Provider  *types.Provider
	Method    string
	URL       string
	Header    http.Header
	Body      []byte
	Streaming bool
	// QueryKey enables the Gemini ?key= retry when header auth is
	// rejected upstream.
	QueryKey string
}

// Result is a successful dispatch: a 2xx upstream response whose body is
// watchdog-wrapped for streaming plans.
type Result struct {
	Response *http.Response
	ViaProxy bool
	// FallbackReason is set when the attempt succeeded only after falling
	// back from the egress proxy to a direct connection.
	FallbackReason string
	firstByteAt    *atomic.Int64
	start          time.Time
}

// TTFB returns the upstream time to first body byte, zero until one
// arrives.
func (r *Result) TTFB() time.Duration {
	if r.firstByteAt == nil {
		return 0
	}
	at := r.firstByteAt.Load()
	if at == 0 {
		return 0
	}
	return time.Duration(at - r.start.UnixNano())
}

// Dispatcher performs upstream HTTP exchanges. It is the single place
// dispatch failures are classified into the error taxonomy; callers branch
// on ProxyError.Kind, never on error text.
type Dispatcher struct {
	log        *observability.Logger
	transports sync.Map // proxy URL -> *http.Transport
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(log *observability.Logger) *Dispatcher {
	return &Dispatcher{log: log}
}

// Do executes one dispatch plan. Non-2xx responses and transport failures
// come back as *errors.ProxyError; the caller decides retryability from the
// kind.
func (d *Dispatcher) Do(ctx context.Context, plan *Plan) (*Result, error) {
	p := plan.Provider
	timeouts := p.TimeoutsOrDefault()

	if !plan.Streaming {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeouts.NonStreamingTotal)
		defer func() {
			// The body outlives Do for success; tie cancel to body close.
			if cancel != nil {
				cancel()
			}
		}()
		res, err := d.attempt(ctx, plan, timeouts)
		if err != nil {
			return nil, err
		}
		res.Response.Body = &cancelOnClose{ReadCloser: res.Response.Body, cancel: cancel}
		cancel = nil
		return res, nil
	}

	return d.attempt(ctx, plan, timeouts)
}

// attempt runs the proxy attempt and the direct fallback.
func (d *Dispatcher) attempt(ctx context.Context, plan *Plan, timeouts types.TimeoutProfile) (*Result, error) {
	p := plan.Provider

	if p.ProxyURL == "" {
		return d.exchange(ctx, plan, timeouts, false, "")
	}

	res, err := d.exchange(ctx, plan, timeouts, true, "")
	if err == nil || !p.ProxyFallbackToDirect {
		return res, err
	}

	reason := fallbackReason(err)
	if reason == "" {
		return nil, err
	}

	d.log.RedactedWarn("egress proxy failed, retrying direct",
		"provider", p.ID, "reason", reason, "error", err)
	metrics.ProxyFallbacks.WithLabelValues(p.ID, reason).Inc()

	res, directErr := d.exchange(ctx, plan, timeouts, false, reason)
	if directErr != nil {
		// Report the original proxied failure; the direct path was a
		// rescue attempt, not the primary route.
		return nil, err
	}
	return res, nil
}

// Fallback reasons recorded when a direct connection rescues a proxied
// attempt.
const (
	// FallbackCloudflare marks a Cloudflare edge answering with a gateway
	// status instead of the provider.
	FallbackCloudflare = "cloudflare"
	// FallbackProxyError marks a transport failure on the proxied hop.
	FallbackProxyError = "proxy-error"
)

// fallbackReason decides whether a proxied failure warrants a direct retry.
func fallbackReason(err error) string {
	var pe *proxyerr.ProxyError
	if !errors.As(err, &pe) {
		return ""
	}
	switch pe.Kind {
	case proxyerr.KindNetwork, proxyerr.KindSSL:
		return FallbackProxyError
	case proxyerr.KindUpstream5xx, proxyerr.KindOther4xx:
		if gatewayStatuses[pe.StatusCode] && isCloudflareEdge(pe.Header) {
			return FallbackCloudflare
		}
	}
	return ""
}

// isCloudflareEdge detects a Cloudflare edge answering instead of the
// provider.
func isCloudflareEdge(h http.Header) bool {
	if h == nil {
		return false
	}
	if h.Get("cf-ray") != "" || h.Get("cf-cache-status") != "" {
		return true
	}
	if strings.Contains(strings.ToLower(h.Get("Via")), "cloudflare") {
		return true
	}
	return strings.EqualFold(h.Get("Server"), "cloudflare")
}

func (d *Dispatcher) exchange(ctx context.Context, plan *Plan, timeouts types.TimeoutProfile, viaProxy bool, fallbackReason string) (*Result, error) {
	p := plan.Provider

	transport, err := d.transport(p, viaProxy)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindInternal, p.ID, err)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	resp, err := d.roundTrip(reqCtx, plan, transport, plan.URL, plan.Header)
	if err != nil {
		cancel()
		return nil, d.classify(p.ID, err)
	}

	// Gemini API keys may be rejected in the header but accepted as a
	// query parameter by some compatible frontends.
	if plan.QueryKey != "" && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		drainAndClose(resp.Body)
		retryURL, uerr := withQueryKey(plan.URL, plan.QueryKey)
		if uerr == nil {
			hdr := plan.Header.Clone()
			hdr.Del("x-goog-api-key")
			resp, err = d.roundTrip(reqCtx, plan, transport, retryURL, hdr)
			if err != nil {
				cancel()
				return nil, d.classify(p.ID, err)
			}
		}
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		drainAndClose(resp.Body)
		cancel()
		pe := &proxyerr.ProxyError{
			Kind:       proxyerr.FromStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Provider:   p.ID,
			Message:    fmt.Sprintf("upstream returned %d", resp.StatusCode),
			Body:       body,
			Header:     resp.Header,
		}
		return nil, pe
	}

	res := &Result{
		Response:       resp,
		ViaProxy:       viaProxy,
		FallbackReason: fallbackReason,
		firstByteAt:    &atomic.Int64{},
		start:          time.Now(),
	}
	if plan.Streaming {
		resp.Body = newWatchdogBody(resp.Body, cancel, p.ID,
			timeouts.FirstByteStreaming, timeouts.StreamingIdle, res.firstByteAt)
	} else {
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	}
	return res, nil
}

func (d *Dispatcher) roundTrip(ctx context.Context, plan *Plan, transport http.RoundTripper, rawURL string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, plan.Method, rawURL, bytes.NewReader(plan.Body))
	if err != nil {
		return nil, err
	}
	req.Header = header.Clone()
	client := &http.Client{Transport: transport}
	return client.Do(req)
}

func withQueryKey(rawURL, key string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("key", key)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// transport returns a cached transport for the provider's egress route.
func (d *Dispatcher) transport(p *types.Provider, viaProxy bool) (http.RoundTripper, error) {
	key := "direct"
	if viaProxy {
		key = p.ProxyURL
	}
	if t, ok := d.transports.Load(key); ok {
		return t.(http.RoundTripper), nil
	}

	base := &http.Transport{
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	if viaProxy {
		u, err := url.Parse(p.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		switch u.Scheme {
		case "http", "https":
			base.Proxy = http.ProxyURL(u)
		case "socks5", "socks5h":
			dialer, err := proxy.FromURL(u, proxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("socks dialer: %w", err)
			}
			base.Proxy = nil
			base.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(proxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			}
		case "socks4":
			addr := u.Host
			base.DialContext = func(ctx context.Context, network, target string) (net.Conn, error) {
				return dialSocks4(ctx, addr, target)
			}
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
		}
	}

	actual, _ := d.transports.LoadOrStore(key, base)
	return actual.(http.RoundTripper), nil
}

// classify maps a transport-level failure into the error taxonomy. This is
// the single classification point for dispatch errors.
func (d *Dispatcher) classify(providerID string, err error) *proxyerr.ProxyError {
	var pe *proxyerr.ProxyError
	if errors.As(err, &pe) {
		return pe
	}

	switch {
	case errors.Is(err, context.Canceled):
		return proxyerr.Wrap(proxyerr.KindClientAborted, providerID, err)
	case errors.Is(err, context.DeadlineExceeded):
		return proxyerr.Wrap(proxyerr.KindTimeout, providerID, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return proxyerr.Wrap(proxyerr.KindTimeout, providerID, err)
	}

	var (
		certErr   *tls.CertificateVerificationError
		recordErr tls.RecordHeaderError
		x509Err   x509.UnknownAuthorityError
		hostErr   x509.HostnameError
	)
	if errors.As(err, &certErr) || errors.As(err, &recordErr) ||
		errors.As(err, &x509Err) || errors.As(err, &hostErr) {
		return proxyerr.Wrap(proxyerr.KindSSL, providerID, err)
	}

	return proxyerr.Wrap(proxyerr.KindNetwork, providerID, err)
}

func drainAndClose(rc io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(rc, maxErrorBody)) //nolint:errcheck
	rc.Close()
}

// cancelOnClose releases the request context when the caller finishes with
// the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	if c.cancel != nil {
		c.cancel()
	}
	return err
}

// watchdogBody enforces the first-byte and idle deadlines on a streaming
// response body. A tripped deadline cancels the request context, which
// surfaces as a classified timeout on the next Read.
type watchdogBody struct {
	rc         io.ReadCloser
	cancel     context.CancelFunc
	providerID string

	timer    *time.Timer
	idle     time.Duration
	timedOut atomic.Bool

	gotFirst    bool
	firstByteAt *atomic.Int64
}

func newWatchdogBody(rc io.ReadCloser, cancel context.CancelFunc, providerID string,
	firstByte, idle time.Duration, firstByteAt *atomic.Int64) *watchdogBody {
	w := &watchdogBody{
		rc:          rc,
		cancel:      cancel,
		providerID:  providerID,
		idle:        idle,
		firstByteAt: firstByteAt,
	}
	w.timer = time.AfterFunc(firstByte, func() {
		w.timedOut.Store(true)
		cancel()
	})
	return w
}

func (w *watchdogBody) Read(p []byte) (int, error) {
	n, err := w.rc.Read(p)
	if n > 0 {
		if !w.gotFirst {
			w.gotFirst = true
			w.firstByteAt.Store(time.Now().UnixNano())
		}
		w.timer.Reset(w.idle)
	}
	if err != nil && err != io.EOF && w.timedOut.Load() {
		which := "idle"
		if !w.gotFirst {
			which = "first byte"
		}
		return n, proxyerr.New(proxyerr.KindTimeout, w.providerID,
			fmt.Sprintf("stream %s deadline exceeded", which))
	}
	return n, err
}

func (w *watchdogBody) Close() error {
	w.timer.Stop()
	err := w.rc.Close()
	w.cancel()
	return err
}
