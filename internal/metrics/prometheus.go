// Package metrics provides Prometheus metrics for the gateway hot path:
// request counts, latencies, token usage, spend, breaker state, and limiter
// rejections.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "llmgate"

// LatencyBuckets defines histogram buckets for latency metrics (seconds).
var LatencyBuckets = []float64{
	0.005, 0.0125, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.0, 3.0, 4.0, 5.0, 7.5, 10.0,
	15.0, 20.0, 30.0, 60.0, 120.0, 180.0, 300.0,
}

var (
	// RelayRequests counts relayed requests by protocol, provider and
	// final status code.
	RelayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_requests_total",
			Help:      "Total relayed requests",
		},
		[]string{"protocol", "provider", "status_code"},
	)

	// RelayFailures counts failed relay attempts by error kind.
	RelayFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_failures_total",
			Help:      "Total failed relay attempts",
		},
		[]string{"protocol", "provider", "kind"},
	)

	// RelayRetries counts retry hops onto alternate providers.
	RelayRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_retries_total",
			Help:      "Total retries onto alternate providers",
		},
		[]string{"protocol", "from_provider"},
	)

	// RequestLatency tracks end-to-end request latency.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "End-to-end request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"protocol", "provider"},
	)

	// TimeToFirstByte tracks upstream TTFB for streaming requests.
	TimeToFirstByte = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_byte_seconds",
			Help:      "Upstream time to first byte in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"protocol", "provider"},
	)

	// TokensProcessed counts tokens by direction.
	TokensProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total tokens processed",
		},
		[]string{"provider", "model", "direction"},
	)

	// SpendUSD accumulates attributed cost.
	SpendUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_usd_total",
			Help:      "Total attributed spend in USD",
		},
		[]string{"provider", "model"},
	)

	// LimiterRejections counts pre-dispatch limiter rejections by window.
	LimiterRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "limiter_rejections_total",
			Help:      "Requests rejected by the rate limiter",
		},
		[]string{"limit_type"},
	)

	// BreakerState exposes the current breaker state per provider
	// (0=closed, 1=half-open, 2=open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per provider (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	// BreakerTransitions counts breaker state transitions.
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"provider", "from", "to"},
	)

	// StreamChunksSkipped counts stream frames dropped by the merger.
	StreamChunksSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_skipped_total",
			Help:      "Stream frames that failed to parse on the accounting tap",
		},
		[]string{"protocol"},
	)

	// ProxyFallbacks counts egress proxy to direct fallbacks.
	ProxyFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_fallbacks_total",
			Help:      "Dispatches that fell back from egress proxy to direct",
		},
		[]string{"provider", "reason"},
	)
)
