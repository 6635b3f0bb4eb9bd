// Package usage settles a finished (or blocked) request: it prices the
// merged response, commits spend to the limiter windows, persists the usage
// log row, and feeds the accounting metrics. Settlement is best-effort and
// never blocks the response path.
package usage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/llmgate/internal/metrics"
	"github.com/blueberrycongee/llmgate/internal/observability"
	"github.com/blueberrycongee/llmgate/internal/pricing"
	"github.com/blueberrycongee/llmgate/internal/ratelimit"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// LogStore persists usage rows. Implemented by the postgres store.
type LogStore interface {
	InsertUsageLog(ctx context.Context, log *types.UsageLog) error
}

// Entry is everything known about a request at settlement time.
type Entry struct {
	RequestID string
	Key       *types.Key
	User      *types.User
	// Provider is nil when the request was blocked before selection.
	Provider *types.Provider
	Protocol types.TargetProtocol
	Endpoint string

	// Model is the model dispatched upstream, OriginalModel the client's
	// model when a redirect applied.
	Model         string
	OriginalModel string

	Status int
	Merged *types.MergedResponse
	// Billable is false for count_tokens and other zero-cost operations.
	Billable bool

	DurationMs int64
	TTFBMs     int64
	Chain      types.ProviderChain

	BlockedBy     string
	BlockedReason string
	ErrorMessage  string
}

// Recorder settles entries.
type Recorder struct {
	store   LogStore
	calc    *pricing.Calculator
	limiter *ratelimit.Limiter
	archive *Archiver
	log     *observability.Logger
	// timeout bounds settlement when the request context is already gone
	// (client abort).
	timeout time.Duration
}

// NewRecorder creates a recorder. archive may be nil.
func NewRecorder(store LogStore, calc *pricing.Calculator, limiter *ratelimit.Limiter,
	archive *Archiver, log *observability.Logger, timeout time.Duration) *Recorder {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Recorder{
		store:   store,
		calc:    calc,
		limiter: limiter,
		archive: archive,
		log:     log,
		timeout: timeout,
	}
}

// Record settles one entry. It detaches from the request context's
// cancellation so a client abort cannot lose accounting, but stays bounded
// by the recorder timeout.
func (r *Recorder) Record(ctx context.Context, e *Entry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if e.RequestID == "" {
		e.RequestID = uuid.NewString()
	}

	row := &types.UsageLog{
		ID:            e.RequestID,
		Model:         e.Model,
		OriginalModel: e.OriginalModel,
		Endpoint:      e.Endpoint,
		Status:        e.Status,
		Billable:      e.Billable,
		DurationMs:    e.DurationMs,
		TTFBMs:        e.TTFBMs,
		Chain:         e.Chain,
		BlockedBy:     e.BlockedBy,
		BlockedReason: e.BlockedReason,
		ErrorMessage:  e.ErrorMessage,
	}
	if e.Key != nil {
		row.KeyID = e.Key.ID
	}
	if e.User != nil {
		row.UserID = e.User.ID
	}
	if e.Provider != nil {
		row.ProviderID = e.Provider.ID
	}
	if e.Merged != nil && e.Merged.Usage != nil {
		row.Usage = *e.Merged.Usage
	}

	if cost := r.settleCost(ctx, e, row); cost > 0 {
		metrics.SpendUSD.WithLabelValues(row.ProviderID, row.Model).Add(cost)
	}
	if u := row.Usage; u.TotalTokens() > 0 {
		metrics.TokensProcessed.WithLabelValues(row.ProviderID, row.Model, "input").
			Add(float64(u.InputTokens + u.CacheRead + u.CacheCreation5m + u.CacheCreation1h))
		metrics.TokensProcessed.WithLabelValues(row.ProviderID, row.Model, "output").
			Add(float64(u.OutputTokens))
	}

	if err := r.store.InsertUsageLog(ctx, row); err != nil {
		r.log.RedactedError("persist usage log failed", "request_id", e.RequestID, "error", err)
	}
	if r.archive != nil {
		r.archive.Offer(row)
	}
}

// settleCost prices the entry and commits the spend to every window of the
// key, user, and provider. Returns the committed cost.
func (r *Recorder) settleCost(ctx context.Context, e *Entry, row *types.UsageLog) float64 {
	if !e.Billable || e.Provider == nil || e.Merged == nil || e.Merged.Usage == nil {
		return 0
	}

	res := r.calc.Cost(e.Model, e.Merged.Usage, e.Provider.CostMultiplier, e.Provider.CacheTTL)
	row.CostUSD = res.CostUSD
	row.CacheTTLApplied = res.CacheTTLApplied
	row.Context1M = res.Context1M
	if res.CostUSD <= 0 {
		return 0
	}

	checks := make([]ratelimit.Check, 0, 3)
	if e.Key != nil {
		checks = append(checks, ratelimit.Check{
			Subject: ratelimit.Subject{Kind: ratelimit.SubjectKey, ID: e.Key.ID},
			Limits:  e.Key.Limits,
		})
	}
	if e.User != nil {
		checks = append(checks, ratelimit.Check{
			Subject: ratelimit.Subject{Kind: ratelimit.SubjectUser, ID: e.User.ID},
			Limits:  e.User.Limits,
		})
	}
	checks = append(checks, ratelimit.Check{
		Subject: ratelimit.Subject{Kind: ratelimit.SubjectProvider, ID: e.Provider.ID},
		Limits:  e.Provider.Limits,
	})

	if err := r.limiter.Commit(ctx, checks, res.CostUSD); err != nil {
		r.log.RedactedError("commit spend failed", "request_id", e.RequestID, "error", err)
	}
	return res.CostUSD
}
