package usage

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmgate/internal/observability"
	"github.com/blueberrycongee/llmgate/internal/pricing"
	"github.com/blueberrycongee/llmgate/internal/ratelimit"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

type memStore struct {
	rows []*types.UsageLog
}

func (m *memStore) InsertUsageLog(_ context.Context, row *types.UsageLog) error {
	m.rows = append(m.rows, row)
	return nil
}

func testRecorder(t *testing.T) (*Recorder, *memStore, *ratelimit.Limiter) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	limiter := ratelimit.NewLimiter(rdb, "test")
	table := pricing.NewStaticTable([]types.ModelPrice{{
		Model:  "claude-sonnet-4",
		Input:  3.0,
		Output: 15.0,
	}})
	calc := pricing.NewCalculator(table, types.CacheTTL5m)
	store := &memStore{}
	log := observability.NewLogger(observability.LoggerConfig{
		Level:  slog.LevelError,
		Output: io.Discard,
	}, nil)
	return NewRecorder(store, calc, limiter, nil, log, 2*time.Second), store, limiter
}

func entryFixture() *Entry {
	return &Entry{
		RequestID: "req-1",
		Key:       &types.Key{ID: "k1", UserID: "u1"},
		User:      &types.User{ID: "u1"},
		Provider:  &types.Provider{ID: "p1", CostMultiplier: 1},
		Protocol:  types.TargetAnthropic,
		Endpoint:  "/v1/messages",
		Model:     "claude-sonnet-4",
		Status:    200,
		Billable:  true,
		Merged: &types.MergedResponse{
			Protocol: types.TargetAnthropic,
			Usage:    &types.Usage{InputTokens: 1_000_000, OutputTokens: 100_000},
		},
	}
}

func TestRecordSettlesCostAndCommits(t *testing.T) {
	rec, store, limiter := testRecorder(t)
	rec.Record(context.Background(), entryFixture())

	require.Len(t, store.rows, 1)
	row := store.rows[0]
	// 1M input at $3/M + 100k output at $15/M.
	assert.InDelta(t, 4.5, row.CostUSD, 1e-9)
	assert.True(t, row.Billable)
	assert.Equal(t, "p1", row.ProviderID)

	for _, sub := range []ratelimit.Subject{
		{Kind: ratelimit.SubjectKey, ID: "k1"},
		{Kind: ratelimit.SubjectUser, ID: "u1"},
		{Kind: ratelimit.SubjectProvider, ID: "p1"},
	} {
		u, err := limiter.Usage(context.Background(), sub, types.USDLimits{})
		require.NoError(t, err)
		assert.InDelta(t, 4.5, u.CostTotal, 1e-9, "subject %s", sub)
	}
}

func TestRecordCostMultiplier(t *testing.T) {
	rec, store, _ := testRecorder(t)
	e := entryFixture()
	e.Provider.CostMultiplier = 0.5
	rec.Record(context.Background(), e)

	require.Len(t, store.rows, 1)
	assert.InDelta(t, 2.25, store.rows[0].CostUSD, 1e-9)
}

func TestRecordNonBillable(t *testing.T) {
	rec, store, limiter := testRecorder(t)
	e := entryFixture()
	e.Billable = false
	e.Endpoint = "/v1/messages/count_tokens"
	rec.Record(context.Background(), e)

	require.Len(t, store.rows, 1)
	assert.Zero(t, store.rows[0].CostUSD)
	assert.False(t, store.rows[0].Billable)

	u, err := limiter.Usage(context.Background(),
		ratelimit.Subject{Kind: ratelimit.SubjectKey, ID: "k1"}, types.USDLimits{})
	require.NoError(t, err)
	assert.Zero(t, u.CostTotal)
}

func TestRecordBlockedRequest(t *testing.T) {
	rec, store, _ := testRecorder(t)
	rec.Record(context.Background(), &Entry{
		RequestID:     "req-2",
		Key:           &types.Key{ID: "k1"},
		User:          &types.User{ID: "u1"},
		Protocol:      types.TargetAnthropic,
		Endpoint:      "/v1/messages",
		Status:        429,
		BlockedBy:     "rate_limit",
		BlockedReason: "usd_daily",
	})

	require.Len(t, store.rows, 1)
	row := store.rows[0]
	assert.Equal(t, "rate_limit", row.BlockedBy)
	assert.Equal(t, "usd_daily", row.BlockedReason)
	assert.Empty(t, row.ProviderID)
	assert.Zero(t, row.CostUSD)
}

func TestRecordSurvivesCanceledRequestContext(t *testing.T) {
	rec, store, _ := testRecorder(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec.Record(ctx, entryFixture())
	require.Len(t, store.rows, 1)
	assert.InDelta(t, 4.5, store.rows[0].CostUSD, 1e-9)
}

func TestRecordAssignsRequestID(t *testing.T) {
	rec, store, _ := testRecorder(t)
	e := entryFixture()
	e.RequestID = ""
	rec.Record(context.Background(), e)

	require.Len(t, store.rows, 1)
	assert.NotEmpty(t, store.rows[0].ID)
}
