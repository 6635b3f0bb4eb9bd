package breaker

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
	"github.com/blueberrycongee/llmgate/pkg/types"
)

func testBreaker(t *testing.T) (*Breaker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	log := observability.NewLogger(observability.LoggerConfig{
		Level:  slog.LevelError,
		Output: io.Discard,
	}, nil)
	return New(rdb, "test", log), mr
}

func testProvider() *types.Provider {
	return &types.Provider{
		ID: "p1",
		Breaker: types.BreakerConfig{
			FailureThreshold:         3,
			OpenDuration:             time.Minute,
			HalfOpenSuccessThreshold: 1,
			FailureWindow:            5 * time.Minute,
		},
	}
}

func TestClosedAllows(t *testing.T) {
	b, _ := testBreaker(t)
	v, err := b.Allow(context.Background(), testProvider())
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.False(t, v.Probe)
	assert.Equal(t, StateClosed, v.State)
}

func TestOpensAtFailureThreshold(t *testing.T) {
	b, _ := testBreaker(t)
	ctx := context.Background()
	p := testProvider()

	for i := 0; i < 2; i++ {
		require.NoError(t, b.RecordFailure(ctx, p))
		v, err := b.Allow(ctx, p)
		require.NoError(t, err)
		assert.True(t, v.Allowed, "failure %d should not open", i+1)
	}

	require.NoError(t, b.RecordFailure(ctx, p))
	v, err := b.Allow(ctx, p)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, StateOpen, v.State)
}

func TestHalfOpenSingleProbe(t *testing.T) {
	b, _ := testBreaker(t)
	ctx := context.Background()
	p := testProvider()

	base := time.Now()
	b.now = func() time.Time { return base }
	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, p))
	}

	b.now = func() time.Time { return base.Add(2 * time.Minute) }
	v, err := b.Allow(ctx, p)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.True(t, v.Probe)
	assert.Equal(t, StateHalfOpen, v.State)

	// The probe slot is taken: concurrent requests are denied.
	v2, err := b.Allow(ctx, p)
	require.NoError(t, err)
	assert.False(t, v2.Allowed)
}

func TestProbeSuccessCloses(t *testing.T) {
	b, _ := testBreaker(t)
	ctx := context.Background()
	p := testProvider()

	base := time.Now()
	b.now = func() time.Time { return base }
	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, p))
	}
	b.now = func() time.Time { return base.Add(2 * time.Minute) }

	v, err := b.Allow(ctx, p)
	require.NoError(t, err)
	require.True(t, v.Probe)
	require.NoError(t, b.RecordSuccess(ctx, p))

	v, err = b.Allow(ctx, p)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.False(t, v.Probe)
	assert.Equal(t, StateClosed, v.State)
}

func TestProbeFailureReopens(t *testing.T) {
	b, _ := testBreaker(t)
	ctx := context.Background()
	p := testProvider()

	base := time.Now()
	b.now = func() time.Time { return base }
	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, p))
	}
	b.now = func() time.Time { return base.Add(2 * time.Minute) }

	v, err := b.Allow(ctx, p)
	require.NoError(t, err)
	require.True(t, v.Probe)
	require.NoError(t, b.RecordFailure(ctx, p))

	v, err = b.Allow(ctx, p)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, StateOpen, v.State)
}

func TestFailureWindowDecay(t *testing.T) {
	b, _ := testBreaker(t)
	ctx := context.Background()
	p := testProvider()

	base := time.Now()
	b.now = func() time.Time { return base }
	require.NoError(t, b.RecordFailure(ctx, p))
	require.NoError(t, b.RecordFailure(ctx, p))

	// The window expires; the next failure starts a fresh count.
	b.now = func() time.Time { return base.Add(10 * time.Minute) }
	require.NoError(t, b.RecordFailure(ctx, p))

	v, err := b.Allow(ctx, p)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestSuccessClearsFailures(t *testing.T) {
	b, _ := testBreaker(t)
	ctx := context.Background()
	p := testProvider()

	require.NoError(t, b.RecordFailure(ctx, p))
	require.NoError(t, b.RecordFailure(ctx, p))
	require.NoError(t, b.RecordSuccess(ctx, p))
	require.NoError(t, b.RecordFailure(ctx, p))
	require.NoError(t, b.RecordFailure(ctx, p))

	v, err := b.Allow(ctx, p)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestResetCloses(t *testing.T) {
	b, _ := testBreaker(t)
	ctx := context.Background()
	p := testProvider()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, p))
	}
	require.NoError(t, b.Reset(ctx, p.ID))

	v, err := b.Allow(ctx, p)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestFailsOpenWhenRedisDown(t *testing.T) {
	b, mr := testBreaker(t)
	mr.Close()

	v, err := b.Allow(context.Background(), testProvider())
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestReleaseFreesHalfOpenSlot(t *testing.T) {
	b, _ := testBreaker(t)
	ctx := context.Background()
	p := testProvider()

	base := time.Now()
	b.now = func() time.Time { return base }
	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, p))
	}
	b.now = func() time.Time { return base.Add(2 * time.Minute) }

	v, err := b.Allow(ctx, p)
	require.NoError(t, err)
	require.True(t, v.Probe)

	// The trial ended without a health verdict: releasing keeps the
	// circuit half-open and hands the slot to the next caller.
	require.NoError(t, b.Release(ctx, p))

	v, err = b.Allow(ctx, p)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.True(t, v.Probe)
	assert.Equal(t, StateHalfOpen, v.State)
}

func TestAbandonedHalfOpenClaimExpires(t *testing.T) {
	b, _ := testBreaker(t)
	ctx := context.Background()
	p := testProvider()

	base := time.Now()
	b.now = func() time.Time { return base }
	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, p))
	}

	// A replica takes the trial slot and then dies without reporting.
	b.now = func() time.Time { return base.Add(2 * time.Minute) }
	v, err := b.Allow(ctx, p)
	require.NoError(t, err)
	require.True(t, v.Probe)

	// Long after the claim went stale the slot must be reclaimable, not
	// wedged until a manual reset.
	b.now = func() time.Time { return base.Add(10 * time.Hour) }
	v, err = b.Allow(ctx, p)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.True(t, v.Probe)
}

func TestHealthSnapshot(t *testing.T) {
	b, _ := testBreaker(t)
	ctx := context.Background()
	p := testProvider()

	base := time.Now()
	b.now = func() time.Time { return base }
	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordFailure(ctx, p))
	}

	hs, err := b.HealthSnapshot(ctx, []*types.Provider{p, {ID: "p2"}})
	require.NoError(t, err)
	require.Len(t, hs, 2)

	open := hs[0]
	assert.Equal(t, StateOpen, open.State)
	assert.Equal(t, base.UnixMilli(), open.LastFailureAt.UnixMilli())
	assert.Equal(t, base.UnixMilli(), open.OpenedAt.UnixMilli())
	assert.Equal(t, base.Add(time.Minute).UnixMilli(), open.OpenUntil.UnixMilli())
	assert.Equal(t, 1, open.RecoveryMinutes)

	assert.Equal(t, StateClosed, hs[1].State)
	assert.True(t, hs[1].OpenUntil.IsZero())
	assert.Zero(t, hs[1].RecoveryMinutes)
}
