package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmgate/internal/observability"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

type fakeSource struct {
	loads     atomic.Int64
	providers []*types.Provider
	err       error
}

func (f *fakeSource) ListProviders(context.Context) ([]*types.Provider, error) {
	f.loads.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.providers, nil
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LoggerConfig{
		Level:  slog.LevelError,
		Output: io.Discard,
	}, nil)
}

func TestAllFiltersDisabled(t *testing.T) {
	src := &fakeSource{providers: []*types.Provider{
		{ID: "a", Enabled: true},
		{ID: "b", Enabled: false},
	}}
	r := New(src, time.Minute, testLogger())

	got, err := r.All(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	all, err := r.AllIncludingDisabled(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSnapshotServedWithinTTL(t *testing.T) {
	src := &fakeSource{providers: []*types.Provider{{ID: "a", Enabled: true}}}
	r := New(src, time.Minute, testLogger())

	base := time.Now()
	r.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		_, err := r.All(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), src.loads.Load())

	r.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err := r.All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), src.loads.Load())
}

func TestInvalidateForcesReload(t *testing.T) {
	src := &fakeSource{providers: []*types.Provider{{ID: "a", Enabled: true}}}
	r := New(src, time.Hour, testLogger())

	_, err := r.All(context.Background())
	require.NoError(t, err)
	r.Invalidate()
	_, err = r.All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), src.loads.Load())
}

func TestStaleSnapshotServedOnLoadFailure(t *testing.T) {
	src := &fakeSource{providers: []*types.Provider{{ID: "a", Enabled: true}}}
	r := New(src, time.Hour, testLogger())

	_, err := r.All(context.Background())
	require.NoError(t, err)

	src.err = errors.New("db down")
	r.Invalidate()
	got, err := r.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestByID(t *testing.T) {
	src := &fakeSource{providers: []*types.Provider{{ID: "a", Enabled: true}}}
	r := New(src, time.Hour, testLogger())

	p, err := r.ByID(context.Background(), "a")
	require.NoError(t, err)
	require.NotNil(t, p)

	p, err = r.ByID(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestInvalidationPubSub(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	src := &fakeSource{providers: []*types.Provider{{ID: "a", Enabled: true}}}
	r := New(src, time.Hour, testLogger())
	require.NoError(t, r.Refresh(context.Background()))

	inv := NewInvalidator(rdb, "providerCacheInvalidation", r, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go inv.Run(ctx)

	// Give the subscription a moment to establish before publishing.
	require.Eventually(t, func() bool {
		require.NoError(t, inv.Publish(context.Background(), "a"))
		return src.loads.Load() >= 2
	}, 2*time.Second, 50*time.Millisecond)
}
