package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, "test", 30*time.Minute), mr
}

func TestTouchAndCount(t *testing.T) {
	tr, _ := testTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Touch(ctx, "s1", "k1", "p1"))
	require.NoError(t, tr.Touch(ctx, "s2", "k1", "p1"))
	require.NoError(t, tr.Touch(ctx, "s3", "k2", "p2"))

	byProvider, err := tr.CountByProvider(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), byProvider)

	byKey, err := tr.CountByKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), byKey)
}

func TestTouchIsIdempotent(t *testing.T) {
	tr, _ := testTracker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, tr.Touch(ctx, "s1", "k1", "p1"))
	}
	n, err := tr.CountByProvider(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCloseRemovesSession(t *testing.T) {
	tr, _ := testTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Touch(ctx, "s1", "k1", "p1"))
	require.NoError(t, tr.Close(ctx, "s1", "k1", "p1"))

	n, err := tr.CountByProvider(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, n)

	pinned, err := tr.PinnedProvider(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, pinned)
}

func TestLazyExpiry(t *testing.T) {
	tr, _ := testTracker(t)
	ctx := context.Background()

	base := time.Now()
	tr.now = func() time.Time { return base }
	require.NoError(t, tr.Touch(ctx, "s1", "k1", "p1"))

	tr.now = func() time.Time { return base.Add(31 * time.Minute) }
	n, err := tr.CountByProvider(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPinnedProvider(t *testing.T) {
	tr, _ := testTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Touch(ctx, "s1", "k1", "p1"))

	pinned, err := tr.PinnedProvider(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "p1", pinned)

	pinned, err = tr.PinnedProvider(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, pinned)
}

func TestEmptySessionIDIsNoop(t *testing.T) {
	tr, _ := testTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Touch(ctx, "", "k1", "p1"))
	n, err := tr.CountByProvider(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, n)
}
