package dedup_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadmark-worker/internal/dedup"
)

func TestFilter_RedisDown(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	f := dedup.NewFilter(rdb, 0, "")
	_, err := f.IsNew(context.Background(), "7:pm-1")
	assert.Error(t, err)
	assert.Error(t, f.Forget(context.Background(), "7:pm-1"))
}

func TestFilter_IsNewAndForget(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	f := dedup.NewFilter(rdb, time.Minute, "test:seen:")

	ok, err := f.IsNew(ctx, "7:pm-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.IsNew(ctx, "7:pm-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, mr.TTL("test:seen:7:pm-1"))

	require.NoError(t, f.Forget(ctx, "7:pm-1"))
	ok, err = f.IsNew(ctx, "7:pm-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFilter_ForgetsAfterTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	f := dedup.NewFilter(rdb, time.Hour, "")

	ok, err := f.IsNew(ctx, "7:pm-1")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Hour)
	ok, err = f.IsNew(ctx, "7:pm-1")
	require.NoError(t, err)
	assert.True(t, ok, "redelivery after the window is processed again")
}
