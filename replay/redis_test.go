package replay

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisCache(t *testing.T, retention time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client, "test:", retention), mr
}

func TestRedisCachePutIfAbsent(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestRedisCache(t, time.Minute)
	a := testAssertion("n-1", 1000)

	ok, err := c.PutIfAbsent(ctx, "fp", a)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.PutIfAbsent(ctx, "fp", a)
	require.NoError(t, err)
	assert.False(t, ok)

	has, err := c.Has(ctx, "fp")
	require.NoError(t, err)
	assert.True(t, has)

	stored, err := c.Get(ctx, "fp")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, a.Nonce, stored.Nonce)
	assert.Equal(t, 1, c.Len())
}

func TestRedisCacheExpiresAfterRetention(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedisCache(t, 10*time.Minute)

	_, err := c.PutIfAbsent(ctx, "fp", testAssertion("n", 1))
	require.NoError(t, err)

	mr.FastForward(9 * time.Minute)
	has, _ := c.Has(ctx, "fp")
	assert.True(t, has)

	mr.FastForward(2 * time.Minute)
	has, _ = c.Has(ctx, "fp")
	assert.False(t, has)

	missing, err := c.Get(ctx, "fp")
	require.NoError(t, err)
	assert.Nil(t, missing)

	evicted, err := c.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, evicted)
}

func TestRedisCacheConcurrentPutSingleWinner(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestRedisCache(t, time.Minute)
	a := testAssertion("race", 7)

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := c.PutIfAbsent(ctx, "fp", a); err == nil && ok {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners)
}

func TestRedisCacheUnavailable(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedisCache(t, time.Minute)
	mr.Close()

	_, err := c.Has(ctx, "fp")
	assert.Error(t, err)

	_, err = c.PutIfAbsent(ctx, "fp", testAssertion("n", 1))
	assert.Error(t, err)
}
