package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/CVO-TreeAi/treeshopterminalv2-sub001/internal/ratelimit"
)

var policy = ratelimit.Policy{Window: time.Hour, Max: 2}

func newStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

// expiry is set in absolute server time, so stay close to the wall clock
func wallNow() time.Time { return time.UnixMilli(time.Now().UnixMilli()) }

func TestStore_AllowThenDeny(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	t0 := wallNow()

	d1, err := s.Allow(ctx, "ratelimit:A", policy, t0)
	require.NoError(t, err)
	assert.True(t, d1.Allowed)
	assert.Equal(t, 1, d1.Remaining)
	assert.Equal(t, 2, d1.Limit)
	assert.Equal(t, t0.Add(time.Hour).UnixMilli(), d1.ResetUnixMilli())

	d2, err := s.Allow(ctx, "ratelimit:A", policy, t0.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, d2.Allowed)
	assert.Equal(t, 0, d2.Remaining)
	assert.Equal(t, d1.ResetUnixMilli(), d2.ResetUnixMilli())

	d3, err := s.Allow(ctx, "ratelimit:A", policy, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, d3.Allowed)
	assert.Equal(t, 0, d3.Remaining)
}

func TestStore_WindowReset(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	t0 := wallNow()

	for i := 0; i < 3; i++ {
		_, err := s.Allow(ctx, "k", policy, t0)
		require.NoError(t, err)
	}

	dec, err := s.Allow(ctx, "k", policy, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, dec.Allowed, "a request exactly at reset counts toward the old window")

	now := t0.Add(time.Hour + time.Millisecond)
	dec, err = s.Allow(ctx, "k", policy, now)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, 1, dec.Remaining)
	assert.Equal(t, now.Add(time.Hour).UnixMilli(), dec.ResetUnixMilli())
}

func TestStore_KeysIsolatedAndPrefixed(t *testing.T) {
	s, mr := newStore(t, WithPrefix("treeshop:"))
	ctx := context.Background()
	t0 := wallNow()

	for i := 0; i < 3; i++ {
		_, err := s.Allow(ctx, "ratelimit:A", policy, t0)
		require.NoError(t, err)
	}
	dec, err := s.Allow(ctx, "ratelimit:B", policy, t0)
	require.NoError(t, err)
	assert.True(t, dec.Allowed)
	assert.Equal(t, 1, dec.Remaining)

	assert.True(t, mr.Exists("treeshop:ratelimit:A"))
	assert.Equal(t, "3", mr.HGet("treeshop:ratelimit:A", "count"))
	assert.Equal(t, "1", mr.HGet("treeshop:ratelimit:B", "count"))

	ttl := mr.TTL("treeshop:ratelimit:A")
	assert.Greater(t, ttl, time.Hour, "record outlives its window")
	assert.LessOrEqual(t, ttl, 2*time.Hour)
}

func TestStore_ConcurrentSameKey(t *testing.T) {
	s, _ := newStore(t)
	p := ratelimit.Policy{Window: time.Hour, Max: 20}
	t0 := wallNow()

	results := make([]bool, 100)
	var g errgroup.Group
	for i := range results {
		i := i
		g.Go(func() error {
			dec, err := s.Allow(context.Background(), "shared", p, t0)
			results[i] = dec.Allowed
			return err
		})
	}
	require.NoError(t, g.Wait())

	admitted := 0
	for _, ok := range results {
		if ok {
			admitted++
		}
	}
	assert.Equal(t, 20, admitted)
}

func TestStore_ErrorWhenRedisDown(t *testing.T) {
	s, mr := newStore(t)
	mr.Close()

	_, err := s.Allow(context.Background(), "k", policy, wallNow())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redisstore")
	assert.Error(t, s.Ping(context.Background()))
}
