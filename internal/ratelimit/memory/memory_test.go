package memory

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/CVO-TreeAi/treeshopterminalv2-sub001/internal/ratelimit"
)

var (
	t0     = time.UnixMilli(1_700_000_000_000)
	policy = ratelimit.Policy{Window: time.Hour, Max: 2}
)

func allow(t *testing.T, l *Limiter, key string, now time.Time) ratelimit.Decision {
	t.Helper()
	dec, err := l.Allow(context.Background(), key, policy, now)
	require.NoError(t, err)
	return dec
}

func TestAllowThenDeny(t *testing.T) {
	l := New()

	d1 := allow(t, l, "A", t0)
	assert.True(t, d1.Allowed)
	assert.Equal(t, 1, d1.Remaining)
	assert.Equal(t, 2, d1.Limit)
	assert.Equal(t, t0.Add(time.Hour), d1.ResetTime)

	d2 := allow(t, l, "A", t0.Add(time.Second))
	assert.True(t, d2.Allowed)
	assert.Equal(t, 0, d2.Remaining)
	assert.Equal(t, d1.ResetTime, d2.ResetTime)

	d3 := allow(t, l, "A", t0.Add(2*time.Second))
	assert.False(t, d3.Allowed)
	assert.Equal(t, 0, d3.Remaining)
}

func TestEnforcementOverManyRequests(t *testing.T) {
	l := New()
	p := ratelimit.Policy{Window: time.Minute, Max: 10}

	allowed := 0
	for i := 0; i < 25; i++ {
		dec, err := l.Allow(context.Background(), "k", p, t0.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
		if i < p.Max {
			assert.True(t, dec.Allowed, "request %d", i+1)
			assert.Equal(t, p.Max-(i+1), dec.Remaining, "request %d", i+1)
			allowed++
		} else {
			assert.False(t, dec.Allowed, "request %d", i+1)
		}
	}
	assert.Equal(t, p.Max, allowed)
}

func TestWindowReset(t *testing.T) {
	l := New()
	allow(t, l, "A", t0)
	allow(t, l, "A", t0)
	require.False(t, allow(t, l, "A", t0).Allowed)

	// still inside the window at exactly resetTime
	assert.False(t, allow(t, l, "A", t0.Add(time.Hour)).Allowed)

	now := t0.Add(time.Hour + time.Millisecond)
	dec := allow(t, l, "A", now)
	assert.True(t, dec.Allowed)
	assert.Equal(t, 1, dec.Remaining)
	assert.Equal(t, now.Add(time.Hour), dec.ResetTime)
}

func TestKeysAreIsolated(t *testing.T) {
	l := New()
	allow(t, l, "A", t0)
	allow(t, l, "A", t0)
	require.False(t, allow(t, l, "A", t0).Allowed)

	dec := allow(t, l, "B", t0)
	assert.True(t, dec.Allowed)
	assert.Equal(t, 1, dec.Remaining)
	assert.Equal(t, 2, l.Len())
}

func TestConcurrentSameKeyNeverOverAdmits(t *testing.T) {
	l := New()
	p := ratelimit.Policy{Window: time.Hour, Max: 100}

	var admitted atomic.Int64
	var g errgroup.Group
	for i := 0; i < 1000; i++ {
		g.Go(func() error {
			dec, err := l.Allow(context.Background(), "shared", p, t0)
			if err != nil {
				return err
			}
			if dec.Allowed {
				admitted.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(100), admitted.Load())
}

func TestConcurrentDistinctKeys(t *testing.T) {
	l := New()
	var g errgroup.Group
	for i := 0; i < 50; i++ {
		key := "client-" + strconv.Itoa(i)
		g.Go(func() error {
			for j := 0; j < 2; j++ {
				dec, err := l.Allow(context.Background(), key, policy, t0)
				if err != nil {
					return err
				}
				if !dec.Allowed {
					t.Errorf("%s request %d denied", key, j+1)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 50, l.Len())
}

func TestSweep(t *testing.T) {
	l := New(WithGrace(time.Minute))
	allow(t, l, "old", t0)
	allow(t, l, "fresh", t0.Add(30*time.Minute))

	// old resets at t0+1h, cutoff is now-1m
	assert.Equal(t, 0, l.Sweep(t0.Add(time.Hour+30*time.Second)))
	assert.Equal(t, 2, l.Len())

	assert.Equal(t, 1, l.Sweep(t0.Add(time.Hour+2*time.Minute)))
	assert.Equal(t, 1, l.Len())

	dec := allow(t, l, "old", t0.Add(time.Hour+3*time.Minute))
	assert.True(t, dec.Allowed)
	assert.Equal(t, 1, dec.Remaining)
}

func TestSweepDoesNotChangeActiveKeys(t *testing.T) {
	l := New(WithGrace(0))
	allow(t, l, "A", t0)
	allow(t, l, "A", t0)

	assert.Equal(t, 0, l.Sweep(t0.Add(time.Minute)))
	assert.False(t, allow(t, l, "A", t0.Add(2*time.Minute)).Allowed)
}

func TestAllowRetriesOnSweptRecord(t *testing.T) {
	l := New()
	rec := &record{count: 5, resetTime: t0, dead: true}
	l.records.Store("A", rec)

	done := make(chan ratelimit.Decision)
	go func() {
		dec, _ := l.Allow(context.Background(), "A", policy, t0)
		done <- dec
	}()

	// what Sweep does after tombstoning
	time.Sleep(5 * time.Millisecond)
	l.records.CompareAndDelete("A", rec)

	select {
	case dec := <-done:
		assert.True(t, dec.Allowed)
		assert.Equal(t, 1, dec.Remaining)
	case <-time.After(time.Second):
		t.Fatal("Allow never left the dead record")
	}
}

func TestStartJanitor(t *testing.T) {
	now := t0.Add(3 * time.Hour)
	l := New(WithClock(func() time.Time { return now }))
	allow(t, l, "A", t0)

	ctx, cancel := context.WithCancel(context.Background())
	swept := make(chan int, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.StartJanitor(ctx, time.Millisecond, func(removed, remaining int) {
			if removed > 0 {
				select {
				case swept <- remaining:
				default:
				}
			}
		})
	}()

	select {
	case remaining := <-swept:
		assert.Equal(t, 0, remaining)
	case <-time.After(time.Second):
		t.Fatal("janitor did not sweep")
	}
	cancel()
	<-done
}

func TestStartJanitorDisabled(t *testing.T) {
	l := New()
	// returns immediately instead of blocking
	l.StartJanitor(context.Background(), 0, nil)
	assert.NoError(t, l.Close())
}
