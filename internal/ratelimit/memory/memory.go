package memory

import (
	"context"
	"sync"
	"time"

	"github.com/CVO-TreeAi/treeshopterminalv2-sub001/internal/ratelimit"
)

// DefaultGrace is how long past its reset time an idle record is kept.
const DefaultGrace = time.Minute

type record struct {
	mu        sync.Mutex
	count     int
	resetTime time.Time
	dead      bool // set by Sweep once the record left the table
}

// Limiter is a process-local fixed-window quota table.
type Limiter struct {
	now     func() time.Time
	grace   time.Duration
	records sync.Map // key -> *record
}

type Option func(*Limiter)

// WithClock replaces time.Now for the janitor.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithGrace sets how long expired records survive before Sweep removes them.
func WithGrace(d time.Duration) Option {
	return func(l *Limiter) { l.grace = d }
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		now:   time.Now,
		grace: DefaultGrace,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Close() error { return nil }

func (l *Limiter) Allow(_ context.Context, key string, p ratelimit.Policy, now time.Time) (ratelimit.Decision, error) {
	for {
		v, _ := l.records.LoadOrStore(key, &record{})
		rec := v.(*record)

		rec.mu.Lock()
		if rec.dead {
			// lost a race with Sweep, the next LoadOrStore sees a fresh record
			rec.mu.Unlock()
			continue
		}
		var dec ratelimit.Decision
		rec.count, rec.resetTime, dec = ratelimit.Evaluate(rec.count, rec.resetTime, p, now)
		rec.mu.Unlock()
		return dec, nil
	}
}

// Sweep drops records whose window ended more than the grace period before now.
// It returns the number of records removed.
func (l *Limiter) Sweep(now time.Time) int {
	cutoff := now.Add(-l.grace)
	removed := 0
	l.records.Range(func(k, v any) bool {
		rec := v.(*record)
		rec.mu.Lock()
		if !rec.resetTime.IsZero() && rec.resetTime.Before(cutoff) {
			rec.dead = true
			l.records.CompareAndDelete(k, rec)
			removed++
		}
		rec.mu.Unlock()
		return true
	})
	return removed
}

// StartJanitor sweeps every interval until ctx is done. It blocks.
func (l *Limiter) StartJanitor(ctx context.Context, every time.Duration, onSweep func(removed, remaining int)) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			removed := l.Sweep(l.now())
			if onSweep != nil {
				onSweep(removed, l.Len())
			}
		}
	}
}

// Len is the number of tracked keys.
func (l *Limiter) Len() int {
	n := 0
	l.records.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
