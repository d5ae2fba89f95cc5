package ratelimit

import (
	"context"
	"time"
)

const (
	DefaultWindow = time.Hour
	DefaultMax    = 100

	// KeyPrefix namespaces limiter keys so they never collide with unrelated state.
	KeyPrefix = "ratelimit:"
)

// Policy is a fixed-window quota: at most Max requests per key per Window.
type Policy struct {
	Window time.Duration
	Max    int
}

// DefaultPolicy returns the one hour / 100 requests policy.
func DefaultPolicy() Policy {
	return Policy{Window: DefaultWindow, Max: DefaultMax}
}

type Decision struct {
	Allowed   bool
	Limit     int       // configured Max
	Remaining int       // requests left in the window (min 0)
	ResetTime time.Time // when the current window expires
}

// ResetUnixMilli is the reset time as milliseconds since the epoch.
func (d Decision) ResetUnixMilli() int64 { return d.ResetTime.UnixMilli() }

type Limiter interface {
	Allow(ctx context.Context, key string, p Policy, now time.Time) (Decision, error)
	Close() error
}

// Key builds the lookup key for a client address.
func Key(addr string) string { return KeyPrefix + addr }

// Evaluate applies one request to a window described by count and reset,
// both as observed before this request. A zero reset means no window exists.
// It returns the new count and reset along with the decision.
func Evaluate(count int, reset time.Time, p Policy, now time.Time) (int, time.Time, Decision) {
	if reset.IsZero() || now.After(reset) {
		count = 1
		reset = now.Add(p.Window)
	} else {
		count++
	}
	return count, reset, NewDecision(count, reset, p)
}

// NewDecision reports the outcome for a window that has seen count requests,
// including the one being decided.
func NewDecision(count int, reset time.Time, p Policy) Decision {
	dec := Decision{
		Allowed:   count <= p.Max,
		Limit:     p.Max,
		ResetTime: reset,
	}
	if dec.Allowed {
		dec.Remaining = p.Max - count
	}
	return dec
}
