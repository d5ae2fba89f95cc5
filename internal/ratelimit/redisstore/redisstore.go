// Package redisstore keeps fixed-window quota records in Redis so several
// gateway processes can share them. The in-process table in ratelimit/memory
// remains the default.
package redisstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/CVO-TreeAi/treeshopterminalv2-sub001/internal/ratelimit"
)

// KEYS[1] = record key
// ARGV[1] = now (unix ms), ARGV[2] = window (ms)
//
// A record is a hash {count, reset}. It expires one window after its reset so
// a request landing exactly on reset still belongs to the old window.
var fixedWindow = redis.NewScript(`
local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
local reset = tonumber(redis.call('HGET', KEYS[1], 'reset') or '0')
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

if reset == 0 or now > reset then
  count = 1
  reset = now + window
  redis.call('HSET', KEYS[1], 'count', count, 'reset', reset)
  redis.call('PEXPIREAT', KEYS[1], reset + window)
else
  count = redis.call('HINCRBY', KEYS[1], 'count', 1)
end

return {count, reset}
`)

type Store struct {
	rdb    *redis.Client
	prefix string
}

type Option func(*Store)

// WithPrefix namespaces every record key, e.g. "treeshop" -> "treeshop:ratelimit:1.2.3.4".
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = strings.Trim(prefix, ":") }
}

// New wraps rdb. The store owns the client and closes it on Close.
func New(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{rdb: rdb}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.rdb.Close() }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Allow(ctx context.Context, key string, p ratelimit.Policy, now time.Time) (ratelimit.Decision, error) {
	res, err := fixedWindow.Run(ctx, s.rdb, []string{s.recordKey(key)}, now.UnixMilli(), p.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("redisstore: eval fixed window for %q: %w", key, err)
	}
	if len(res) != 2 {
		return ratelimit.Decision{}, fmt.Errorf("redisstore: unexpected script reply length %d", len(res))
	}
	return ratelimit.NewDecision(int(res[0]), time.UnixMilli(res[1]), p), nil
}

func (s *Store) recordKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}
