// Package guard tracks failed authentication attempts per identifier and
// escalates to a temporary block once a threshold is crossed.
//
// # Window semantics
//
// Rolling window: a failure more than Window after the previous one restarts
// the counter at 1; otherwise it increments. The counter, its last-attempt
// timestamp, and the blocked flag live in one Redis hash mutated by a single
// Lua script, so concurrent failures for the same identifier never lose
// updates. Key prefix: afa:.
//
// # Authority
//
// Redis is authoritative. The in-process cache only short-circuits lookups
// for identifiers already known to be blocked; it is never consulted to prove
// an identifier is clean. When Redis is unreachable every operation returns
// ErrUnavailable and callers must fail closed.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable indicates the guard backend is unreachable.
var ErrUnavailable = errors.New("guard backend unavailable")

// Config holds guard thresholds.
type Config struct {
	Threshold    int
	Window       time.Duration
	DisableCache bool
}

// Guard is a Redis-backed failed-attempt tracker.
type Guard struct {
	redis  redis.UniversalClient
	config Config

	mu      sync.RWMutex
	blocked map[string]time.Time // identifier -> block expiry
}

const recordFailureScript = `
local last = tonumber(redis.call("HGET", KEYS[1], "t") or "0")
local count = tonumber(redis.call("HGET", KEYS[1], "c") or "0")
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local threshold = tonumber(ARGV[3])

if last == 0 or (now - last) > window then
  count = 1
else
  count = count + 1
end

local blocked = 0
if count >= threshold then
  blocked = 1
end

redis.call("HSET", KEYS[1], "c", count, "t", now, "b", blocked)
redis.call("PEXPIRE", KEYS[1], window * 1000)

return {count, blocked}
`

var recordFailureLua = redis.NewScript(recordFailureScript)

// New creates a [Guard] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Guard {
	return &Guard{
		redis:   redisClient,
		config:  cfg,
		blocked: make(map[string]time.Time),
	}
}

func (g *Guard) key(identifier string) string {
	return "afa:" + identifier
}

// RecordFailure registers a failed attempt for the identifier and reports
// whether the identifier is now blocked.
func (g *Guard) RecordFailure(ctx context.Context, identifier string) (bool, error) {
	if identifier == "" {
		return false, nil
	}

	res, err := recordFailureLua.Run(ctx, g.redis, []string{g.key(identifier)},
		time.Now().Unix(),
		int64(g.config.Window/time.Second),
		g.config.Threshold,
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(res) != 2 {
		return false, fmt.Errorf("%w: unexpected script reply", ErrUnavailable)
	}

	nowBlocked := res[1] == 1
	if nowBlocked {
		g.cacheBlock(identifier, time.Now().Add(g.config.Window))
	}
	return nowBlocked, nil
}

// IsBlocked reports whether the identifier is currently blocked. The cache is
// consulted first; a miss always goes to Redis.
func (g *Guard) IsBlocked(ctx context.Context, identifier string) (bool, error) {
	if identifier == "" {
		return false, nil
	}

	if g.cachedBlock(identifier) {
		return true, nil
	}

	val, err := g.redis.HGet(ctx, g.key(identifier), "b").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	blocked, _ := strconv.ParseBool(val)
	if !blocked {
		blocked = val == "1"
	}
	if blocked {
		until := time.Now().Add(g.config.Window)
		if ttl, ttlErr := g.redis.PTTL(ctx, g.key(identifier)).Result(); ttlErr == nil && ttl > 0 {
			until = time.Now().Add(ttl)
		}
		g.cacheBlock(identifier, until)
	}
	return blocked, nil
}

// BlockedFor returns how long the identifier remains blocked, for Retry-After
// hints. Zero when not blocked.
func (g *Guard) BlockedFor(ctx context.Context, identifier string) (time.Duration, error) {
	blocked, err := g.IsBlocked(ctx, identifier)
	if err != nil || !blocked {
		return 0, err
	}

	ttl, err := g.redis.PTTL(ctx, g.key(identifier)).Result()
	if err != nil {
		return g.config.Window, nil
	}
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

// Clear removes the failure record for an identifier. Called after any
// successful authenticated login so a legitimate user gets immediate relief.
func (g *Guard) Clear(ctx context.Context, identifier string) error {
	if identifier == "" {
		return nil
	}

	g.mu.Lock()
	delete(g.blocked, identifier)
	g.mu.Unlock()

	if err := g.redis.Del(ctx, g.key(identifier)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Count returns the current failure count for an identifier. Missing keys
// return zero.
func (g *Guard) Count(ctx context.Context, identifier string) (int, error) {
	val, err := g.redis.HGet(ctx, g.key(identifier), "c").Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return int(val), nil
}

func (g *Guard) cacheBlock(identifier string, until time.Time) {
	if g.config.DisableCache {
		return
	}
	g.mu.Lock()
	g.blocked[identifier] = until
	g.mu.Unlock()
}

func (g *Guard) cachedBlock(identifier string) bool {
	if g.config.DisableCache {
		return false
	}

	g.mu.RLock()
	until, ok := g.blocked[identifier]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	if time.Now().After(until) {
		g.mu.Lock()
		delete(g.blocked, identifier)
		g.mu.Unlock()
		return false
	}
	return true
}
