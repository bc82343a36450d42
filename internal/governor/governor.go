// Package governor bounds resource usage around the pipeline: outbound
// webhook call concurrency per subscription, and inbound API request volume
// per API key. Both sides run against the shared Redis counter store so any
// number of server and worker instances coordinate correctly.
//
// The governor only permits or denies an execution slot; it never retries
// anything itself.
package governor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slotLuaScript acquires one concurrency slot, atomically. The key carries
// a safety TTL so a crashed worker cannot leak slots forever.
const slotLuaScript = `
local key = KEYS[1]
local cap = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local cur = redis.call("INCR", key)
if cur == 1 then
    redis.call("EXPIRE", key, ttl)
end
if cur > cap then
    redis.call("DECR", key)
    return 0
end
return 1
`

// releaseLuaScript frees a slot without ever driving the counter negative.
const releaseLuaScript = `
local key = KEYS[1]
local cur = tonumber(redis.call("GET", key) or "0")
if cur > 0 then
    redis.call("DECR", key)
end
return cur
`

// limitLuaScript is the fixed-window token bucket for inbound gating:
// check all, then increment, in one round trip.
const limitLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local cur = tonumber(redis.call("GET", key) or "0")
if cur + 1 > limit then
    return {0, cur}
end
local newVal = redis.call("INCR", key)
if newVal == 1 then
    redis.call("EXPIRE", key, ttl)
end
return {1, newVal}
`

// Config holds governor tuning.
type Config struct {
	// MaxInFlightPerTarget bounds concurrent outbound calls per
	// subscription so one slow endpoint cannot starve the worker pool.
	MaxInFlightPerTarget int
	// SlotTTL is the crash-safety expiry on slot counters. It should
	// comfortably exceed the delivery timeout.
	SlotTTL time.Duration
	// RequestsPerWindow / Window define the inbound per-key token bucket.
	RequestsPerWindow int
	Window            time.Duration
}

// Governor enforces concurrency and rate limits via Redis Lua scripts.
type Governor struct {
	redis         *redis.Client
	cfg           Config
	slotScript    *redis.Script
	releaseScript *redis.Script
	limitScript   *redis.Script
}

// New creates a governor with pre-compiled scripts.
func New(client *redis.Client, cfg Config) *Governor {
	if cfg.MaxInFlightPerTarget <= 0 {
		cfg.MaxInFlightPerTarget = 2
	}
	if cfg.SlotTTL <= 0 {
		cfg.SlotTTL = 60 * time.Second
	}
	if cfg.RequestsPerWindow <= 0 {
		cfg.RequestsPerWindow = 120
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Governor{
		redis:         client,
		cfg:           cfg,
		slotScript:    redis.NewScript(slotLuaScript),
		releaseScript: redis.NewScript(releaseLuaScript),
		limitScript:   redis.NewScript(limitLuaScript),
	}
}

// AcquireSlot tries to take an outbound call slot for the subscription.
// Returns a release func (always safe to call) and whether the slot was
// granted.
//
// Counter-store failure fails OPEN here: stalling fan-out indefinitely is
// worse than briefly exceeding a concurrency cap, so on error the call
// proceeds uncapped.
func (g *Governor) AcquireSlot(ctx context.Context, subscriptionID uuid.UUID) (release func(), acquired bool) {
	key := fmt.Sprintf("gov:slots:%s", subscriptionID)

	res, err := g.slotScript.Run(ctx, g.redis, []string{key},
		g.cfg.MaxInFlightPerTarget, int(g.cfg.SlotTTL.Seconds()),
	).Int64()
	if err != nil {
		log.Printf("[Governor] slot acquire error (failing open): %v", err)
		return func() {}, true
	}
	if res != 1 {
		return func() {}, false
	}

	return func() {
		// Release with a fresh context; the attempt's context may already
		// be done.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := g.releaseScript.Run(rctx, g.redis, []string{key}).Err(); err != nil {
			log.Printf("[Governor] slot release error: %v", err)
		}
	}, true
}

// InFlight reports the current slot count for a subscription. Diagnostic
// surface only.
func (g *Governor) InFlight(ctx context.Context, subscriptionID uuid.UUID) (int64, error) {
	v, err := g.redis.Get(ctx, fmt.Sprintf("gov:slots:%s", subscriptionID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// AllowRequest gates one inbound API request for the given key.
// Counter-store failure fails CLOSED here: an unguarded ingest surface is
// worse than rejecting requests while Redis is down.
func (g *Governor) AllowRequest(ctx context.Context, apiKey string) (allowed bool, retryAfter time.Duration, err error) {
	now := time.Now()
	window := int64(g.cfg.Window.Seconds())
	bucket := now.Unix() / window
	key := fmt.Sprintf("gov:rate:%s:%d", apiKey, bucket)

	res, err := g.limitScript.Run(ctx, g.redis, []string{key},
		g.cfg.RequestsPerWindow, window*2,
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}

	if res[0].(int64) != 1 {
		remaining := time.Duration(window-(now.Unix()%window)) * time.Second
		return false, remaining, nil
	}
	return true, 0, nil
}
