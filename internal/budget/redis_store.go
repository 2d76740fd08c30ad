package budget

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/imrishuroy/go-cart-recovery/internal/channels"
)

// redisWindowScript prunes, counts and optionally adds a send in one round trip.
// KEYS[1] = sorted set of send timestamps (score = unix ms)
// KEYS[2] = meta hash (total, last)
// ARGV[1] = now (unix ms)
// ARGV[2] = hour window start (unix ms, exclusive)
// ARGV[3] = day window start (unix ms, inclusive bound of what gets pruned)
// ARGV[4] = hourly cap (0 = unlimited)
// ARGV[5] = daily cap (0 = unlimited)
// ARGV[6] = mode: 0 read, 1 reserve, 2 record
// ARGV[7] = unique member for this send
// ARGV[8] = key ttl (ms)
var redisWindowScript = redis.NewScript(`
local sends = KEYS[1]
local meta = KEYS[2]
local now = tonumber(ARGV[1])
local hourly = tonumber(ARGV[4])
local daily = tonumber(ARGV[5])
local mode = tonumber(ARGV[6])

redis.call("ZREMRANGEBYSCORE", sends, "-inf", ARGV[3])
local hour = redis.call("ZCOUNT", sends, "(" .. ARGV[2], "+inf")
local day = redis.call("ZCARD", sends)

local state = redis.call("HMGET", meta, "total", "last")
local total = tonumber(state[1]) or 0
local last = tonumber(state[2]) or 0

local allowed = 1
if mode == 1 then
    if hourly > 0 and hour >= hourly then
        allowed = 0
    end
    if daily > 0 and day >= daily then
        allowed = 0
    end
end

if mode ~= 0 and allowed == 1 then
    redis.call("ZADD", sends, ARGV[1], ARGV[7])
    redis.call("HINCRBY", meta, "total", 1)
    if now > last then
        redis.call("HSET", meta, "last", ARGV[1])
    end
    redis.call("PEXPIRE", sends, ARGV[8])
    redis.call("PEXPIRE", meta, ARGV[8])
end

return {allowed, hour, day, total, last}
`)

// redisReleaseScript removes one send with score ARGV[1].
var redisReleaseScript = redis.NewScript(`
local found = redis.call("ZRANGEBYSCORE", KEYS[1], ARGV[1], ARGV[1], "LIMIT", 0, 1)
if #found == 0 then
    return 0
end
redis.call("ZREM", KEYS[1], found[1])
redis.call("HINCRBY", KEYS[2], "total", -1)
return 1
`)

const (
	redisModeRead = iota
	redisModeReserve
	redisModeRecord
)

// RedisStore keeps one sorted set of send timestamps per key. All keys of one
// budget share a hash tag so the script stays on a single cluster slot.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	newID  func() string
}

// NewRedisStore wraps an existing client. prefix defaults to "budget".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "budget"
	}
	return &RedisStore{client: client, prefix: prefix, newID: uuid.NewString}
}

func (s *RedisStore) keys(key Key) []string {
	tag := "{" + key.String() + "}"
	return []string{
		s.prefix + ":" + tag + ":sends",
		s.prefix + ":" + tag + ":meta",
	}
}

func (s *RedisStore) run(ctx context.Context, key Key, now time.Time, caps Caps, mode int) (Usage, bool, error) {
	nowMs := now.UnixMilli()
	args := []interface{}{
		nowMs,
		now.Add(-HourWindow).UnixMilli(),
		now.Add(-DayWindow).UnixMilli(),
		caps.Hourly,
		caps.Daily,
		mode,
		strconv.FormatInt(nowMs, 10) + "-" + s.newID(),
		(DayWindow + HourWindow).Milliseconds(),
	}
	res, err := redisWindowScript.Run(ctx, s.client, s.keys(key), args...).Result()
	if err != nil {
		return Usage{}, false, fmt.Errorf("redis budget script: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 5 {
		return Usage{}, false, fmt.Errorf("invalid response from budget script: %v", res)
	}
	vals := make([]int64, len(results))
	for i, r := range results {
		v, ok := r.(int64)
		if !ok {
			return Usage{}, false, fmt.Errorf("invalid budget script value %d: %v", i, r)
		}
		vals[i] = v
	}
	u := Usage{LastHour: int(vals[1]), LastDay: int(vals[2]), Total: vals[3]}
	if vals[4] > 0 {
		u.LastSendAt = time.UnixMilli(vals[4])
	}
	return u, vals[0] == 1, nil
}

// Usage returns the window counts for key.
func (s *RedisStore) Usage(ctx context.Context, key Key, now time.Time) (Usage, error) {
	u, _, err := s.run(ctx, key, now, Caps{}, redisModeRead)
	return u, err
}

// Record adds a send at now.
func (s *RedisStore) Record(ctx context.Context, key Key, now time.Time) error {
	_, _, err := s.run(ctx, key, now, Caps{}, redisModeRecord)
	return err
}

// Reserve records a send at now when it fits into caps.
func (s *RedisStore) Reserve(ctx context.Context, key Key, now time.Time, caps Caps) (Usage, bool, error) {
	return s.run(ctx, key, now, caps, redisModeReserve)
}

// Release removes one send recorded at at.
func (s *RedisStore) Release(ctx context.Context, key Key, at time.Time) error {
	if err := redisReleaseScript.Run(ctx, s.client, s.keys(key), at.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("redis budget release: %w", err)
	}
	return nil
}

// WarmUpStart returns the first-use time of c, recording now if unknown.
func (s *RedisStore) WarmUpStart(ctx context.Context, c channels.Channel, now time.Time) (time.Time, error) {
	key := s.prefix + ":warmup:{" + string(c) + "}"
	if err := s.client.SetNX(ctx, key, now.UnixMilli(), 0).Err(); err != nil {
		return time.Time{}, fmt.Errorf("redis warm-up setnx: %w", err)
	}
	ms, err := s.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return now, nil
		}
		return time.Time{}, fmt.Errorf("redis warm-up get: %w", err)
	}
	return time.UnixMilli(ms), nil
}
