package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gatekeeper/internal/storage"
)

const counterKeyPrefix = "gk:ctr:"

// windowScript maintains the two-counter rolling window atomically. State per
// scope key is a hash of three integers: window start (ms), current count and
// previous count.
const windowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local burst = tonumber(ARGV[4])
local peek = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'start', 'curr', 'prev')
local start = tonumber(state[1])
local curr = tonumber(state[2]) or 0
local prev = tonumber(state[3]) or 0
if not start then
  start = now
end

local elapsed = now - start
if elapsed >= window then
  if elapsed >= 2 * window then
    prev = 0
  else
    prev = curr
  end
  start = start + math.floor(elapsed / window) * window
  curr = 0
  elapsed = now - start
end

local frac = elapsed / window
if frac < 0 then frac = 0 end
if frac > 1 then frac = 1 end
local estimated = prev * (1 - frac) + curr

local limit = capacity
if prev == 0 then
  limit = limit + burst
end

local exceeded = 0
if estimated + 1 > limit then
  exceeded = 1
elseif peek == 0 then
  curr = curr + 1
  estimated = estimated + 1
end

redis.call('HSET', key, 'start', start, 'curr', curr, 'prev', prev)
redis.call('PEXPIRE', key, window * 2)

local remaining = math.floor(limit - estimated)
if remaining < 0 then remaining = 0 end

return {exceeded, remaining, start + window}
`

// CounterStore implements storage.CounterStore on Redis. Shared state lets
// several engine instances enforce one set of limits.
type CounterStore struct {
	client Client
}

// NewCounterStore creates a Redis-backed counter store.
func NewCounterStore(client Client) *CounterStore {
	return &CounterStore{client: client}
}

// IncrementAndCheck records one event against key under rule, or only
// inspects the counter when peek is true.
func (s *CounterStore) IncrementAndCheck(ctx context.Context, key string, rule storage.Rule, now time.Time, peek bool) (storage.Result, error) {
	peekArg := 0
	if peek {
		peekArg = 1
	}

	result, err := s.client.Eval(ctx, windowScript, []string{counterKeyPrefix + key},
		now.UnixMilli(),
		rule.Window.Milliseconds(),
		rule.Capacity,
		rule.Burst,
		peekArg,
	)
	if err != nil {
		return storage.Result{}, fmt.Errorf("window script: %w", err)
	}

	vals, ok := result.([]any)
	if !ok || len(vals) != 3 {
		return storage.Result{}, errors.New("window script: unexpected result shape")
	}
	exceeded, ok1 := vals[0].(int64)
	remaining, ok2 := vals[1].(int64)
	resetMs, ok3 := vals[2].(int64)
	if !ok1 || !ok2 || !ok3 {
		return storage.Result{}, errors.New("window script: unexpected result types")
	}

	return storage.Result{
		Exceeded:  exceeded == 1,
		Remaining: int(remaining),
		ResetAt:   time.UnixMilli(resetMs),
	}, nil
}

// Reset removes all counters whose key starts with prefix.
func (s *CounterStore) Reset(ctx context.Context, prefix string) error {
	keys, err := s.client.ScanKeys(ctx, counterKeyPrefix+prefix+"*")
	if err != nil {
		return fmt.Errorf("scan counters: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...)
}

// Close closes the underlying client.
func (s *CounterStore) Close() error {
	return s.client.Close()
}
