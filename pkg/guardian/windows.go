package guardian

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// WindowStore accumulates (timestamp, cost) samples per key and sums
// them over a sliding window. The memory store serves a single process;
// the redis store shares windows across drop-in proxy replicas.
type WindowStore interface {
	Add(ctx context.Context, key string, at time.Time, cost float64) error
	Sum(ctx context.Context, key string, since time.Time) (float64, error)
}

type sample struct {
	at   time.Time
	cost float64
}

// MemoryWindowStore is the in-process default.
type MemoryWindowStore struct {
	mu      sync.Mutex
	samples map[string][]sample
}

func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{samples: map[string][]sample{}}
}

func (s *MemoryWindowStore) Add(_ context.Context, key string, at time.Time, cost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[key] = append(s.samples[key], sample{at: at, cost: cost})
	return nil
}

func (s *MemoryWindowStore) Sum(_ context.Context, key string, since time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.samples[key][:0]
	var sum float64
	for _, smp := range s.samples[key] {
		if smp.at.Before(since) {
			continue
		}
		kept = append(kept, smp)
		sum += smp.cost
	}
	s.samples[key] = kept
	return sum, nil
}

// redisWindowScript records a sample and returns the window sum in one
// round trip. Samples live in a sorted set scored by microsecond
// timestamp; expired members are trimmed on every call.
// KEYS[1] = window key
// ARGV[1] = now (microseconds)
// ARGV[2] = window floor (microseconds)
// ARGV[3] = cost to add ("" to only read)
var redisWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local floor = tonumber(ARGV[2])

redis.call("ZREMRANGEBYSCORE", key, "-inf", floor)

if ARGV[3] ~= "" then
    redis.call("ZADD", key, now, now .. ":" .. ARGV[3])
    redis.call("EXPIRE", key, 3700)
end

local total = 0
local members = redis.call("ZRANGEBYSCORE", key, floor, "+inf")
for _, m in ipairs(members) do
    local sep = string.find(m, ":", 1, true)
    if sep then
        total = total + tonumber(string.sub(m, sep + 1))
    end
end
return tostring(total)
`)

// RedisWindowStore shares burn-rate windows through Redis.
type RedisWindowStore struct {
	client *redis.Client
}

func NewRedisWindowStore(addr, password string, db int) *RedisWindowStore {
	return &RedisWindowStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *RedisWindowStore) Add(ctx context.Context, key string, at time.Time, cost float64) error {
	// The floor only matters for trimming; use a generous hour so Add
	// never discards samples a later Sum still needs.
	floor := at.Add(-time.Hour).UnixMicro()
	_, err := redisWindowScript.Run(ctx, s.client, []string{key},
		at.UnixMicro(), floor, fmt.Sprintf("%f", cost)).Result()
	if err != nil {
		return fmt.Errorf("redis window add: %w", err)
	}
	return nil
}

func (s *RedisWindowStore) Sum(ctx context.Context, key string, since time.Time) (float64, error) {
	res, err := redisWindowScript.Run(ctx, s.client, []string{key},
		time.Now().UnixMicro(), since.UnixMicro(), "").Result()
	if err != nil {
		return 0, fmt.Errorf("redis window sum: %w", err)
	}
	str, ok := res.(string)
	if !ok {
		return 0, fmt.Errorf("redis window sum: unexpected reply %T", res)
	}
	var total float64
	if _, err := fmt.Sscanf(str, "%f", &total); err != nil {
		return 0, fmt.Errorf("redis window sum: parse %q: %w", str, err)
	}
	return total, nil
}
