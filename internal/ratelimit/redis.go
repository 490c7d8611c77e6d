package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps window counters in Redis so multiple instances share
// one quota. Key expiry replaces explicit sweeping.
//
// takeScript increments the window counter only while it is under the
// limit, setting the expiry when the counter is created. Returns
// {count, allowed, pttl}.
var takeScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if count >= limit then
    return {count, 0, redis.call('PTTL', KEYS[1])}
end
count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {count, 1, redis.call('PTTL', KEYS[1])}
`)

// RedisConfig holds connection settings for the redis store
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore implements Store on top of a Redis server
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "ratelimit:"}, nil
}

// Take implements Store
func (s *RedisStore) Take(ctx context.Context, key string, limit int, window time.Duration) (int, time.Time, bool, error) {
	now := time.Now()
	idx := windowIndex(now, window)
	storeKey := fmt.Sprintf("%s%s:%d", s.prefix, key, idx)

	// Expire two window widths after creation so the previous window is
	// still visible to late checks near the boundary.
	res, err := takeScript.Run(ctx, s.client, []string{storeKey},
		limit, (2 * window).Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) != 3 {
		return 0, time.Time{}, false, fmt.Errorf("unexpected script reply length %d", len(res))
	}

	count := int(res[0])
	allowed := res[1] == 1
	resetTime := windowReset(now, window)

	return count, resetTime, allowed, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
